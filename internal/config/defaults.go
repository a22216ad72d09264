// Package config provides configuration loading, defaults, and validation for
// the MedCode-Intelligence platform.
package config

import "time"

// ─────────────────────────────────────────────────────────────────────────────
// Default value constants
// ─────────────────────────────────────────────────────────────────────────────

const (
	DefaultServerPort = 8080
	DefaultServerMode = "debug"

	DefaultDBHost     = "localhost"
	DefaultDBPort     = 5432
	DefaultDBName     = "medcode"
	DefaultDBMaxConns = 25

	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisDB        = 0
	DefaultRedisKeyPrefix = "medcode:"

	DefaultKafkaBroker  = "localhost:9092"
	DefaultKafkaGroupID = "medcode-coding"

	DefaultMilvusAddr = "localhost:19530"

	DefaultMinIOEndpoint         = "localhost:9000"
	DefaultMinIOBucket           = "medcode-notes"
	DefaultMinIOExportsBucket    = "medcode-audit-exports"
	DefaultMinIOExportExpiryDays = 30
	DefaultMinIORegion           = "us-east-1"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultWorkerConcurrency = 10

	DefaultServingAddr     = "localhost:8001"
	DefaultServingProtocol = "grpc"
	DefaultNoteBERTModel   = "note_bert_v2"
	DefaultCodeNetModel    = "code_net_v1"

	DefaultMetricsPort      = 9091
	DefaultMetricsPath      = "/metrics"
	DefaultMetricsNamespace = "medcode"

	// DefaultStationTierBoundary is the station count at which EBUS-TBNA
	// switches to the 3-or-more-stations code.
	DefaultStationTierBoundary = 3
	// DefaultMinSedationMinutes is the shortest interval that codes
	// moderate sedation at all.
	DefaultMinSedationMinutes = 10
	// DefaultSedationUnitMinutes is the block size for additional units.
	DefaultSedationUnitMinutes = 15
	// DefaultDistinctSiteModifier marks a distinct procedural site.
	DefaultDistinctSiteModifier = "59"
)

// ─────────────────────────────────────────────────────────────────────────────
// ApplyDefaults fills zero-value fields in cfg with well-known defaults.
// It must be called after unmarshalling raw config data and before Validate()
// so that optional-but-defaulted fields are never seen as missing.
// ─────────────────────────────────────────────────────────────────────────────

// ApplyDefaults fills every zero-value field in cfg with the platform default.
// Fields that have already been set by the caller (non-zero values) are left
// unchanged so that explicit configuration always wins.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	// ── Server ────────────────────────────────────────────────────────────────
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = DefaultServerMode
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	// ── Database ──────────────────────────────────────────────────────────────
	if cfg.Database.Host == "" {
		cfg.Database.Host = DefaultDBHost
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = DefaultDBPort
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = DefaultDBName
	}
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = DefaultDBMaxConns
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MigrationPath == "" {
		cfg.Database.MigrationPath = "migrations"
	}

	// ── Redis ─────────────────────────────────────────────────────────────────
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = DefaultRedisAddr
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.Redis.DefaultTTL == 0 {
		cfg.Redis.DefaultTTL = time.Hour
	}
	// DB is an int; 0 is a valid explicit value so we cannot distinguish "not
	// set" from "set to 0".  We leave it as-is (0 is also the default).

	// ── Kafka ─────────────────────────────────────────────────────────────────
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{DefaultKafkaBroker}
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = DefaultKafkaGroupID
	}
	if cfg.Kafka.AutoOffsetReset == "" {
		cfg.Kafka.AutoOffsetReset = "earliest"
	}

	// ── Milvus ────────────────────────────────────────────────────────────────
	if cfg.Milvus.Addr == "" {
		cfg.Milvus.Addr = DefaultMilvusAddr
	}
	if cfg.Milvus.EmbeddingDim == 0 {
		cfg.Milvus.EmbeddingDim = 768
	}
	if cfg.Milvus.DefaultTopK == 0 {
		cfg.Milvus.DefaultTopK = 5
	}

	// ── MinIO ─────────────────────────────────────────────────────────────────
	if cfg.MinIO.Endpoint == "" {
		cfg.MinIO.Endpoint = DefaultMinIOEndpoint
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = DefaultMinIOBucket
	}
	if cfg.MinIO.ExportsBucket == "" {
		cfg.MinIO.ExportsBucket = DefaultMinIOExportsBucket
	}
	if cfg.MinIO.ExportExpiryDays == 0 {
		cfg.MinIO.ExportExpiryDays = DefaultMinIOExportExpiryDays
	}
	if cfg.MinIO.Region == "" {
		cfg.MinIO.Region = DefaultMinIORegion
	}
	if cfg.MinIO.PresignExpiry == 0 {
		cfg.MinIO.PresignExpiry = 15 * time.Minute
	}

	// ── Worker ────────────────────────────────────────────────────────────────
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = DefaultWorkerConcurrency
	}
	if cfg.Worker.Mode == "" {
		cfg.Worker.Mode = "local"
	}
	if cfg.Worker.MaxRetries == 0 {
		cfg.Worker.MaxRetries = 3
	}

	// ── Metrics ───────────────────────────────────────────────────────────────
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}

	// ── Log ───────────────────────────────────────────────────────────────────
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}

	// ── Serving ───────────────────────────────────────────────────────────────
	if cfg.Serving.Addr == "" {
		cfg.Serving.Addr = DefaultServingAddr
	}
	if cfg.Serving.Protocol == "" {
		cfg.Serving.Protocol = DefaultServingProtocol
	}
	if cfg.Serving.NoteBERTModel == "" {
		cfg.Serving.NoteBERTModel = DefaultNoteBERTModel
	}
	if cfg.Serving.CodeNetModel == "" {
		cfg.Serving.CodeNetModel = DefaultCodeNetModel
	}
	if cfg.Serving.Timeout == 0 {
		cfg.Serving.Timeout = 30 * time.Second
	}
	if cfg.Serving.MaxBatchSize == 0 {
		cfg.Serving.MaxBatchSize = 64
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	applyPipelineDefaults(&cfg.Pipeline)
}

// applyPipelineDefaults fills the pipeline stage tunables.  The feature gates
// default to off for the corrective pass (it is the only stage that blocks on
// an external service) and on for the learned extractor and the secondary
// predictor, which degrade to warnings when their backends are unreachable.
func applyPipelineDefaults(p *PipelineConfig) {
	if p.LearnedTimeout == 0 {
		p.LearnedTimeout = 10 * time.Second
	}

	if p.Corrective.MaxConcurrent == 0 {
		p.Corrective.MaxConcurrent = 4
	}
	if p.Corrective.Timeout == 0 {
		p.Corrective.Timeout = 20 * time.Second
	}
	if p.Corrective.MaxRetries == 0 {
		p.Corrective.MaxRetries = 2
	}
	if p.Corrective.RetryBackoff == 0 {
		p.Corrective.RetryBackoff = 500 * time.Millisecond
	}
	if p.Corrective.ConfidenceCeiling == 0 {
		p.Corrective.ConfidenceCeiling = 0.70
	}
	if p.Corrective.CacheTTL == 0 {
		p.Corrective.CacheTTL = 24 * time.Hour
	}
	if p.Corrective.Backend == "" {
		p.Corrective.Backend = "http"
	}
	if p.Corrective.RagTopK == 0 {
		p.Corrective.RagTopK = 3
	}

	if p.Omission.MinConfidence == 0 {
		p.Omission.MinConfidence = 0.65
	}

	if p.Derivation.StationTierBoundary == 0 {
		p.Derivation.StationTierBoundary = DefaultStationTierBoundary
	}
	if p.Derivation.MinSedationMinutes == 0 {
		p.Derivation.MinSedationMinutes = DefaultMinSedationMinutes
	}
	if p.Derivation.SedationUnitMinutes == 0 {
		p.Derivation.SedationUnitMinutes = DefaultSedationUnitMinutes
	}
	if p.Derivation.DistinctSiteModifier == "" {
		p.Derivation.DistinctSiteModifier = DefaultDistinctSiteModifier
	}

	if p.Reconcile.LowConfidence == 0 {
		p.Reconcile.LowConfidence = 0.50
	}
}
