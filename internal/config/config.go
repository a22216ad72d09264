// Package config defines all configuration structures for the
// MedCode-Intelligence platform.  No I/O or parsing logic lives here — only
// plain data types and validation.
package config

import (
	"fmt"
	"time"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
)

// ─────────────────────────────────────────────────────────────────────────────
// Sub-configuration structs
// ─────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server tunables.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // "debug" | "release" | "test"
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"db_name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	MigrationPath   string        `mapstructure:"migration_path"`
}

// Neo4jConfig holds Neo4j connection parameters for the billing-code
// relationship graph.
type Neo4jConfig struct {
	URI                   string        `mapstructure:"uri"`
	User                  string        `mapstructure:"user"`
	Password              string        `mapstructure:"password"`
	MaxConnectionPoolSize int           `mapstructure:"max_connection_pool_size"`
	ConnectionTimeout     time.Duration `mapstructure:"connection_timeout"`
	Database              string        `mapstructure:"database"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	DefaultTTL   time.Duration `mapstructure:"default_ttl"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// KafkaConfig holds Apache Kafka producer/consumer parameters.
type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers"`
	GroupID           string   `mapstructure:"group_id"`
	AutoOffsetReset   string   `mapstructure:"auto_offset_reset"` // "earliest" | "latest"
	TimeoutMS         int      `mapstructure:"timeout_ms"`
	ProducerRetries   int      `mapstructure:"producer_retries"`
	BatchSize         int      `mapstructure:"batch_size"`
	AutoCreateTopics  bool     `mapstructure:"auto_create_topics"`
	ReplicationFactor int      `mapstructure:"replication_factor"`
	NumPartitions     int      `mapstructure:"num_partitions"`
}

// OpenSearchConfig holds OpenSearch cluster connection parameters for the
// coded-note review index.
type OpenSearchConfig struct {
	Addresses          []string `mapstructure:"addresses"`
	User               string   `mapstructure:"user"`
	Password           string   `mapstructure:"password"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify"`
	BulkBatchSize      int      `mapstructure:"bulk_batch_size"`
	ScrollSize         int      `mapstructure:"scroll_size"`
	IndexPrefix        string   `mapstructure:"index_prefix"`
}

// MilvusConfig holds Milvus vector-store parameters for the similar-note
// retrieval index used by the corrective pass.
type MilvusConfig struct {
	Addr               string `mapstructure:"addr"`
	DBName             string `mapstructure:"db_name"`
	EmbeddingDim       int    `mapstructure:"embedding_dim"`
	IndexType          string `mapstructure:"index_type"`
	HNSWM              int    `mapstructure:"hnsw_m"`
	HNSWEfConstruction int    `mapstructure:"hnsw_ef_construction"`
	DefaultTopK        int    `mapstructure:"default_top_k"`
	CollectionPrefix   string `mapstructure:"collection_prefix"`
}

// MinIOConfig holds MinIO / S3-compatible object-storage parameters for the
// note document store and audit-bundle exports.
type MinIOConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	AccessKey        string        `mapstructure:"access_key"`
	SecretKey        string        `mapstructure:"secret_key"`
	Bucket           string        `mapstructure:"bucket"`
	ExportsBucket    string        `mapstructure:"exports_bucket"`
	ExportExpiryDays int           `mapstructure:"export_expiry_days"`
	UseSSL           bool          `mapstructure:"use_ssl"`
	Region           string        `mapstructure:"region"`
	PresignExpiry    time.Duration `mapstructure:"presign_expiry"`
}

// WorkerConfig holds background-worker execution parameters.
type WorkerConfig struct {
	Mode              string        `mapstructure:"mode"` // "local" | "distributed"
	Concurrency       int           `mapstructure:"concurrency"`
	QueueDepth        int           `mapstructure:"queue_depth"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoffMS    time.Duration `mapstructure:"retry_backoff_ms"`
}

// MetricsConfig holds Prometheus exposition parameters.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Port      int    `mapstructure:"port"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// ServingConfig holds model-serving connection parameters shared by the
// learned extractor and the secondary predictor.
type ServingConfig struct {
	Addr          string        `mapstructure:"addr"`
	Protocol      string        `mapstructure:"protocol"` // "grpc" | "http" | "mock"
	NoteBERTModel string        `mapstructure:"note_bert_model"`
	CodeNetModel  string        `mapstructure:"code_net_model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBatchSize  int           `mapstructure:"max_batch_size"`
}

// CorrectiveConfig holds adjudication parameters for the corrective pass —
// the pipeline's only blocking external call.
type CorrectiveConfig struct {
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	ConfidenceCeiling float64       `mapstructure:"confidence_ceiling"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	Backend           string        `mapstructure:"backend"` // "vllm" | "http" | "openai"
	Endpoint          string        `mapstructure:"endpoint"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	// KeywordGuards maps a registry field path to the words at least one of
	// which must appear in the note before an adjudication is attempted for
	// that field.
	KeywordGuards map[string][]string `mapstructure:"keyword_guards"`
	RagTopK       int                 `mapstructure:"rag_top_k"`
}

// OmissionConfig holds omission-scanner thresholds.
type OmissionConfig struct {
	// MinConfidence is the learned-signal confidence above which a field
	// absent from the frozen record raises an omission warning.
	MinConfidence float64 `mapstructure:"min_confidence"`
}

// DerivationConfig holds the numeric thresholds the code derivation engine
// reads instead of hardcoding.
type DerivationConfig struct {
	// StationTierBoundary is the sampled-station count at which EBUS-TBNA
	// moves from the 1–2 station code to the 3-or-more code.
	StationTierBoundary int `mapstructure:"station_tier_boundary"`
	// MinSedationMinutes is the shortest documented sedation interval that
	// produces a sedation code at all.
	MinSedationMinutes int `mapstructure:"min_sedation_minutes"`
	// SedationUnitMinutes is the block size for additional sedation units.
	SedationUnitMinutes int `mapstructure:"sedation_unit_minutes"`
	// DistinctSiteModifier is appended to the lower-ranked code when two
	// codes that normally bundle were performed at distinct sites.
	DistinctSiteModifier string `mapstructure:"distinct_site_modifier"`
}

// ReconcileConfig holds reconciliation thresholds.
type ReconcileConfig struct {
	// LowConfidence is the predictor confidence below which a single
	// predictor-only code downgrades the recommendation to review rather
	// than audit.
	LowConfidence float64 `mapstructure:"low_confidence"`
}

// PipelineConfig holds the coding-pipeline feature gates and stage tunables.
type PipelineConfig struct {
	EnableLearnedExtractor   bool          `mapstructure:"enable_learned_extractor"`
	EnableCorrectivePass     bool          `mapstructure:"enable_corrective_pass"`
	EnableSecondaryPredictor bool          `mapstructure:"enable_secondary_predictor"`
	LearnedTimeout           time.Duration `mapstructure:"learned_timeout"`

	Corrective CorrectiveConfig `mapstructure:"corrective"`
	Omission   OmissionConfig   `mapstructure:"omission"`
	Derivation DerivationConfig `mapstructure:"derivation"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Root Config
// ─────────────────────────────────────────────────────────────────────────────

// Config is the root configuration structure for the entire platform.
// Every infrastructure component and application service reads its settings
// from the relevant sub-struct.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Neo4j      Neo4jConfig       `mapstructure:"neo4j"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Kafka      KafkaConfig       `mapstructure:"kafka"`
	OpenSearch OpenSearchConfig  `mapstructure:"opensearch"`
	Milvus     MilvusConfig      `mapstructure:"milvus"`
	MinIO      MinIOConfig       `mapstructure:"minio"`
	Worker     WorkerConfig      `mapstructure:"worker"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	Log        logging.LogConfig `mapstructure:"log"`
	Serving    ServingConfig     `mapstructure:"serving"`
	Pipeline   PipelineConfig    `mapstructure:"pipeline"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Validation
// ─────────────────────────────────────────────────────────────────────────────

// Validate performs semantic validation of the fully-populated Config.
// It returns the first error encountered; callers should treat any error as
// fatal and refuse to start the application.
func (c *Config) Validate() error {
	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d is out of range [1, 65535]", c.Server.Port)
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("config: server.mode %q is invalid; expected debug|release|test", c.Server.Mode)
	}

	// Database
	if c.Database.Host == "" {
		return fmt.Errorf("config: database.host is required")
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("config: database.port %d is out of range [1, 65535]", c.Database.Port)
	}
	if c.Database.User == "" {
		return fmt.Errorf("config: database.user is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("config: database.db_name is required")
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("config: database.max_conns must be ≥ 1, got %d", c.Database.MaxConns)
	}

	// Redis
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("config: redis.db must be ≥ 0, got %d", c.Redis.DB)
	}

	// Kafka
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers must contain at least one broker address")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("config: kafka.group_id is required")
	}

	// Serving
	if c.Serving.Addr == "" {
		return fmt.Errorf("config: serving.addr is required")
	}
	switch c.Serving.Protocol {
	case "grpc", "http", "mock":
	default:
		return fmt.Errorf("config: serving.protocol %q is invalid; expected grpc|http|mock", c.Serving.Protocol)
	}

	// Milvus
	if c.Milvus.Addr == "" {
		return fmt.Errorf("config: milvus.addr is required")
	}

	// Worker
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("config: worker.concurrency must be ≥ 1, got %d", c.Worker.Concurrency)
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q is invalid; expected debug|info|warn|error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: log.format %q is invalid; expected json|console", c.Log.Format)
	}

	return c.Pipeline.validate()
}

// validate checks the pipeline stage tunables.  Gating booleans are free-form;
// only the numeric thresholds can render the pipeline semantically invalid.
func (p *PipelineConfig) validate() error {
	if p.EnableCorrectivePass {
		if p.Corrective.MaxConcurrent < 1 {
			return fmt.Errorf("config: pipeline.corrective.max_concurrent must be ≥ 1, got %d", p.Corrective.MaxConcurrent)
		}
		if p.Corrective.Timeout <= 0 {
			return fmt.Errorf("config: pipeline.corrective.timeout must be > 0, got %s", p.Corrective.Timeout)
		}
		if p.Corrective.ConfidenceCeiling <= 0 || p.Corrective.ConfidenceCeiling > 1 {
			return fmt.Errorf("config: pipeline.corrective.confidence_ceiling %.3f is out of range (0, 1]", p.Corrective.ConfidenceCeiling)
		}
		switch p.Corrective.Backend {
		case "vllm", "http", "openai":
		default:
			return fmt.Errorf("config: pipeline.corrective.backend %q is invalid; expected vllm|http|openai", p.Corrective.Backend)
		}
	}
	if p.Omission.MinConfidence < 0 || p.Omission.MinConfidence > 1 {
		return fmt.Errorf("config: pipeline.omission.min_confidence %.3f is out of range [0, 1]", p.Omission.MinConfidence)
	}
	if p.Derivation.StationTierBoundary < 1 {
		return fmt.Errorf("config: pipeline.derivation.station_tier_boundary must be ≥ 1, got %d", p.Derivation.StationTierBoundary)
	}
	if p.Derivation.MinSedationMinutes < 0 {
		return fmt.Errorf("config: pipeline.derivation.min_sedation_minutes must be ≥ 0, got %d", p.Derivation.MinSedationMinutes)
	}
	if p.Derivation.SedationUnitMinutes < 1 {
		return fmt.Errorf("config: pipeline.derivation.sedation_unit_minutes must be ≥ 1, got %d", p.Derivation.SedationUnitMinutes)
	}
	if p.Derivation.DistinctSiteModifier == "" {
		return fmt.Errorf("config: pipeline.derivation.distinct_site_modifier is required")
	}
	if p.Reconcile.LowConfidence <= 0 || p.Reconcile.LowConfidence >= 1 {
		return fmt.Errorf("config: pipeline.reconcile.low_confidence %.3f is out of range (0, 1)", p.Reconcile.LowConfidence)
	}
	return nil
}
