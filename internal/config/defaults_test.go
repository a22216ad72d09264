package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/turtacn/MedCode-Intelligence/internal/config"
)

func TestApplyDefaults_EmptyConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	assert.Equal(t, config.DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, config.DefaultServerMode, cfg.Server.Mode)
	assert.Equal(t, config.DefaultDBHost, cfg.Database.Host)
	assert.Equal(t, config.DefaultDBName, cfg.Database.DBName)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, config.DefaultRedisAddr, cfg.Redis.Addr)
	assert.Equal(t, config.DefaultRedisKeyPrefix, cfg.Redis.KeyPrefix)
	assert.Equal(t, []string{config.DefaultKafkaBroker}, cfg.Kafka.Brokers)
	assert.Equal(t, config.DefaultKafkaGroupID, cfg.Kafka.GroupID)
	assert.Equal(t, "earliest", cfg.Kafka.AutoOffsetReset)
	assert.Equal(t, config.DefaultMilvusAddr, cfg.Milvus.Addr)
	assert.Equal(t, config.DefaultMinIOEndpoint, cfg.MinIO.Endpoint)
	assert.Equal(t, config.DefaultMinIOBucket, cfg.MinIO.Bucket)
	assert.Equal(t, config.DefaultWorkerConcurrency, cfg.Worker.Concurrency)
	assert.Equal(t, config.DefaultLogLevel, cfg.Log.Level)
	assert.Equal(t, config.DefaultLogFormat, cfg.Log.Format)
	assert.Equal(t, config.DefaultServingAddr, cfg.Serving.Addr)
	assert.Equal(t, config.DefaultServingProtocol, cfg.Serving.Protocol)
	assert.Equal(t, config.DefaultNoteBERTModel, cfg.Serving.NoteBERTModel)
	assert.Equal(t, config.DefaultCodeNetModel, cfg.Serving.CodeNetModel)
}

func TestApplyDefaults_PipelineThresholds(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)

	p := cfg.Pipeline
	assert.Equal(t, 10*time.Second, p.LearnedTimeout)
	assert.Equal(t, 4, p.Corrective.MaxConcurrent)
	assert.Equal(t, 20*time.Second, p.Corrective.Timeout)
	assert.Equal(t, 0.70, p.Corrective.ConfidenceCeiling)
	assert.Equal(t, 24*time.Hour, p.Corrective.CacheTTL)
	assert.Equal(t, "http", p.Corrective.Backend)
	assert.Equal(t, 0.65, p.Omission.MinConfidence)
	assert.Equal(t, config.DefaultStationTierBoundary, p.Derivation.StationTierBoundary)
	assert.Equal(t, config.DefaultMinSedationMinutes, p.Derivation.MinSedationMinutes)
	assert.Equal(t, config.DefaultSedationUnitMinutes, p.Derivation.SedationUnitMinutes)
	assert.Equal(t, config.DefaultDistinctSiteModifier, p.Derivation.DistinctSiteModifier)
	assert.Equal(t, 0.50, p.Reconcile.LowConfidence)
}

func TestApplyDefaults_ExplicitValuesWin(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Server.Port = 9000
	cfg.Kafka.Brokers = []string{"broker-a:9092", "broker-b:9092"}
	cfg.Pipeline.Derivation.StationTierBoundary = 4

	config.ApplyDefaults(cfg)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"broker-a:9092", "broker-b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 4, cfg.Pipeline.Derivation.StationTierBoundary)
}

func TestApplyDefaults_NilConfig(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() { config.ApplyDefaults(nil) })
}
