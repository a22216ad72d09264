package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/MedCode-Intelligence/internal/config"
)

// validConfig returns a Config that passes Validate() with all required fields set.
func validConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	// Fill required fields that have no default.
	cfg.Database.User = "medcode"
	cfg.Database.Password = "secret"
	return cfg
}

func TestConfig_Validate_ValidConfig(t *testing.T) {
	t.Parallel()
	assert.NoError(t, validConfig().Validate())
}

func TestConfig_Validate_MissingDatabaseHost(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Database.Host = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.host")
}

func TestConfig_Validate_MissingDatabaseUser(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Database.User = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.user")
}

func TestConfig_Validate_InvalidServerPort(t *testing.T) {
	t.Parallel()
	cases := []int{0, -1, 65536, 100000}
	for _, p := range cases {
		p := p
		t.Run("", func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			cfg.Server.Port = p
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "server.port")
		})
	}
}

func TestConfig_Validate_InvalidServerMode(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Server.Mode = "production" // not an accepted value
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.mode")
}

func TestConfig_Validate_NegativeRedisDB(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Redis.DB = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.db")
}

func TestConfig_Validate_EmptyKafkaBrokers(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Kafka.Brokers = nil
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka.brokers")
}

func TestConfig_Validate_InvalidServingProtocol(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Serving.Protocol = "thrift"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serving.protocol")
}

func TestConfig_Validate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Log.Level = "trace"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
}

func TestConfig_Validate_InvalidLogFormat(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Log.Format = "text"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.format")
}

// ─────────────────────────────────────────────────────────────────────────────
// Pipeline validation
// ─────────────────────────────────────────────────────────────────────────────

func TestConfig_Validate_CorrectiveEnabled_BadConcurrency(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Pipeline.EnableCorrectivePass = true
	cfg.Pipeline.Corrective.MaxConcurrent = -3
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrective.max_concurrent")
}

func TestConfig_Validate_CorrectiveEnabled_BadCeiling(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Pipeline.EnableCorrectivePass = true
	cfg.Pipeline.Corrective.ConfidenceCeiling = 1.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence_ceiling")
}

func TestConfig_Validate_CorrectiveEnabled_BadBackend(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Pipeline.EnableCorrectivePass = true
	cfg.Pipeline.Corrective.Backend = "grpc"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrective.backend")
}

func TestConfig_Validate_CorrectiveDisabled_SkipsCorrectiveChecks(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Pipeline.EnableCorrectivePass = false
	cfg.Pipeline.Corrective.MaxConcurrent = -3
	cfg.Pipeline.Corrective.Backend = "nonsense"
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_BadStationTierBoundary(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Pipeline.Derivation.StationTierBoundary = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "station_tier_boundary")
}

func TestConfig_Validate_BadSedationMinutes(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Pipeline.Derivation.MinSedationMinutes = -5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_sedation_minutes")
}

func TestConfig_Validate_EmptyDistinctSiteModifier(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Pipeline.Derivation.DistinctSiteModifier = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "distinct_site_modifier")
}

func TestConfig_Validate_ReconcileThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	for _, v := range []float64{-0.1, 1.0, 2.0} {
		v := v
		t.Run("", func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			cfg.Pipeline.Reconcile.LowConfidence = v
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "low_confidence")
		})
	}
}

func TestConfig_Validate_OmissionThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Pipeline.Omission.MinConfidence = 1.2
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "omission.min_confidence")
}
