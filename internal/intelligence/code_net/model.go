// Package code_net wraps the served whole-note code classifier used as the
// pipeline's secondary predictor. Its output is a cross-check only: the
// reconciler compares it against the deterministically derived code set, and
// nothing in this package can touch the registry record or the derived codes.
package code_net

import (
	"context"
	"fmt"
	"regexp"

	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/common"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

// DefaultModelName is the serving name of the code classifier.
const DefaultModelName = "code-net"

// codeShapeRe matches the syntactic shape of a billing code: five digits,
// optionally carrying an add-on marker the model may echo.
var codeShapeRe = regexp.MustCompile(`^\+?\d{5}$`)

// Config holds the serving parameters of the code_net classifier.
type Config struct {
	// ModelName is the name the serving backend knows the model by.
	ModelName string `json:"model_name" yaml:"model_name"`

	// ModelVersion pins a served version; empty routes to the active one.
	ModelVersion string `json:"model_version,omitempty" yaml:"model_version,omitempty"`

	// Backend selects the serving infrastructure.
	Backend common.BackendType `json:"backend" yaml:"backend"`

	// MinConfidence drops predicted codes below it before they reach the
	// reconciler.
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence"`

	// AllowedCodes restricts predictions to the catalog's code set. A code
	// outside it marks the whole response malformed. Empty accepts any
	// syntactically valid code.
	AllowedCodes []string `json:"allowed_codes,omitempty" yaml:"allowed_codes,omitempty"`

	// TimeoutMs bounds one inference call.
	TimeoutMs int `json:"timeout_ms" yaml:"timeout_ms"`

	// Labels are free-form metadata attached to the registry descriptor.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// NewConfig returns a Config with production defaults, overlaid with any
// non-zero fields from overrides.
func NewConfig(overrides *Config) *Config {
	cfg := &Config{
		ModelName:     DefaultModelName,
		ModelVersion:  "1.0.0",
		Backend:       common.BackendTriton,
		MinConfidence: 0.10,
		TimeoutMs:     2000,
	}
	if overrides == nil {
		return cfg
	}
	if overrides.ModelName != "" {
		cfg.ModelName = overrides.ModelName
	}
	if overrides.ModelVersion != "" {
		cfg.ModelVersion = overrides.ModelVersion
	}
	if overrides.Backend != "" {
		cfg.Backend = overrides.Backend
	}
	if overrides.MinConfidence > 0 {
		cfg.MinConfidence = overrides.MinConfidence
	}
	if len(overrides.AllowedCodes) > 0 {
		cfg.AllowedCodes = overrides.AllowedCodes
	}
	if overrides.TimeoutMs > 0 {
		cfg.TimeoutMs = overrides.TimeoutMs
	}
	if overrides.Labels != nil {
		cfg.Labels = overrides.Labels
	}
	return cfg
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.ModelName == "" {
		return errors.New(errors.ErrCodeValidation, "code_net: model name is required")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return errors.New(errors.ErrCodeValidation,
			fmt.Sprintf("code_net: min_confidence %.3f is out of range [0, 1]", c.MinConfidence))
	}
	if c.TimeoutMs <= 0 {
		return errors.New(errors.ErrCodeValidation, "code_net: timeout_ms must be positive")
	}
	for _, code := range c.AllowedCodes {
		if !codeShapeRe.MatchString(code) {
			return errors.New(errors.ErrCodeValidation,
				fmt.Sprintf("code_net: allowed code %q is not a valid code shape", code))
		}
	}
	return nil
}

// ModelDescriptor returns the registry descriptor for this configuration.
func (c *Config) ModelDescriptor() *common.ModelDescriptor {
	return &common.ModelDescriptor{
		Name:    c.ModelName,
		Version: c.ModelVersion,
		Type:    common.ModelTypeClassifier,
		Backend: c.Backend,
		InputSchema: common.IOSchema{Fields: []common.SchemaField{
			{Name: "note", DType: "string", Required: true},
		}},
		OutputSchema: common.IOSchema{Fields: []common.SchemaField{
			{Name: "codes", DType: "json", Required: true},
		}},
		Labels: c.Labels,
	}
}

// RegisterToRegistry validates the config and registers the descriptor.
func (c *Config) RegisterToRegistry(ctx context.Context, registry common.ModelRegistry) error {
	if registry == nil {
		return errors.New(errors.ErrCodeValidation, "code_net: model registry is required")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	return registry.Register(ctx, *c.ModelDescriptor())
}
