// Package adjudicator implements the corrective pass's external reviewer: an
// LLM-backed second opinion on a single registry field the omission scanner
// flagged. The adjudicator is advisory only — it proposes a Patch, and the
// pipeline decides whether to apply it. It never sees or mutates the registry
// record.
package adjudicator

import (
	"context"
	"fmt"

	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// Backend selects the inference endpoint dialect.
type Backend string

const (
	BackendVLLM   Backend = "vllm"
	BackendHTTP   Backend = "http"
	BackendOpenAI Backend = "openai"
)

// Valid reports whether b is a known backend.
func (b Backend) Valid() bool {
	switch b {
	case BackendVLLM, BackendHTTP, BackendOpenAI:
		return true
	}
	return false
}

// Hint carries the omission scanner's signal into the review prompt.
type Hint struct {
	// CodeHint is the billing code the omitted field would have produced.
	CodeHint string `json:"code_hint"`
	// Reason is the scanner's human-readable trigger description.
	Reason string `json:"reason"`
	// Confidence is the learned signal strength that raised the warning.
	Confidence float64 `json:"confidence"`
}

// Patch is the adjudicator's proposed correction for one flag path. Evidence
// spans are located in the original note by the client, never trusted from
// the model: a quote that is not a verbatim substring discards the patch.
type Patch struct {
	FieldPath  string                  `json:"field_path"`
	NewValue   bool                    `json:"new_value"`
	Evidence   []clinical.EvidenceSpan `json:"evidence"`
	Confidence float64                 `json:"confidence"`
	Rationale  string                  `json:"rationale,omitempty"`
}

// Adjudicator reviews one field of one note. A (nil, nil) return means the
// reviewer abstained: it found no documentation supporting a change.
type Adjudicator interface {
	Review(ctx context.Context, note, fieldPath string, hint Hint) (*Patch, error)
}

// RetryConfig bounds the client's retry loop. Only transport errors and
// retryable HTTP statuses are retried; a well-formed refusal is final.
type RetryConfig struct {
	MaxRetries        int     `json:"max_retries" yaml:"max_retries"`
	InitialBackoffMs  int     `json:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	MaxBackoffMs      int     `json:"max_backoff_ms" yaml:"max_backoff_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// Config holds the reviewer's endpoint and sampling parameters. Per-call
// deadlines belong to the caller: the pipeline owns the corrective-pass
// timeout and passes it down through ctx.
type Config struct {
	Backend         Backend     `json:"backend" yaml:"backend"`
	Endpoint        string      `json:"endpoint" yaml:"endpoint"`
	APIKey          string      `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model           string      `json:"model" yaml:"model"`
	Temperature     float64     `json:"temperature" yaml:"temperature"`
	MaxOutputTokens int         `json:"max_output_tokens" yaml:"max_output_tokens"`
	MaxInputTokens  int         `json:"max_input_tokens" yaml:"max_input_tokens"`
	RAGTopK         int         `json:"rag_top_k" yaml:"rag_top_k"`
	Retry           RetryConfig `json:"retry" yaml:"retry"`
}

// NewConfig returns a Config with production defaults, overlaid with any
// non-zero fields from overrides.
func NewConfig(overrides *Config) *Config {
	cfg := &Config{
		Backend:         BackendHTTP,
		Model:           "coding-adjudicator",
		Temperature:     0.1,
		MaxOutputTokens: 1024,
		MaxInputTokens:  12000,
		RAGTopK:         3,
		Retry: RetryConfig{
			MaxRetries:        2,
			InitialBackoffMs:  500,
			MaxBackoffMs:      8000,
			BackoffMultiplier: 2.0,
		},
	}
	if overrides == nil {
		return cfg
	}
	if overrides.Backend != "" {
		cfg.Backend = overrides.Backend
	}
	if overrides.Endpoint != "" {
		cfg.Endpoint = overrides.Endpoint
	}
	if overrides.APIKey != "" {
		cfg.APIKey = overrides.APIKey
	}
	if overrides.Model != "" {
		cfg.Model = overrides.Model
	}
	if overrides.Temperature > 0 {
		cfg.Temperature = overrides.Temperature
	}
	if overrides.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = overrides.MaxOutputTokens
	}
	if overrides.MaxInputTokens > 0 {
		cfg.MaxInputTokens = overrides.MaxInputTokens
	}
	if overrides.RAGTopK > 0 {
		cfg.RAGTopK = overrides.RAGTopK
	}
	if overrides.Retry.MaxRetries > 0 {
		cfg.Retry.MaxRetries = overrides.Retry.MaxRetries
	}
	if overrides.Retry.InitialBackoffMs > 0 {
		cfg.Retry.InitialBackoffMs = overrides.Retry.InitialBackoffMs
	}
	if overrides.Retry.MaxBackoffMs > 0 {
		cfg.Retry.MaxBackoffMs = overrides.Retry.MaxBackoffMs
	}
	if overrides.Retry.BackoffMultiplier > 0 {
		cfg.Retry.BackoffMultiplier = overrides.Retry.BackoffMultiplier
	}
	return cfg
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if !c.Backend.Valid() {
		return errors.New(errors.ErrCodeValidation,
			fmt.Sprintf("adjudicator: backend %q is invalid; expected vllm|http|openai", c.Backend))
	}
	if c.Endpoint == "" {
		return errors.New(errors.ErrCodeValidation, "adjudicator: endpoint is required")
	}
	if c.Model == "" {
		return errors.New(errors.ErrCodeValidation, "adjudicator: model is required")
	}
	if c.Temperature < 0 || c.Temperature > 2.0 {
		return errors.New(errors.ErrCodeValidation,
			fmt.Sprintf("adjudicator: temperature %.2f is out of range [0, 2]", c.Temperature))
	}
	if c.MaxOutputTokens <= 0 {
		return errors.New(errors.ErrCodeValidation, "adjudicator: max_output_tokens must be positive")
	}
	if c.MaxInputTokens <= 0 {
		return errors.New(errors.ErrCodeValidation, "adjudicator: max_input_tokens must be positive")
	}
	return nil
}
