// Package note_bert maps the served span-labeler output onto registry field
// candidates. The model itself runs behind the shared serving layer; this
// package owns the label table, the output contract, and the degradation
// rules that keep a bad model response from failing the note.
package note_bert

import (
	"context"
	"fmt"
	"math/bits"
	"sort"

	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/common"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

// DefaultModelName is the serving name of the span labeler.
const DefaultModelName = "note-bert"

// ─────────────────────────────────────────────────────────────────────────────
// Label table
// ─────────────────────────────────────────────────────────────────────────────

// labelTable is the fixed mapping from model output labels to registry flag
// paths. The label set is part of the model's output contract; a response
// using any label outside this table is malformed, not a new feature.
var labelTable = map[string]string{
	"DIAG_BRONCH":     "bronch.diagnostic",
	"BAL":             "bronch.lavage",
	"EBBX":            "bronch.endobronchial_biopsy",
	"TBBX":            "bronch.transbronchial_biopsy",
	"EBUS":            "bronch.ebus",
	"RADIAL_EBUS":     "bronch.radial_ebus",
	"NAV_BRONCH":      "bronch.navigation",
	"CRYO":            "bronch.cryotherapy",
	"DILATION":        "bronch.dilation",
	"STENT_PLACED":    "bronch.stent.placed",
	"STENT_REMOVED":   "bronch.stent.removed",
	"FOREIGN_BODY":    "bronch.foreign_body",
	"THER_ASPIRATION": "bronch.therapeutic_aspiration",
	"CHEST_TUBE_IN":   "pleural.chest_tube.inserted",
	"CHEST_TUBE_OUT":  "pleural.chest_tube.removed",
	"THORACENTESIS":   "pleural.thoracentesis",
	"CHEST_US":        "imaging.chest_ultrasound",
	"SEDATION":        "sedation.moderate",
}

// FieldPathForLabel resolves a model label to its registry flag path.
func FieldPathForLabel(label string) (string, bool) {
	path, ok := labelTable[label]
	return path, ok
}

// KnownLabels returns the full label set, sorted.
func KnownLabels() []string {
	out := make([]string, 0, len(labelTable))
	for l := range labelTable {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Config
// ─────────────────────────────────────────────────────────────────────────────

// Config holds the serving parameters of the note_bert span labeler.
type Config struct {
	// ModelName is the name the serving backend knows the model by.
	ModelName string `json:"model_name" yaml:"model_name"`

	// ModelVersion pins a served version; empty routes to the active one.
	ModelVersion string `json:"model_version,omitempty" yaml:"model_version,omitempty"`

	// Backend selects the serving infrastructure.
	Backend common.BackendType `json:"backend" yaml:"backend"`

	// MaxSequenceLength is the longest token sequence the encoder accepts.
	// Must be a power of two and at most 8192.
	MaxSequenceLength int `json:"max_sequence_length" yaml:"max_sequence_length"`

	// MinSpanConfidence is the floor below which a span still feeds the
	// omission signal but produces no candidate.
	MinSpanConfidence float64 `json:"min_span_confidence" yaml:"min_span_confidence"`

	// TimeoutMs bounds one inference call.
	TimeoutMs int `json:"timeout_ms" yaml:"timeout_ms"`

	// MaxBatchSize caps notes per batch call.
	MaxBatchSize int `json:"max_batch_size" yaml:"max_batch_size"`

	// Labels are free-form metadata attached to the registry descriptor.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// NewConfig returns a Config with production defaults, overlaid with any
// non-zero fields from overrides.
func NewConfig(overrides *Config) *Config {
	cfg := &Config{
		ModelName:         DefaultModelName,
		ModelVersion:      "1.2.0",
		Backend:           common.BackendTriton,
		MaxSequenceLength: 4096,
		MinSpanConfidence: 0.35,
		TimeoutMs:         3000,
		MaxBatchSize:      16,
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
	if overrides.MaxSequenceLength > 0 {
		cfg.MaxSequenceLength = overrides.MaxSequenceLength
	}
	if overrides.MinSpanConfidence > 0 {
		cfg.MinSpanConfidence = overrides.MinSpanConfidence
	}
	if overrides.TimeoutMs > 0 {
		cfg.TimeoutMs = overrides.TimeoutMs
	}
	if overrides.MaxBatchSize > 0 {
		cfg.MaxBatchSize = overrides.MaxBatchSize
	}
	if len(overrides.Labels) > 0 {
		cfg.Labels = overrides.Labels
	}
	return cfg
}

// Validate checks the config and returns the first problem found.
func (c *Config) Validate() error {
	if c.ModelName == "" {
		return errors.New(errors.ErrCodeValidation, "model_name is required")
	}
	if c.Backend == "" {
		return errors.New(errors.ErrCodeValidation, "backend is required")
	}
	if c.MaxSequenceLength <= 0 {
		return errors.New(errors.ErrCodeValidation, "max_sequence_length must be positive")
	}
	if !isPowerOfTwo(c.MaxSequenceLength) {
		return errors.Newf(errors.ErrCodeValidation,
			"max_sequence_length must be a power of 2, got %d", c.MaxSequenceLength)
	}
	if c.MaxSequenceLength > 8192 {
		return errors.Newf(errors.ErrCodeValidation,
			"max_sequence_length must be <= 8192, got %d", c.MaxSequenceLength)
	}
	if c.MinSpanConfidence < 0 || c.MinSpanConfidence >= 1 {
		return errors.Newf(errors.ErrCodeValidation,
			"min_span_confidence must be in [0, 1), got %g", c.MinSpanConfidence)
	}
	if c.TimeoutMs <= 0 {
		return errors.New(errors.ErrCodeValidation, "timeout_ms must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return errors.New(errors.ErrCodeValidation, "max_batch_size must be positive")
	}
	return nil
}

// Descriptor builds the registry record for this model version.
func (c *Config) Descriptor() common.ModelDescriptor {
	return common.ModelDescriptor{
		Name:    c.ModelName,
		Version: c.ModelVersion,
		Type:    common.ModelTypeSpanTagger,
		Backend: c.Backend,
		InputSchema: common.IOSchema{
			Fields: []common.SchemaField{
				{Name: "note", DType: "string", Required: true},
			},
		},
		OutputSchema: common.IOSchema{
			Fields: []common.SchemaField{
				{Name: "spans", DType: "json", Required: true},
			},
		},
		Labels: c.Labels,
	}
}

// RegisterToRegistry validates the config and registers the descriptor.
func (c *Config) RegisterToRegistry(ctx context.Context, registry common.ModelRegistry) error {
	if registry == nil {
		return errors.New(errors.ErrCodeValidation, "model registry is required")
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if err := registry.Register(ctx, c.Descriptor()); err != nil {
		return fmt.Errorf("register %s@%s: %w", c.ModelName, c.ModelVersion, err)
	}
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && bits.OnesCount(uint(n)) == 1
}
