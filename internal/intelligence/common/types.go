// Package common provides the shared plumbing for the intelligence layer:
// the Detector abstraction implemented by every candidate extractor, the
// ServingClient used to reach model-serving backends, generic batch
// processing with retry and circuit breaking, model registry and routing,
// and the metrics surface the intelligence packages report through.
package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// ErrInvalidInput marks requests that fail structural validation before
// they ever reach a backend.
var ErrInvalidInput = errors.New("invalid input")

// ─────────────────────────────────────────────────────────────────────────────
// Detector
// ─────────────────────────────────────────────────────────────────────────────

// Detector is implemented by every candidate extractor in the coding
// pipeline: the rule-based pattern extractors, the learned span tagger,
// and the uplift backstops. Implementations must be safe for concurrent
// use, and every candidate they emit must carry evidence whose text is a
// verbatim substring of the note that was scanned.
type Detector interface {
	// ID returns the stable extractor identifier stamped on every
	// candidate this detector emits.
	ID() string

	// Detect scans a clinical note and returns zero or more candidate
	// field detections. A detector that cannot run at all (backend down,
	// unparseable model output) returns an error and no candidates; it
	// never returns partial results alongside an error.
	Detect(ctx context.Context, note string) ([]clinical.CandidateDetection, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Inference payloads
// ─────────────────────────────────────────────────────────────────────────────

// InputFormat identifies the encoding of an inference payload.
type InputFormat string

const (
	FormatJSON     InputFormat = "json"
	FormatProtobuf InputFormat = "protobuf"
	FormatText     InputFormat = "text"
)

// Valid reports whether f is a known payload format.
func (f InputFormat) Valid() bool {
	switch f {
	case FormatJSON, FormatProtobuf, FormatText:
		return true
	}
	return false
}

// PredictRequest is a single inference call against a served model.
type PredictRequest struct {
	ModelName    string            `json:"model_name"`
	ModelVersion string            `json:"model_version,omitempty"`
	InputData    []byte            `json:"input_data"`
	InputFormat  InputFormat       `json:"input_format"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Validate checks the request is structurally complete.
func (r *PredictRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidInput)
	}
	if r.ModelName == "" {
		return fmt.Errorf("%w: model_name is required", ErrInvalidInput)
	}
	if len(r.InputData) == 0 {
		return fmt.Errorf("%w: input_data is required", ErrInvalidInput)
	}
	if !r.InputFormat.Valid() {
		return fmt.Errorf("%w: unknown input_format %q", ErrInvalidInput, r.InputFormat)
	}
	return nil
}

// PredictResponse is the result of a single inference call. Outputs maps
// named output tensors or documents to their encoded bytes.
type PredictResponse struct {
	ModelName       string            `json:"model_name"`
	ModelVersion    string            `json:"model_version"`
	Outputs         map[string][]byte `json:"outputs"`
	OutputFormat    InputFormat       `json:"output_format"`
	InferenceTimeMs int64             `json:"inference_time_ms"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Output returns the named output, or an error naming what is missing.
func (r *PredictResponse) Output(name string) ([]byte, error) {
	out, ok := r.Outputs[name]
	if !ok {
		return nil, fmt.Errorf("response from %s has no output %q", r.ModelName, name)
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Payload helpers
// ─────────────────────────────────────────────────────────────────────────────

// EncodeTokenList encodes a token sequence as a JSON array payload.
func EncodeTokenList(tokens []string) []byte {
	b, _ := json.Marshal(tokens)
	return b
}

// EncodeFloat32Vector encodes an embedding vector as a JSON array payload.
func EncodeFloat32Vector(v []float32) []byte {
	b, _ := json.Marshal(v)
	return b
}

// DecodeFloat32Vector decodes a JSON array payload into an embedding vector.
func DecodeFloat32Vector(data []byte) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode float32 vector: %w", err)
	}
	return v, nil
}

// DecodeFloat64Matrix decodes a JSON matrix payload, accepting integer and
// floating point elements. Rows may differ in length only if the payload
// really is ragged; callers that need rectangular data must check.
func DecodeFloat64Matrix(data []byte) ([][]float64, error) {
	var raw [][]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode float64 matrix: %w", err)
	}
	out := make([][]float64, len(raw))
	for i, row := range raw {
		out[i] = make([]float64, len(row))
		for j, cell := range row {
			f, err := toFloat64(cell)
			if err != nil {
				return nil, fmt.Errorf("decode float64 matrix: row %d col %d: %w", i, j, err)
			}
			out[i][j] = f
		}
	}
	return out, nil
}

func toFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Model descriptors
// ─────────────────────────────────────────────────────────────────────────────

// BackendType identifies the serving backend a model artifact targets.
type BackendType string

const (
	BackendTriton     BackendType = "triton"
	BackendTorchServe BackendType = "torchserve"
	BackendONNX       BackendType = "onnx"
	BackendVLLM       BackendType = "vllm"
	BackendHTTP       BackendType = "http"
)

// ModelType identifies the role a model plays in the coding pipeline.
type ModelType string

const (
	// ModelTypeSpanTagger marks span-tagging extractors such as note_bert.
	ModelTypeSpanTagger ModelType = "span_tagger"
	// ModelTypeClassifier marks whole-note code predictors such as code_net.
	ModelTypeClassifier ModelType = "classifier"
	// ModelTypeLLM marks generative adjudication models.
	ModelTypeLLM ModelType = "llm"
)

// SchemaField describes one named input or output of a served model.
type SchemaField struct {
	Name     string  `json:"name"`
	DType    string  `json:"dtype"`
	Shape    []int64 `json:"shape,omitempty"`
	Required bool    `json:"required"`
}

// IOSchema describes the full input or output surface of a served model.
type IOSchema struct {
	Fields []SchemaField `json:"fields"`
}

// ModelDescriptor is the registry's record of one model version.
type ModelDescriptor struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Type         ModelType         `json:"type"`
	Backend      BackendType       `json:"backend"`
	ArtifactURI  string            `json:"artifact_uri,omitempty"`
	InputSchema  IOSchema          `json:"input_schema,omitempty"`
	OutputSchema IOSchema          `json:"output_schema,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	CreatedAt    time.Time         `json:"created_at,omitempty"`
}

// Validate checks the descriptor identifies a registrable model version.
func (d *ModelDescriptor) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil descriptor", ErrInvalidInput)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: model name is required", ErrInvalidInput)
	}
	if d.Version == "" {
		return fmt.Errorf("%w: model version is required", ErrInvalidInput)
	}
	if d.Type == "" {
		return fmt.Errorf("%w: model type is required", ErrInvalidInput)
	}
	return nil
}
