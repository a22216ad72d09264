package note_bert

import (
	"context"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/common"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

// Embedder serves passage embeddings from the note encoder's embedding
// head. The vector store uses it to index evidence passages and to build
// query vectors for similar-case retrieval.
type Embedder struct {
	cfg    *Config
	client common.ServingClient
	logger logging.Logger
}

// NewEmbedder validates cfg and wires the serving client.
func NewEmbedder(cfg *Config, client common.ServingClient, logger logging.Logger) (*Embedder, error) {
	if cfg == nil {
		cfg = NewConfig(nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New(errors.ErrCodeValidation, "serving client is required")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Embedder{
		cfg:    cfg,
		client: client,
		logger: logger.Named("note_bert_embedder"),
	}, nil
}

// Embed returns the pooled embedding vector for one passage of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, errors.New(errors.ErrCodeValidation, "text is empty")
	}

	req := &common.PredictRequest{
		ModelName:    e.cfg.ModelName,
		ModelVersion: e.cfg.ModelVersion,
		InputData:    []byte(text),
		InputFormat:  common.FormatText,
		Metadata:     map[string]string{"task": "embed"},
	}
	resp, err := e.client.Predict(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeExtractorUnavailable, "note_bert embedding failed")
	}

	raw, err := resp.Output("embedding")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeExtractorMalformed, "note_bert response has no embedding output")
	}
	vec, err := common.DecodeFloat32Vector(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeExtractorMalformed, "note_bert embedding does not parse")
	}
	if len(vec) == 0 {
		return nil, errors.New(errors.ErrCodeExtractorMalformed, "note_bert embedding is empty")
	}
	return vec, nil
}
