package milvus

import (
	"context"
	"fmt"

	"github.com/turtacn/MedCode-Intelligence/internal/config"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/adjudicator"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

// Embedder turns passage text into a query vector. The learned extractor
// service exposes the embedding endpoint; tests supply a fake.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NotePassage is one evidence snippet from a confirmed coded note.
type NotePassage struct {
	NoteHash  string
	FieldPath string
	Text      string
	Embedding []float32
}

// PassageStore indexes evidence passages and serves similar-case retrieval
// for the corrective pass.
type PassageStore struct {
	searcher   *Searcher
	manager    *CollectionManager
	embedder   Embedder
	collection string
	dim        int
	topK       int
	logger     logging.Logger
}

var _ adjudicator.ContextRetriever = (*PassageStore)(nil)

// NewPassageStore builds the passage retrieval facade on an established
// client.
func NewPassageStore(client *Client, cfg config.MilvusConfig, embedder Embedder, logger logging.Logger) *PassageStore {
	schema := NotePassageSchema(cfg)
	dim := cfg.EmbeddingDim
	if dim <= 0 {
		dim = 768
	}
	topK := cfg.DefaultTopK
	if topK <= 0 {
		topK = 5
	}

	manager := NewCollectionManager(client, CollectionConfig{}, logger)
	searcher := NewSearcher(client, manager, SearcherConfig{
		DefaultTopK: topK,
	}, logger)

	return &PassageStore{
		searcher:   searcher,
		manager:    manager,
		embedder:   embedder,
		collection: schema.Name,
		dim:        dim,
		topK:       topK,
		logger:     logger.Named("passage_store"),
	}
}

// EnsureCollection provisions and loads the passage collection.
func (p *PassageStore) EnsureCollection(ctx context.Context, cfg config.MilvusConfig) error {
	return p.manager.EnsureCollection(ctx, NotePassageSchema(cfg), NotePassageIndexes(cfg))
}

// IndexPassages stores confirmed evidence passages. Passages without a
// precomputed embedding are embedded one by one.
func (p *PassageStore) IndexPassages(ctx context.Context, passages []NotePassage) error {
	if len(passages) == 0 {
		return nil
	}

	rows := make([]map[string]interface{}, 0, len(passages))
	for _, passage := range passages {
		if passage.NoteHash == "" || passage.FieldPath == "" || passage.Text == "" {
			return errors.New(errors.ErrCodeValidation, "passage requires note hash, field path and text")
		}
		vec := passage.Embedding
		if len(vec) == 0 {
			var err error
			vec, err = p.embedder.Embed(ctx, passage.Text)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeSearchIndex, "failed to embed passage")
			}
		}
		if len(vec) != p.dim {
			return errors.Newf(errors.ErrCodeValidation, "embedding dimension %d, want %d", len(vec), p.dim)
		}
		rows = append(rows, map[string]interface{}{
			"note_hash":  passage.NoteHash,
			"field_path": passage.FieldPath,
			"text":       passage.Text,
			"embedding":  vec,
		})
	}

	_, err := p.searcher.Insert(ctx, InsertRequest{
		CollectionName: p.collection,
		Data:           rows,
	})
	return err
}

// RemoveNote drops all passages indexed for one note.
func (p *PassageStore) RemoveNote(ctx context.Context, noteHash string) error {
	if noteHash == "" {
		return errors.New(errors.ErrCodeValidation, "note hash is required")
	}
	return p.searcher.DeleteByExpr(ctx, p.collection, fmt.Sprintf("note_hash == %q", noteHash))
}

// SimilarPassages embeds the note and returns the closest confirmed
// passages for the field under review.
func (p *PassageStore) SimilarPassages(ctx context.Context, note, fieldPath string, topK int) ([]adjudicator.Passage, error) {
	if note == "" {
		return nil, errors.New(errors.ErrCodeValidation, "note text is required")
	}
	if topK <= 0 {
		topK = p.topK
	}

	vec, err := p.embedder.Embed(ctx, note)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSearchQuery, "failed to embed note")
	}

	req := VectorSearchRequest{
		CollectionName:  p.collection,
		VectorFieldName: "embedding",
		Vectors:         [][]float32{vec},
		TopK:            topK,
		OutputFields:    []string{"note_hash", "text"},
	}
	if fieldPath != "" {
		req.Filters = fmt.Sprintf("field_path == %q", fieldPath)
	}

	res, err := p.searcher.Search(ctx, req)
	if err != nil {
		return nil, err
	}

	hits := res.Results[0]
	passages := make([]adjudicator.Passage, 0, len(hits))
	for _, hit := range hits {
		passage := adjudicator.Passage{Score: float64(hit.Score)}
		if v, ok := hit.Fields["note_hash"].(string); ok {
			passage.NoteID = v
		}
		if v, ok := hit.Fields["text"].(string); ok {
			passage.Text = v
		}
		passages = append(passages, passage)
	}

	p.logger.Debug("Similar passages retrieved",
		logging.String("field_path", fieldPath),
		logging.Int("hits", len(passages)))
	return passages, nil
}
