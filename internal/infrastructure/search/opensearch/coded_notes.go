package opensearch

import (
	"context"
	"time"

	"github.com/turtacn/MedCode-Intelligence/internal/config"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// CodedNoteIndexName is the reviewer-facing index of completed coding runs.
const CodedNoteIndexName = "coded_notes"

// NewClientConfig maps the application OpenSearch settings onto a
// ClientConfig.
func NewClientConfig(cfg config.OpenSearchConfig) ClientConfig {
	cc := ClientConfig{
		Addresses:      cfg.Addresses,
		Username:       cfg.User,
		Password:       cfg.Password,
		RequestTimeout: 30 * time.Second,
	}
	cc.InsecureSkipVerify = cfg.InsecureSkipVerify
	return cc
}

// CodedNoteDocument is the searchable projection of one coded result. The
// note text itself never reaches the index; only derived codes, dispositions
// and warning text are searchable.
type CodedNoteDocument struct {
	ResultID       string    `json:"result_id"`
	NoteHash       string    `json:"note_hash"`
	Codes          []string  `json:"codes"`
	Modifiers      []string  `json:"modifiers,omitempty"`
	Recommendation string    `json:"recommendation"`
	Matched        []string  `json:"matched,omitempty"`
	PredictorOnly  []string  `json:"predictor_only,omitempty"`
	OmissionHints  []string  `json:"omission_hints,omitempty"`
	OmissionCount  int       `json:"omission_count"`
	Corrected      bool      `json:"corrected"`
	Warnings       []string  `json:"warnings,omitempty"`
	CodedAt        time.Time `json:"coded_at"`
}

// NewCodedNoteDocument flattens a pipeline outcome into its index shape.
func NewCodedNoteDocument(resultID, noteHash string, codes []clinical.CodeEntry,
	recon clinical.ReconciliationResult, omissions []clinical.OmissionWarning,
	corrected bool, warnings []string, codedAt time.Time) CodedNoteDocument {

	doc := CodedNoteDocument{
		ResultID:       resultID,
		NoteHash:       noteHash,
		Recommendation: recon.Recommendation.String(),
		Matched:        recon.Matched,
		PredictorOnly:  recon.PredictorOnly,
		OmissionCount:  len(omissions),
		Corrected:      corrected,
		Warnings:       warnings,
		CodedAt:        codedAt.UTC(),
	}
	for _, entry := range codes {
		doc.Codes = append(doc.Codes, entry.Code)
		doc.Modifiers = append(doc.Modifiers, entry.Modifiers...)
	}
	for _, om := range omissions {
		doc.OmissionHints = append(doc.OmissionHints, om.CodeHint)
	}
	return doc
}

// CodedNoteIndexMapping returns settings and mappings for the coded-note
// index. Codes and dispositions are keywords for exact filtering; warning
// text stays analysed for reviewer free-text search.
func CodedNoteIndexMapping() IndexMapping {
	return IndexMapping{
		Settings: map[string]interface{}{
			"number_of_shards":   3,
			"number_of_replicas": 1,
		},
		Mappings: map[string]interface{}{
			"properties": map[string]interface{}{
				"result_id":      map[string]interface{}{"type": "keyword"},
				"note_hash":      map[string]interface{}{"type": "keyword"},
				"codes":          map[string]interface{}{"type": "keyword"},
				"modifiers":      map[string]interface{}{"type": "keyword"},
				"recommendation": map[string]interface{}{"type": "keyword"},
				"matched":        map[string]interface{}{"type": "keyword"},
				"predictor_only": map[string]interface{}{"type": "keyword"},
				"omission_hints": map[string]interface{}{"type": "keyword"},
				"omission_count": map[string]interface{}{"type": "integer"},
				"corrected":      map[string]interface{}{"type": "boolean"},
				"warnings":       map[string]interface{}{"type": "text"},
				"coded_at":       map[string]interface{}{"type": "date"},
			},
		},
	}
}

// CodedNoteIndex wraps the generic indexer and searcher with the coded-note
// schema.
type CodedNoteIndex struct {
	indexer  *Indexer
	searcher *Searcher
	name     string
	logger   logging.Logger
}

// NewCodedNoteIndex builds the domain index facade. An IndexPrefix from
// configuration namespaces the physical index.
func NewCodedNoteIndex(client *Client, cfg config.OpenSearchConfig, logger logging.Logger) *CodedNoteIndex {
	name := CodedNoteIndexName
	if cfg.IndexPrefix != "" {
		name = cfg.IndexPrefix + "-" + name
	}
	return &CodedNoteIndex{
		indexer:  NewIndexer(client, IndexerConfig{BulkBatchSize: cfg.BulkBatchSize}, logger),
		searcher: NewSearcher(client, SearcherConfig{}, logger),
		name:     name,
		logger:   logger.Named("coded_note_index"),
	}
}

// EnsureIndex creates the index if it does not exist yet.
func (x *CodedNoteIndex) EnsureIndex(ctx context.Context) error {
	err := x.indexer.CreateIndex(ctx, x.name, CodedNoteIndexMapping())
	if err == ErrIndexAlreadyExists {
		return nil
	}
	return err
}

// Index writes or overwrites one coded-note document keyed by result id.
func (x *CodedNoteIndex) Index(ctx context.Context, doc CodedNoteDocument) error {
	return x.indexer.IndexDocument(ctx, x.name, doc.ResultID, doc)
}

// BulkIndexDocuments writes a batch of documents keyed by result id.
func (x *CodedNoteIndex) BulkIndexDocuments(ctx context.Context, docs []CodedNoteDocument) (*BulkResult, error) {
	byID := make(map[string]interface{}, len(docs))
	for _, doc := range docs {
		byID[doc.ResultID] = doc
	}
	return x.indexer.BulkIndex(ctx, x.name, byID)
}

// Delete removes one coded-note document.
func (x *CodedNoteIndex) Delete(ctx context.Context, resultID string) error {
	return x.indexer.DeleteDocument(ctx, x.name, resultID)
}

// ReviewQuery narrows a reviewer search over coded notes.
type ReviewQuery struct {
	Text           string   // free text over warnings
	Codes          []string // exact code filter, OR within the list
	Recommendation string
	Corrected      *bool
	OmissionsOnly  bool
	From           int
	Size           int
}

// Search runs a reviewer query and returns matching documents newest-first.
func (x *CodedNoteIndex) Search(ctx context.Context, q ReviewQuery) (*SearchResult, error) {
	req := SearchRequest{
		IndexName: x.name,
		Sort:      []SortField{{Field: "coded_at", Order: "desc"}},
		Pagination: &Pagination{
			Offset: q.From,
			Limit:  q.Size,
		},
	}
	if req.Pagination.Limit <= 0 {
		req.Pagination.Limit = 20
	}
	if q.Text != "" {
		req.Query = &Query{
			QueryType: "match",
			Field:     "warnings",
			Value:     q.Text,
			Boost:     1,
		}
	}
	if len(q.Codes) > 0 {
		req.Filters = append(req.Filters, Filter{FilterType: "terms", Field: "codes", Value: q.Codes})
	}
	if q.Recommendation != "" {
		req.Filters = append(req.Filters, Filter{FilterType: "term", Field: "recommendation", Value: q.Recommendation})
	}
	if q.Corrected != nil {
		req.Filters = append(req.Filters, Filter{FilterType: "term", Field: "corrected", Value: *q.Corrected})
	}
	if q.OmissionsOnly {
		req.Filters = append(req.Filters, Filter{FilterType: "range", Field: "omission_count", RangeFrom: 1})
	}
	return x.searcher.Search(ctx, req)
}
