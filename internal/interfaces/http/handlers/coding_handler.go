package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/MedCode-Intelligence/internal/application/coding"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/postgres/repositories"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/search/opensearch"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

// NoteCoder runs the coding pipeline on one note.
type NoteCoder interface {
	Process(ctx context.Context, rawNote string, opts coding.Options) (*coding.Result, error)
}

// ResultSaver persists coded results.
type ResultSaver interface {
	Save(ctx context.Context, res *repositories.CodedResult) error
}

// ResultIndexer mirrors coded results into the reviewer search index.
type ResultIndexer interface {
	Index(ctx context.Context, doc opensearch.CodedNoteDocument) error
}

// CodingHandler handles synchronous coding requests. Each request runs the
// full pipeline, persists the result, and best-effort mirrors it into the
// search index.
type CodingHandler struct {
	coder       NoteCoder
	results     ResultSaver
	indexer     ResultIndexer // optional
	defaultOpts coding.Options
	logger      logging.Logger
}

// NewCodingHandler creates a CodingHandler. indexer may be nil; indexing
// failures never fail the request either way.
func NewCodingHandler(coder NoteCoder, results ResultSaver, indexer ResultIndexer, defaultOpts coding.Options, logger logging.Logger) *CodingHandler {
	return &CodingHandler{
		coder:       coder,
		results:     results,
		indexer:     indexer,
		defaultOpts: defaultOpts,
		logger:      logger.Named("coding_handler"),
	}
}

// CodingRequest is the request body for POST /api/v1/coding.
type CodingRequest struct {
	Note    string          `json:"note"`
	Options *coding.Options `json:"options,omitempty"`
}

// CodingResponse is the response envelope: the pipeline result plus the id
// under which it was persisted.
type CodingResponse struct {
	ResultID string `json:"result_id"`
	NoteHash string `json:"note_hash"`
	*coding.Result
}

// Code handles POST /api/v1/coding.
func (h *CodingHandler) Code(w http.ResponseWriter, r *http.Request) {
	var req CodingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeValidation, "invalid request body"))
		return
	}
	if req.Note == "" {
		writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeValidation, "note is required"))
		return
	}

	opts := h.defaultOpts
	if req.Options != nil {
		opts = *req.Options
	}

	result, err := h.coder.Process(r.Context(), req.Note, opts)
	if err != nil {
		h.logger.Error("coding failed", logging.Err(err))
		writeAppError(w, err)
		return
	}

	stored := &repositories.CodedResult{
		ID:               uuid.New(),
		NoteHash:         result.Registry.NoteHash,
		Registry:         result.Registry,
		Codes:            result.Codes,
		Reconciliation:   result.Reconciliation,
		OmissionWarnings: result.OmissionWarnings,
		Corrected:        result.Corrected,
		Warnings:         result.Warnings,
	}
	if err := h.results.Save(r.Context(), stored); err != nil {
		h.logger.Error("failed to persist coded result",
			logging.Err(err),
			logging.String("note_hash", stored.NoteHash))
		writeAppError(w, err)
		return
	}

	if h.indexer != nil {
		doc := opensearch.NewCodedNoteDocument(stored.ID.String(), stored.NoteHash,
			result.Codes, result.Reconciliation, result.OmissionWarnings,
			result.Corrected, result.Warnings, time.Now())
		if err := h.indexer.Index(r.Context(), doc); err != nil {
			// The postgres row is the source of truth; a stale search
			// index self-heals on the next write for this note.
			h.logger.Warn("failed to index coded result",
				logging.Err(err),
				logging.String("result_id", stored.ID.String()))
		}
	}

	writeJSON(w, http.StatusOK, CodingResponse{
		ResultID: stored.ID.String(),
		NoteHash: stored.NoteHash,
		Result:   result,
	})
}
