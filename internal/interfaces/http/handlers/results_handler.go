package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/turtacn/MedCode-Intelligence/internal/domain/registry"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/storage/minio"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/postgres/repositories"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

// ResultFinder loads persisted coded results.
type ResultFinder interface {
	FindByID(ctx context.Context, id uuid.UUID) (*repositories.CodedResult, error)
	List(ctx context.Context, filter repositories.ListFilter) ([]*repositories.CodedResult, error)
}

// AuditTrail lists the audit events recorded for a result.
type AuditTrail interface {
	ListByResult(ctx context.Context, resultID uuid.UUID) ([]*repositories.AuditEvent, error)
}

// BundleExporter writes an audit bundle to object storage and returns a
// presigned download URL.
type BundleExporter interface {
	ExportBundle(ctx context.Context, resultID string, bundle []byte) (*minio.ExportResult, error)
}

// ResultsHandler serves stored coding results. audits and exporter back the
// audit-bundle export endpoint; either being nil disables it.
type ResultsHandler struct {
	results  ResultFinder
	audits   AuditTrail
	exporter BundleExporter
	logger   logging.Logger
}

// NewResultsHandler creates a ResultsHandler. audits and exporter may be nil.
func NewResultsHandler(results ResultFinder, audits AuditTrail, exporter BundleExporter, logger logging.Logger) *ResultsHandler {
	return &ResultsHandler{
		results:  results,
		audits:   audits,
		exporter: exporter,
		logger:   logger.Named("results_handler"),
	}
}

// ResultSummary is the list-view projection of a coded result: codes and
// dispositions without the full findings record.
type ResultSummary struct {
	ID             string    `json:"id"`
	NoteHash       string    `json:"note_hash"`
	Codes          []string  `json:"codes"`
	Recommendation string    `json:"recommendation"`
	Corrected      bool      `json:"corrected"`
	OmissionCount  int       `json:"omission_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// ResultDetail is the full stored result.
type ResultDetail struct {
	ID               string                        `json:"id"`
	NoteHash         string                        `json:"note_hash"`
	Registry         *registry.RegistryRecord      `json:"registry"`
	Codes            []clinical.CodeEntry          `json:"codes"`
	Reconciliation   clinical.ReconciliationResult `json:"reconciliation"`
	OmissionWarnings []clinical.OmissionWarning    `json:"omission_warnings"`
	Corrected        bool                          `json:"corrected"`
	Warnings         []string                      `json:"warnings,omitempty"`
	CreatedAt        time.Time                     `json:"created_at"`
}

// ListResponse pages result summaries.
type ListResponse struct {
	Results []ResultSummary `json:"results"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// Get handles GET /api/v1/results/{resultID}.
func (h *ResultsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "resultID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeValidation, "result id must be a UUID"))
		return
	}

	res, err := h.results.FindByID(r.Context(), id)
	if err != nil {
		if !errors.IsNotFound(err) {
			h.logger.Error("failed to load result", logging.Err(err), logging.String("result_id", id.String()))
		}
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ResultDetail{
		ID:               res.ID.String(),
		NoteHash:         res.NoteHash,
		Registry:         res.Registry,
		Codes:            res.Codes,
		Reconciliation:   res.Reconciliation,
		OmissionWarnings: res.OmissionWarnings,
		Corrected:        res.Corrected,
		Warnings:         res.Warnings,
		CreatedAt:        res.CreatedAt,
	})
}

// List handles GET /api/v1/results. Supported query parameters:
// recommendation, limit, offset.
func (h *ResultsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r)
	filter := repositories.ListFilter{
		Recommendation: r.URL.Query().Get("recommendation"),
		Limit:          limit,
		Offset:         offset,
	}

	rows, err := h.results.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list results", logging.Err(err))
		writeAppError(w, err)
		return
	}

	summaries := make([]ResultSummary, 0, len(rows))
	for _, res := range rows {
		summaries = append(summaries, summarize(res))
	}
	writeJSON(w, http.StatusOK, ListResponse{
		Results: summaries,
		Limit:   limit,
		Offset:  offset,
	})
}

// auditEntry is the trail projection embedded in an export bundle.
type auditEntry struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// auditBundle is the serialized export: the full result plus its trail.
type auditBundle struct {
	Result ResultDetail `json:"result"`
	Trail  []auditEntry `json:"trail"`
}

// ExportResponse describes a written audit bundle.
type ExportResponse struct {
	ResultID    string    `json:"result_id"`
	ObjectKey   string    `json:"object_key"`
	DownloadURL string    `json:"download_url"`
	Size        int64     `json:"size"`
	ExportedAt  time.Time `json:"exported_at"`
}

// Export handles POST /api/v1/results/{resultID}/export: it bundles the
// stored result with its audit trail, writes the bundle to the exports
// bucket, and returns a presigned download URL.
func (h *ResultsHandler) Export(w http.ResponseWriter, r *http.Request) {
	if h.audits == nil || h.exporter == nil {
		writeError(w, http.StatusServiceUnavailable,
			errors.New(errors.ErrCodeServiceUnavailable, "audit export is not configured"))
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "resultID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeValidation, "result id must be a UUID"))
		return
	}

	res, err := h.results.FindByID(r.Context(), id)
	if err != nil {
		if !errors.IsNotFound(err) {
			h.logger.Error("failed to load result for export", logging.Err(err), logging.String("result_id", id.String()))
		}
		writeAppError(w, err)
		return
	}
	events, err := h.audits.ListByResult(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load audit trail", logging.Err(err), logging.String("result_id", id.String()))
		writeAppError(w, err)
		return
	}

	trail := make([]auditEntry, 0, len(events))
	for _, ev := range events {
		trail = append(trail, auditEntry{EventType: ev.EventType, Payload: ev.Payload, CreatedAt: ev.CreatedAt})
	}
	bundle, err := json.Marshal(auditBundle{
		Result: ResultDetail{
			ID:               res.ID.String(),
			NoteHash:         res.NoteHash,
			Registry:         res.Registry,
			Codes:            res.Codes,
			Reconciliation:   res.Reconciliation,
			OmissionWarnings: res.OmissionWarnings,
			Corrected:        res.Corrected,
			Warnings:         res.Warnings,
			CreatedAt:        res.CreatedAt,
		},
		Trail: trail,
	})
	if err != nil {
		writeAppError(w, errors.Wrap(err, errors.ErrCodeSerialization, "failed to serialize audit bundle"))
		return
	}

	exported, err := h.exporter.ExportBundle(r.Context(), id.String(), bundle)
	if err != nil {
		h.logger.Error("audit bundle export failed", logging.Err(err), logging.String("result_id", id.String()))
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ExportResponse{
		ResultID:    id.String(),
		ObjectKey:   exported.ObjectKey,
		DownloadURL: exported.DownloadURL,
		Size:        exported.Size,
		ExportedAt:  exported.ExportedAt,
	})
}

func summarize(res *repositories.CodedResult) ResultSummary {
	codes := make([]string, 0, len(res.Codes))
	for _, entry := range res.Codes {
		codes = append(codes, entry.Code)
	}
	return ResultSummary{
		ID:             res.ID.String(),
		NoteHash:       res.NoteHash,
		Codes:          codes,
		Recommendation: res.Reconciliation.Recommendation.String(),
		Corrected:      res.Corrected,
		OmissionCount:  len(res.OmissionWarnings),
		CreatedAt:      res.CreatedAt,
	}
}
