package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/turtacn/MedCode-Intelligence/internal/domain/billing"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/neo4j"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

// CodeRelater resolves graph relationships for a billing code.
type CodeRelater interface {
	RelatedCodes(ctx context.Context, code string) (*neo4j.CodeRelations, error)
}

// CodesHandler serves the billing code catalog and its relationship graph.
type CodesHandler struct {
	catalog []billing.Descriptor
	graph   CodeRelater
	logger  logging.Logger
}

// NewCodesHandler creates a CodesHandler. graph may be nil when the
// relationship store is not configured; the related-codes endpoint then
// reports unavailable.
func NewCodesHandler(catalog []billing.Descriptor, graph CodeRelater, logger logging.Logger) *CodesHandler {
	return &CodesHandler{
		catalog: catalog,
		graph:   graph,
		logger:  logger.Named("codes_handler"),
	}
}

// CodeDescriptor is the wire form of a catalog entry. Emission predicates are
// evaluation logic and never serialize.
type CodeDescriptor struct {
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Requires    []string `json:"requires,omitempty"`
	Family      string   `json:"family"`
	Diagnostic  bool     `json:"diagnostic"`
}

// CatalogResponse lists the catalog.
type CatalogResponse struct {
	Codes []CodeDescriptor `json:"codes"`
	Total int              `json:"total"`
}

// List handles GET /api/v1/codes. An optional family query parameter narrows
// the catalog to one bundling family.
func (h *CodesHandler) List(w http.ResponseWriter, r *http.Request) {
	family := r.URL.Query().Get("family")

	out := make([]CodeDescriptor, 0, len(h.catalog))
	for _, d := range h.catalog {
		if family != "" && d.Family != family {
			continue
		}
		out = append(out, CodeDescriptor{
			Code:        d.Code,
			Description: d.Description,
			Requires:    d.Requires,
			Family:      d.Family,
			Diagnostic:  d.Diagnostic,
		})
	}
	writeJSON(w, http.StatusOK, CatalogResponse{Codes: out, Total: len(out)})
}

// Related handles GET /api/v1/codes/{code}/related.
func (h *CodesHandler) Related(w http.ResponseWriter, r *http.Request) {
	if h.graph == nil {
		writeAppError(w, errors.New(errors.ErrCodeServiceUnavailable, "code relationship store is not configured"))
		return
	}

	code := chi.URLParam(r, "code")
	relations, err := h.graph.RelatedCodes(r.Context(), code)
	if err != nil {
		if !errors.IsNotFound(err) && !errors.IsValidation(err) {
			h.logger.Error("failed to resolve code relations", logging.Err(err), logging.String("code", code))
		}
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, relations)
}
