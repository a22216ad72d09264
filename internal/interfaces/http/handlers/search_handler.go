package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/search/opensearch"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

// ReviewSearcher queries the coded-note review index.
type ReviewSearcher interface {
	Search(ctx context.Context, query opensearch.ReviewQuery) (*opensearch.SearchResult, error)
}

// SearchHandler exposes full-text search over indexed coding results for
// review workflows.
type SearchHandler struct {
	searcher ReviewSearcher
	logger   logging.Logger
}

// NewSearchHandler creates a SearchHandler.
func NewSearchHandler(searcher ReviewSearcher, logger logging.Logger) *SearchHandler {
	return &SearchHandler{
		searcher: searcher,
		logger:   logger.Named("search_handler"),
	}
}

// Search handles GET /api/v1/search. Supported query parameters:
// q, codes (comma-separated), recommendation, corrected, omissions_only,
// from, size.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	if h.searcher == nil {
		writeAppError(w, errors.New(errors.ErrCodeServiceUnavailable, "search index is not configured"))
		return
	}

	params := r.URL.Query()
	query := opensearch.ReviewQuery{
		Text:           params.Get("q"),
		Recommendation: params.Get("recommendation"),
	}
	if raw := params.Get("codes"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				query.Codes = append(query.Codes, c)
			}
		}
	}
	if raw := params.Get("corrected"); raw != "" {
		corrected, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeValidation, "corrected must be a boolean"))
			return
		}
		query.Corrected = &corrected
	}
	if raw := params.Get("omissions_only"); raw != "" {
		omissionsOnly, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeValidation, "omissions_only must be a boolean"))
			return
		}
		query.OmissionsOnly = omissionsOnly
	}
	if raw := params.Get("from"); raw != "" {
		from, err := strconv.Atoi(raw)
		if err != nil || from < 0 {
			writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeValidation, "from must be a non-negative integer"))
			return
		}
		query.From = from
	}
	if raw := params.Get("size"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			writeError(w, http.StatusBadRequest, errors.New(errors.ErrCodeValidation, "size must be a non-negative integer"))
			return
		}
		query.Size = size
	}

	result, err := h.searcher.Search(r.Context(), query)
	if err != nil {
		h.logger.Error("search query failed", logging.Err(err), logging.String("query", query.Text))
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
