package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/search/opensearch"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

type fakeSearcher struct {
	searchFunc func(ctx context.Context, query opensearch.ReviewQuery) (*opensearch.SearchResult, error)
}

func (f *fakeSearcher) Search(ctx context.Context, query opensearch.ReviewQuery) (*opensearch.SearchResult, error) {
	return f.searchFunc(ctx, query)
}

func getSearch(h *SearchHandler, rawQuery string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/search?"+rawQuery, nil)
	h.Search(w, r)
	return w
}

func TestSearchHandler_Search_ParsesQueryParams(t *testing.T) {
	var got opensearch.ReviewQuery
	searcher := &fakeSearcher{searchFunc: func(ctx context.Context, query opensearch.ReviewQuery) (*opensearch.SearchResult, error) {
		got = query
		return &opensearch.SearchResult{Total: 2}, nil
	}}
	h := NewSearchHandler(searcher, logging.NewNopLogger())

	w := getSearch(h, "q=lavage&codes=31622,+31624&recommendation=review_needed&corrected=true&omissions_only=true&from=20&size=10")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "lavage", got.Text)
	assert.Equal(t, []string{"31622", "31624"}, got.Codes)
	assert.Equal(t, "review_needed", got.Recommendation)
	require.NotNil(t, got.Corrected)
	assert.True(t, *got.Corrected)
	assert.True(t, got.OmissionsOnly)
	assert.Equal(t, 20, got.From)
	assert.Equal(t, 10, got.Size)

	var resp opensearch.SearchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Total)
}

func TestSearchHandler_Search_EmptyQueryIsValid(t *testing.T) {
	var got opensearch.ReviewQuery
	searcher := &fakeSearcher{searchFunc: func(ctx context.Context, query opensearch.ReviewQuery) (*opensearch.SearchResult, error) {
		got = query
		return &opensearch.SearchResult{}, nil
	}}
	h := NewSearchHandler(searcher, logging.NewNopLogger())

	w := getSearch(h, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, got.Text)
	assert.Nil(t, got.Corrected)
}

func TestSearchHandler_Search_InvalidBooleans(t *testing.T) {
	h := NewSearchHandler(&fakeSearcher{}, logging.NewNopLogger())

	assert.Equal(t, http.StatusBadRequest, getSearch(h, "corrected=maybe").Code)
	assert.Equal(t, http.StatusBadRequest, getSearch(h, "omissions_only=maybe").Code)
}

func TestSearchHandler_Search_InvalidPagination(t *testing.T) {
	h := NewSearchHandler(&fakeSearcher{}, logging.NewNopLogger())

	assert.Equal(t, http.StatusBadRequest, getSearch(h, "from=-1").Code)
	assert.Equal(t, http.StatusBadRequest, getSearch(h, "size=abc").Code)
}

func TestSearchHandler_Search_BackendError(t *testing.T) {
	searcher := &fakeSearcher{searchFunc: func(ctx context.Context, query opensearch.ReviewQuery) (*opensearch.SearchResult, error) {
		return nil, errors.New(errors.ErrCodeSearchQuery, "cluster unavailable")
	}}
	h := NewSearchHandler(searcher, logging.NewNopLogger())

	w := getSearch(h, "q=bronch")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSearchHandler_Search_NotConfigured(t *testing.T) {
	h := NewSearchHandler(nil, logging.NewNopLogger())

	w := getSearch(h, "q=bronch")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
