package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/MedCode-Intelligence/internal/domain/billing"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/database/neo4j"
	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

type fakeCodeRelater struct {
	relatedFunc func(ctx context.Context, code string) (*neo4j.CodeRelations, error)
}

func (f *fakeCodeRelater) RelatedCodes(ctx context.Context, code string) (*neo4j.CodeRelations, error) {
	return f.relatedFunc(ctx, code)
}

func getRelated(h *CodesHandler, code string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Get("/codes/{code}/related", h.Related)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/codes/"+code+"/related", nil)
	r.ServeHTTP(w, req)
	return w
}

func TestCodesHandler_List_FullCatalog(t *testing.T) {
	catalog := billing.DefaultCatalog()
	h := NewCodesHandler(catalog, nil, logging.NewNopLogger())

	w := httptest.NewRecorder()
	h.List(w, httptest.NewRequest(http.MethodGet, "/codes", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var resp CatalogResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, len(catalog), resp.Total)

	byCode := make(map[string]CodeDescriptor, len(resp.Codes))
	for _, d := range resp.Codes {
		byCode[d.Code] = d
	}
	diag, ok := byCode[billing.CodeDiagnosticBronch]
	require.True(t, ok)
	assert.True(t, diag.Diagnostic)
	assert.Equal(t, billing.FamilyBronch, diag.Family)
}

func TestCodesHandler_List_FilterByFamily(t *testing.T) {
	h := NewCodesHandler(billing.DefaultCatalog(), nil, logging.NewNopLogger())

	w := httptest.NewRecorder()
	h.List(w, httptest.NewRequest(http.MethodGet, "/codes?family=sedation", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var resp CatalogResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Codes)
	for _, d := range resp.Codes {
		assert.Equal(t, billing.FamilySedation, d.Family)
	}
}

func TestCodesHandler_List_UnknownFamilyIsEmpty(t *testing.T) {
	h := NewCodesHandler(billing.DefaultCatalog(), nil, logging.NewNopLogger())

	w := httptest.NewRecorder()
	h.List(w, httptest.NewRequest(http.MethodGet, "/codes?family=cardiology", nil))

	require.Equal(t, http.StatusOK, w.Code)

	var resp CatalogResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.Total)
}

func TestCodesHandler_Related_Success(t *testing.T) {
	graph := &fakeCodeRelater{relatedFunc: func(ctx context.Context, code string) (*neo4j.CodeRelations, error) {
		assert.Equal(t, billing.CodeLavage, code)
		return &neo4j.CodeRelations{
			Code: neo4j.CodeNode{Code: billing.CodeLavage, Family: billing.FamilyBronch},
			FamilyMembers: []neo4j.CodeNode{
				{Code: billing.CodeDiagnosticBronch, Family: billing.FamilyBronch, Diagnostic: true},
			},
		}, nil
	}}
	h := NewCodesHandler(billing.DefaultCatalog(), graph, logging.NewNopLogger())

	w := getRelated(h, billing.CodeLavage)

	require.Equal(t, http.StatusOK, w.Code)

	var resp neo4j.CodeRelations
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, billing.CodeLavage, resp.Code.Code)
	require.Len(t, resp.FamilyMembers, 1)
	assert.True(t, resp.FamilyMembers[0].Diagnostic)
}

func TestCodesHandler_Related_UnknownCode(t *testing.T) {
	graph := &fakeCodeRelater{relatedFunc: func(ctx context.Context, code string) (*neo4j.CodeRelations, error) {
		return nil, errors.New(errors.ErrCodeBillingCodeUnknown, "code not in graph")
	}}
	h := NewCodesHandler(billing.DefaultCatalog(), graph, logging.NewNopLogger())

	w := getRelated(h, "99999")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCodesHandler_Related_GraphNotConfigured(t *testing.T) {
	h := NewCodesHandler(billing.DefaultCatalog(), nil, logging.NewNopLogger())

	w := getRelated(h, billing.CodeLavage)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
