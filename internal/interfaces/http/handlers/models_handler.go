package handlers

import (
	"context"
	"net/http"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/common"
)

// ModelLister reports the registered serving models and registry health.
type ModelLister interface {
	ListModels(ctx context.Context) []*common.RegisteredModel
	HealthCheck(ctx context.Context) *common.RegistryHealth
}

// ModelsHandler exposes the model registry for operations visibility.
type ModelsHandler struct {
	registry ModelLister
	logger   logging.Logger
}

// NewModelsHandler creates a ModelsHandler.
func NewModelsHandler(registry ModelLister, logger logging.Logger) *ModelsHandler {
	return &ModelsHandler{
		registry: registry,
		logger:   logger.Named("models_handler"),
	}
}

// ModelsResponse lists every registered model version together with a
// registry-level health rollup.
type ModelsResponse struct {
	Models []*common.RegisteredModel `json:"models"`
	Health *common.RegistryHealth    `json:"health"`
}

// List handles GET /api/v1/models.
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	models := h.registry.ListModels(r.Context())
	if models == nil {
		models = []*common.RegisteredModel{}
	}
	writeJSON(w, http.StatusOK, ModelsResponse{
		Models: models,
		Health: h.registry.HealthCheck(r.Context()),
	})
}
