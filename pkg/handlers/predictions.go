package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/shelfsight/insight-engine/pkg/auth"
	"github.com/shelfsight/insight-engine/pkg/models"
	"github.com/shelfsight/insight-engine/pkg/repositories"
	"github.com/shelfsight/insight-engine/pkg/services"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// ImportBatchRequest for POST /api/predictions/batch
type ImportBatchRequest struct {
	ServerDomain string               `json:"server_domain"`
	Campaigns    []string             `json:"campaigns,omitempty"`
	Predictions  []*models.Prediction `json:"predictions"`
}

// DeleteBySourceResponse for DELETE /api/predictions
type DeleteBySourceResponse struct {
	ProductsTouched int      `json:"products_touched"`
	RefreshFailures []string `json:"refresh_failures,omitempty"`
}

// ============================================================================
// Handler
// ============================================================================

// PredictionHandler handles prediction ingestion and administrative cleanup.
type PredictionHandler struct {
	importService services.ImportService
	predictions   repositories.PredictionRepository
	logger        *zap.Logger
}

// NewPredictionHandler creates a new prediction handler.
func NewPredictionHandler(
	importService services.ImportService,
	predictions repositories.PredictionRepository,
	logger *zap.Logger,
) *PredictionHandler {
	return &PredictionHandler{
		importService: importService,
		predictions:   predictions,
		logger:        logger,
	}
}

// RegisterRoutes registers the prediction handler's routes on the given mux.
// Ingestion and cleanup are annotator-only.
func (h *PredictionHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("POST /api/predictions/batch", authMiddleware.RequireAnnotator(h.ImportBatch))
	mux.HandleFunc("DELETE /api/predictions", authMiddleware.RequireAnnotator(h.DeleteBySource))
	mux.HandleFunc("POST /api/products/{pid}/refresh", authMiddleware.RequireAnnotator(h.RefreshProduct))
}

// ImportBatch handles POST /api/predictions/batch
func (h *PredictionHandler) ImportBatch(w http.ResponseWriter, r *http.Request) {
	var req ImportBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if len(req.Predictions) == 0 {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Batch contains no predictions"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	report, err := h.importService.ImportBatch(r.Context(), &services.PredictionBatch{
		ServerDomain: req.ServerDomain,
		Campaigns:    req.Campaigns,
		Predictions:  req.Predictions,
	})
	if err != nil {
		h.logger.Error("Batch import failed", zap.Error(err))
		WriteDomainError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, report); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// DeleteBySource handles DELETE /api/predictions?source_ref=...
// Removes the source's predictions and re-reconciles the touched products so
// non-annotated insights built on the deleted evidence disappear.
func (h *PredictionHandler) DeleteBySource(w http.ResponseWriter, r *http.Request) {
	sourceRef := r.URL.Query().Get("source_ref")
	if sourceRef == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "source_ref query parameter is required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	touched, err := h.predictions.DeleteBySourceRef(r.Context(), sourceRef)
	if err != nil {
		h.logger.Error("Prediction deletion failed",
			zap.String("source_ref", sourceRef),
			zap.Error(err))
		WriteDomainError(w, h.logger, err)
		return
	}

	response := DeleteBySourceResponse{ProductsTouched: len(touched)}
	for _, ref := range touched {
		if err := h.importService.RefreshProduct(r.Context(), ref.ProductID, ref.ServerDomain); err != nil {
			h.logger.Warn("Post-deletion refresh failed",
				zap.String("product_id", ref.ProductID),
				zap.Error(err))
			response.RefreshFailures = append(response.RefreshFailures, ref.ProductID)
		}
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// RefreshProduct handles POST /api/products/{pid}/refresh
func (h *PredictionHandler) RefreshProduct(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("pid")
	serverDomain := r.URL.Query().Get("server_domain")
	if productID == "" || serverDomain == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "product ID and server_domain are required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.importService.RefreshProduct(r.Context(), productID, serverDomain); err != nil {
		h.logger.Error("Product refresh failed",
			zap.String("product_id", productID),
			zap.Error(err))
		WriteDomainError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]string{"status": "refreshed"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
