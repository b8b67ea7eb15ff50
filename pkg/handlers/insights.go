package handlers

import (
	"context"
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

// AnnotateInsightRequest for POST /api/insights/{iid}/annotate and /vote
type AnnotateInsightRequest struct {
	Annotation int             `json:"annotation"`
	Data       json.RawMessage `json:"data,omitempty"` // corrected payload
}

// InsightResponse for GET /api/insights/{iid}
type InsightResponse struct {
	Insight *models.Insight      `json:"insight"`
	Status  models.InsightStatus `json:"status"`
}

// ProductInsightsResponse for GET /api/products/{pid}/insights
type ProductInsightsResponse struct {
	Insights []*models.Insight `json:"insights"`
	Total    int               `json:"total"`
}

// VotesResponse for GET /api/insights/{iid}/votes
type VotesResponse struct {
	Votes []*models.Vote `json:"votes"`
	Total int            `json:"total"`
}

// ============================================================================
// Handler
// ============================================================================

// InsightHandler handles insight lookup, annotation and voting requests.
type InsightHandler struct {
	annotationService services.AnnotationService
	insights          repositories.InsightRepository
	logger            *zap.Logger
}

// NewInsightHandler creates a new insight handler.
func NewInsightHandler(
	annotationService services.AnnotationService,
	insights repositories.InsightRepository,
	logger *zap.Logger,
) *InsightHandler {
	return &InsightHandler{
		annotationService: annotationService,
		insights:          insights,
		logger:            logger,
	}
}

// RegisterRoutes registers the insight handler's routes on the given mux.
func (h *InsightHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/insights/{iid}", h.Get)
	mux.HandleFunc("GET /api/products/{pid}/insights", h.ListByProduct)
	mux.HandleFunc("POST /api/insights/{iid}/annotate", authMiddleware.RequireIdentity(h.Annotate))
	mux.HandleFunc("POST /api/insights/{iid}/vote", authMiddleware.RequireIdentity(h.Vote))
	mux.HandleFunc("GET /api/insights/{iid}/votes", authMiddleware.RequireAnnotator(h.Votes))
	mux.HandleFunc("DELETE /api/insights/{iid}", authMiddleware.RequireAnnotator(h.Delete))
}

// Get handles GET /api/insights/{iid}
func (h *InsightHandler) Get(w http.ResponseWriter, r *http.Request) {
	insightID, ok := ParseInsightID(w, r, h.logger)
	if !ok {
		return
	}

	insight, err := h.insights.GetByID(r.Context(), insightID)
	if err != nil {
		WriteDomainError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, InsightResponse{Insight: insight, Status: insight.Status()}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListByProduct handles GET /api/products/{pid}/insights?server_domain=...
func (h *InsightHandler) ListByProduct(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("pid")
	serverDomain := r.URL.Query().Get("server_domain")
	if productID == "" || serverDomain == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "product ID and server_domain are required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	insights, err := h.insights.ListByProduct(r.Context(), productID, serverDomain)
	if err != nil {
		WriteDomainError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ProductInsightsResponse{Insights: insights, Total: len(insights)}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Annotate handles POST /api/insights/{iid}/annotate
func (h *InsightHandler) Annotate(w http.ResponseWriter, r *http.Request) {
	h.recordJudgment(w, r, h.annotationService.Annotate)
}

// Vote handles POST /api/insights/{iid}/vote
func (h *InsightHandler) Vote(w http.ResponseWriter, r *http.Request) {
	h.recordJudgment(w, r, h.annotationService.Vote)
}

func (h *InsightHandler) recordJudgment(
	w http.ResponseWriter,
	r *http.Request,
	record func(ctx context.Context, req services.AnnotateRequest) (*services.AnnotateResult, error),
) {
	insightID, ok := ParseInsightID(w, r, h.logger)
	if !ok {
		return
	}

	identity, ok := auth.GetIdentity(r.Context())
	if !ok || !identity.Identified() {
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Caller identity required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	var req AnnotateInsightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	result, err := record(r.Context(), services.AnnotateRequest{
		InsightID:     insightID,
		Value:         models.Annotation(req.Annotation),
		CorrectedData: req.Data,
		AnnotatorID:   identity.AnnotatorID,
		DeviceID:      identity.DeviceID,
	})
	if err != nil {
		WriteDomainError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Votes handles GET /api/insights/{iid}/votes
func (h *InsightHandler) Votes(w http.ResponseWriter, r *http.Request) {
	insightID, ok := ParseInsightID(w, r, h.logger)
	if !ok {
		return
	}

	votes, err := h.annotationService.Votes(r.Context(), insightID)
	if err != nil {
		WriteDomainError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, VotesResponse{Votes: votes, Total: len(votes)}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Delete handles DELETE /api/insights/{iid}
// Only pending insights can be deleted; annotated ones are kept forever.
func (h *InsightHandler) Delete(w http.ResponseWriter, r *http.Request) {
	insightID, ok := ParseInsightID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.insights.DeleteNonAnnotated(r.Context(), insightID); err != nil {
		WriteDomainError(w, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
