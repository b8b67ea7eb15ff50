package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/shelfsight/insight-engine/pkg/auth"
	"github.com/shelfsight/insight-engine/pkg/models"
	"github.com/shelfsight/insight-engine/pkg/services"
)

// QuestionHandler serves pending insights as review questions.
type QuestionHandler struct {
	questionService services.QuestionService
	logger          *zap.Logger
}

// NewQuestionHandler creates a new question handler.
func NewQuestionHandler(questionService services.QuestionService, logger *zap.Logger) *QuestionHandler {
	return &QuestionHandler{questionService: questionService, logger: logger}
}

// RegisterRoutes registers the question handler's routes on the given mux.
// Questions are served to anonymous callers too; identity only affects the
// quota filter and the shuffle seed.
func (h *QuestionHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/questions", authMiddleware.Identify(h.List))
}

// List handles GET /api/questions
//
// Supported query parameters: types (comma-separated), campaign, country,
// brand, min_confidence, value_tag, server_domain, page, count.
func (h *QuestionHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	req := services.QuestionRequest{
		Campaign:     query.Get("campaign"),
		Country:      query.Get("country"),
		Brand:        query.Get("brand"),
		ValueTag:     query.Get("value_tag"),
		ServerDomain: query.Get("server_domain"),
	}

	if raw := query.Get("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t := models.InsightType(strings.TrimSpace(part))
			if !models.IsValidInsightType(t) {
				if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Unknown insight type: "+string(t)); err != nil {
					h.logger.Error("Failed to write error response", zap.Error(err))
				}
				return
			}
			req.Types = append(req.Types, t)
		}
	}

	if raw := query.Get("min_confidence"); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value < 0 || value > 1 {
			if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "min_confidence must be between 0 and 1"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
		req.MinConfidence = &value
	}

	if raw := query.Get("page"); raw != "" {
		if page, err := strconv.Atoi(raw); err == nil {
			req.Page = page
		}
	}
	if raw := query.Get("count"); raw != "" {
		if count, err := strconv.Atoi(raw); err == nil {
			req.Count = count
		}
	}

	identity, _ := auth.GetIdentity(r.Context())
	req.Anonymous = !identity.Trusted()
	req.SessionToken = sessionToken(r, identity)

	page, err := h.questionService.ListQuestions(r.Context(), req)
	if err != nil {
		WriteDomainError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, page); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// sessionToken picks the shuffle seed source: explicit session parameter,
// then the caller identity, so repeat requests page through a stable order.
func sessionToken(r *http.Request, identity auth.Identity) string {
	if token := r.URL.Query().Get("session"); token != "" {
		return token
	}
	if identity.AnnotatorID != "" {
		return identity.AnnotatorID
	}
	return identity.DeviceID
}
