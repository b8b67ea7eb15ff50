package auth

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Middleware provides HTTP authentication middleware.
// It is thin and delegates identity resolution to AuthService.
type Middleware struct {
	authService AuthService
	logger      *zap.Logger
}

// NewMiddleware creates a new auth middleware with the given AuthService.
func NewMiddleware(authService AuthService, logger *zap.Logger) *Middleware {
	return &Middleware{
		authService: authService,
		logger:      logger,
	}
}

// Identify resolves the caller identity and attaches it to the context.
// Requests without any identity still pass; handlers that need one check
// Identity.Identified themselves. An invalid bearer token is rejected.
func (m *Middleware) Identify(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.authService.IdentifyRequest(r)
		if err != nil {
			m.unauthorized(w, "Invalid credentials")
			return
		}
		next(w, r.WithContext(WithIdentity(r.Context(), identity)))
	}
}

// RequireIdentity rejects requests that carry neither a bearer token nor a
// device key. Use for endpoints that record judgments.
func (m *Middleware) RequireIdentity(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.authService.IdentifyRequest(r)
		if err != nil {
			m.unauthorized(w, "Invalid credentials")
			return
		}
		if !identity.Identified() {
			m.unauthorized(w, "Annotator token or device key required")
			return
		}
		next(w, r.WithContext(WithIdentity(r.Context(), identity)))
	}
}

// RequireAnnotator rejects anonymous callers. Use for administrative
// endpoints (prediction deletion, manual refresh).
func (m *Middleware) RequireAnnotator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := m.authService.IdentifyRequest(r)
		if err != nil {
			m.unauthorized(w, "Invalid credentials")
			return
		}
		if !identity.Trusted() {
			m.logger.Warn("Anonymous caller attempted annotator-only endpoint",
				zap.String("path", r.URL.Path))
			m.forbidden(w, "Annotator authorization required")
			return
		}
		next(w, r.WithContext(WithIdentity(r.Context(), identity)))
	}
}

// unauthorized returns a 401 response with JSON error body.
func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}

// forbidden returns a 403 response with JSON error body.
func (m *Middleware) forbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "forbidden",
		"message": message,
	})
}
