package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/shelfsight/insight-engine/pkg/apperrors"
)

// ErrorResponse writes a JSON error response and returns any encoding error.
func ErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

// WriteDomainError maps a service error onto the HTTP error contract.
func WriteDomainError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var writeErr error
	var validationErr *apperrors.ValidationError

	switch {
	case errors.As(err, &validationErr):
		writeErr = ErrorResponse(w, http.StatusBadRequest, "invalid_request", validationErr.Error())
	case errors.Is(err, apperrors.ErrNotFound):
		writeErr = ErrorResponse(w, http.StatusNotFound, "not_found", "Resource not found")
	case errors.Is(err, apperrors.ErrAlreadyAnnotated):
		writeErr = ErrorResponse(w, http.StatusConflict, "already_annotated", "Insight already has a terminal annotation")
	case errors.Is(err, apperrors.ErrConflict):
		writeErr = ErrorResponse(w, http.StatusConflict, "conflict", "Resource is in a conflicting state")
	case errors.Is(err, apperrors.ErrLockTimeout):
		writeErr = ErrorResponse(w, http.StatusServiceUnavailable, "locked", "Product is being imported, retry later")
	case errors.Is(err, apperrors.ErrExternalDependency):
		writeErr = ErrorResponse(w, http.StatusBadGateway, "upstream_unavailable", "An upstream dependency is unavailable")
	default:
		logger.Error("Unhandled service error", zap.Error(err))
		writeErr = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}

	if writeErr != nil {
		logger.Error("Failed to write error response", zap.Error(writeErr))
	}
}
