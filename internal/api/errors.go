package api

import (
	"encoding/json"
	"net/http"

	"github.com/eq-rebalancer/internal/errors"
	"github.com/eq-rebalancer/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// respondServiceError writes a categorized error. Causes of server-side failures are not exposed.
func respondServiceError(w http.ResponseWriter, err error) {
	catErr := errors.Categorize(err)

	switch catErr.Category {
	case errors.CategoryValidation, errors.CategoryNotFound, errors.CategoryRateLimit:
		respondError(w, errors.GetHTTPStatusCode(catErr), catErr.Code, catErr.Message, catErr.Details)
	case errors.CategoryDatabase, errors.CategoryCache, errors.CategoryQueue:
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "A backing service is unavailable", nil)
	default:
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred", nil)
	}
}
