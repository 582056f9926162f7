package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/warp/commission-engine/generic"
)

// handleError maps engine errors to HTTP responses.
func handleError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		validation *generic.ValidationError
		notFound   *generic.NotFoundError
		conflict   *generic.ConflictError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   validation.Message,
			Code:    "validation_error",
			Details: map[string]string{"field": validation.Field},
		})
	case errors.Is(err, generic.ErrValidation), errors.Is(err, generic.ErrInvalidPeriod):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, generic.ErrUnauthorized):
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: err.Error(), Code: "forbidden"})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:   notFound.Error(),
			Code:    "not_found",
			Details: map[string]string{"resource": notFound.Resource, "id": notFound.ID},
		})
	case generic.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.As(err, &conflict):
		retryAfter(w, err)
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   conflict.Error(),
			Code:    "conflict",
			Details: map[string]string{"resource": conflict.Resource, "id": conflict.ID, "reason": conflict.Reason},
		})
	case generic.IsConflict(err),
		errors.Is(err, generic.ErrDuplicateIdempotencyKey),
		errors.Is(err, generic.ErrConcurrentModification):
		retryAfter(w, err)
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "conflict"})
	case errors.Is(err, generic.ErrRateUnavailable):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "rate_unavailable"})
	default:
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "An unexpected error occurred", nil)
	}
}

// retryAfter marks lost optimistic-lock races so clients re-read and retry.
func retryAfter(w http.ResponseWriter, err error) {
	if generic.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return generic.Invalid("body", "invalid request body: %v", err)
	}
	return nil
}
