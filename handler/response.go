package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"flash-queue/apperror"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

// writeError maps the error code to an HTTP status. Unclassified errors are
// reported as 500 without their text.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := apperror.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperror.CodeValidation:
		status = http.StatusBadRequest
	case apperror.CodeNotFound:
		status = http.StatusNotFound
	case apperror.CodeUnauthorized:
		status = http.StatusUnauthorized
	case apperror.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}

	msg := "internal error"
	var appErr *apperror.AppError
	if status != http.StatusInternalServerError && errors.As(err, &appErr) {
		msg = appErr.Message
	} else {
		logger.Error("request failed", "code", code, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Code: code, Error: msg})
}
