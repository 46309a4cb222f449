package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/comigor/tutorchat/internal/history"
	"github.com/comigor/tutorchat/internal/llm"
	"github.com/comigor/tutorchat/internal/logger"
	"github.com/comigor/tutorchat/internal/session"
	"github.com/comigor/tutorchat/internal/tutor"
)

// errBadRequest marks request decoding problems.
var errBadRequest = errors.New("bad request")

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		logger.L.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError && !errors.Is(err, llm.ErrConfiguration) {
		logger.L.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	} else {
		logger.L.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: false, Message: msg})
}

func statusFor(err error) int {
	var pe *llm.ProviderError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, session.ErrValidation),
		errors.Is(err, tutor.ErrValidation),
		errors.Is(err, history.ErrInvalid),
		errors.Is(err, history.ErrInvalidKind):
		return http.StatusBadRequest
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, llm.ErrConfiguration):
		return http.StatusInternalServerError
	case errors.As(err, &pe):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
