package health

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/vietddude/feewatcher/internal/core/domain"
)

type envelope struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Kind    domain.Kind `json:"kind"`
	Message string      `json:"message"`
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeData(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: message, Data: data})
}

// writeError maps a classified error to its status. Unclassified errors are
// logged and answered with a generic message.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	kind := domain.KindOf(err)
	msg := err.Error()

	var de *domain.Error
	if errors.As(err, &de) && kind == domain.KindUpstream && de.Message != "" {
		msg = de.Message
	}
	if kind == domain.KindInternal {
		log.Error("request failed", "error", err)
		msg = "internal server error"
	}

	writeJSON(w, statusFor(kind), envelope{
		Error: &apiError{Kind: kind, Message: msg},
	})
}
