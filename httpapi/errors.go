package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/meshwire/messaging"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// status maps the error taxonomy onto HTTP status codes.
func status(err error) int {
	switch {
	case errors.Is(err, messaging.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, messaging.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, messaging.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, messaging.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, messaging.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, messaging.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, messaging.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, messaging.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := status(err)
	var body errorBody
	body.Error.Code = messaging.KindName(err)
	body.Error.Message = err.Error()
	if code == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		// Internal details stay in the log.
		body.Error.Message = "internal error"
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
