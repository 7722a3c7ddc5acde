package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fernworks/loom/internal/apperr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, msg string, fields ...string) {
	Respond(w, status, ErrorResponse{Error: msg, Fields: fields})
}

// RespondAppError maps a domain error onto the HTTP taxonomy and writes it.
// Internal errors are logged with full detail and surfaced opaquely.
func RespondAppError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	if kind == apperr.KindInternal {
		logger.Error("internal error", "error", err)
		RespondError(w, status, "internal error")
		return
	}

	var e *apperr.Error
	if errors.As(err, &e) {
		RespondError(w, status, e.Message, e.Fields...)
		return
	}
	RespondError(w, status, err.Error())
}

// ListResponse is the pagination envelope for all list endpoints.
type ListResponse[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
}

// NewListResponse wraps items, normalizing a nil slice to an empty one.
func NewListResponse[T any](items []T, total int64) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Total: total}
}
