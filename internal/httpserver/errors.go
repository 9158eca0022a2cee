package httpserver

import (
	"log/slog"
	"net/http"

	"chatconsole/internal/domain"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrBadQuery         = "bad query"
	ErrInvalidSignature = "invalid signature"
	ErrStorage          = "storage error"
	ErrUnauthorized     = "unknown agent"
	ErrInvalidForm      = "invalid form"
)

// writeError maps the domain error taxonomy onto status codes. Client errors echo their message,
// everything else is logged with args and answered with a constant body.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error, msg string, args ...any) {
	switch {
	case domain.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case domain.IsSignature(err):
		http.Error(w, ErrInvalidSignature, http.StatusBadRequest)
	case domain.IsNotFound(err):
		http.Error(w, ErrNotFound, http.StatusNotFound)
	case domain.IsStorage(err):
		log.ErrorContext(r.Context(), msg, append([]any{"err", err}, args...)...)
		http.Error(w, ErrStorage, http.StatusInternalServerError)
	default:
		log.ErrorContext(r.Context(), msg, append([]any{"err", err}, args...)...)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
	}
}
