package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"chatconsole/internal/providers/line"
)

type Inbound interface {
	HandleInbound(ctx context.Context, webhookPath string, body []byte, signature string) error
}

// Webhook receives provider callbacks at /{webhook_path}/callback, one path per account.
type Webhook struct {
	Svc     Inbound
	Log     *slog.Logger
	MaxBody int64
}

func (wh *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/{webhook_path}/callback", wh.handleCallback).Methods(http.MethodPost)
}

func (wh *Webhook) handleCallback(w http.ResponseWriter, r *http.Request) {
	path := mux.Vars(r)["webhook_path"]
	limit := wh.MaxBody
	if limit <= 0 {
		limit = maxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		http.Error(w, "body too large", http.StatusBadRequest)
		return
	}

	if err := wh.Svc.HandleInbound(r.Context(), path, body, r.Header.Get(line.SignatureHeader)); err != nil {
		writeError(w, r, wh.Log, err, "webhook processing failed", "webhook_path", path, "bytes", len(body))
		return
	}
	w.WriteHeader(http.StatusOK)
}
