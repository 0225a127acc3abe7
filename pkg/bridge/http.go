package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// MaxNotificationBytes bounds the request body accepted by HTTPSource.
const MaxNotificationBytes = 1 << 20

const sourceHTTP = "http"

type notifyResponse struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// NewRouter exposes the bridge over HTTP:
//
//	POST /notifications  202 accepted, 400 malformed, 503 undelivered
//	GET  /healthz
func NewRouter(b *Bridge) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/notifications", b.handleNotification)
	return r
}

func (b *Bridge) handleNotification(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxNotificationBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, notifyResponse{Error: err.Error()})
		return
	}

	n, err := b.notify(r.Context(), sourceHTTP, raw)
	switch {
	case errors.Is(err, ErrMalformed):
		writeJSON(w, http.StatusBadRequest, notifyResponse{Error: err.Error()})
	case errors.Is(err, ErrUndelivered):
		writeJSON(w, http.StatusServiceUnavailable, notifyResponse{Accepted: n, Error: err.Error()})
	case err != nil:
		// at least one subscriber has every event; the failures are logged
		writeJSON(w, http.StatusAccepted, notifyResponse{Accepted: n, Error: err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, notifyResponse{Accepted: n})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response
}

// HTTPSource serves the bridge router.
type HTTPSource struct {
	httpServer *http.Server
}

func NewHTTPSource(addr string, b *Bridge) *HTTPSource {
	return &HTTPSource{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(b),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start begins serving. This is non-blocking.
// Returns a channel that receives an error if the server fails.
func (s *HTTPSource) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("notification server: %w", err)
		}
		close(errCh)
	}()
	return errCh
}

func (s *HTTPSource) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
