package statusapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"vidclient/internal/platform/logger"
	"vidclient/internal/platform/metrics"
)

const shutdownTimeout = 5 * time.Second

// NewRouter wires the handler's routes with request logging and, when the
// handler has metrics, request counting and GET /metrics.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(h.log))
	if h.metrics != nil {
		r.Use(metrics.RequestMiddleware(h.metrics))
		r.Get("/metrics", h.metrics.Handler(nil).ServeHTTP)
	}
	r.Get("/healthz", h.Healthz)
	r.Route("/upload", func(r chi.Router) {
		r.Get("/", h.GetUpload)
		r.Post("/cancel", h.CancelUpload)
		r.Post("/reset", h.ResetUpload)
	})
	r.Route("/player", func(r chi.Router) {
		r.Get("/", h.GetPlayer)
		r.Post("/keys", h.PostKey)
	})
	return r
}

// Serve listens on addr until ctx is done, then drains connections.
func Serve(ctx context.Context, addr string, handler http.Handler, log *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serveListener(ctx, ln, handler, log)
}

func serveListener(ctx context.Context, ln net.Listener, handler http.Handler, log *slog.Logger) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Info("status api listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutdown signal received, draining connections")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("status api stopped")
	return nil
}
