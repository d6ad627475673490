package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/config"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/health"
	middleware "github.com/mohammed-shakir/polygon-layer-publisher/internal/core/middleware"
	"github.com/mohammed-shakir/polygon-layer-publisher/internal/core/router"
)

type Deps struct {
	Query     router.Querier
	QueryOpts router.QueryOptions
	Publisher router.Publisher
	Ready     []health.Check
	// Metrics is mounted at cfg.Metrics.Path when non-nil.
	Metrics http.Handler
}

func NewHandler(cfg config.Config, logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/", router.HandleIndex)
	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(2*time.Second, d.Ready...))
	if d.Metrics != nil {
		r.Method(http.MethodGet, cfg.Metrics.Path, d.Metrics)
	}
	r.Post(router.RouteQuery, router.HandleQueryGeometries(logger, d.Query, d.QueryOpts))
	r.Post(router.RouteUpload, router.HandleUpload(logger, d.Publisher))
	return r
}

// sets up http and starts serving until ctx is cancelled
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, d Deps) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewHandler(cfg, logger, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// publishing several layers to a portal can take minutes
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
