package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/simulacra/terraingrid/internal/telemetry"
)

// Deps bundles the handlers' collaborators so Run's signature stays small
// as the surface grows.
type Deps struct {
	Addr    string
	Logger  *zerolog.Logger
	Engine  Engine
	Pool    Submitter
	Ready   ReadinessReporter
	Metrics *telemetry.Metrics
}

// NewRouter builds the chi router: middleware, health, metrics, and the
// terrain/cache endpoints.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(Recover(d.Logger))
	r.Use(Logging(d.Logger, d.Metrics))

	r.Get("/healthz", Liveness())
	if d.Ready != nil {
		r.Get("/readyz", Readiness(d.Ready))
	}
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/points", HandlePut(d.Engine))
		r.Post("/points/batch", HandleBatchPut(d.Engine))
		r.Get("/points", HandleGet(d.Engine))
		r.Get("/points/range", HandleRangeQuery(d.Engine, d.Pool))
		r.Post("/cache/{cellID}/preload", HandlePreload(d.Engine))
		r.Post("/cache/{cellID}/evict", HandleEvict(d.Engine))
		r.Get("/stats", HandleStats(d.Engine))
		r.Get("/cache/hot", HandleHotCells(d.Engine))
	})

	return r
}

// Run serves the router until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, d Deps) error {
	srv := &http.Server{
		Addr:              d.Addr,
		Handler:           NewRouter(d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.Logger.Info().Str("addr", d.Addr).Msg("http listen")
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
