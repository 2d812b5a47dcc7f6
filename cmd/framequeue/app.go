package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/kiranshivaraju/framequeue/internal/api"
	"github.com/kiranshivaraju/framequeue/internal/api/handler"
	mw "github.com/kiranshivaraju/framequeue/internal/api/middleware"
	"github.com/kiranshivaraju/framequeue/internal/cache"
	"github.com/kiranshivaraju/framequeue/internal/config"
	"github.com/kiranshivaraju/framequeue/internal/queue"
	"github.com/kiranshivaraju/framequeue/internal/store"
	"github.com/kiranshivaraju/framequeue/internal/worker"
	"github.com/kiranshivaraju/framequeue/pkg/models"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// app is the fully wired process: one worker loop, its supervisor and the HTTP API.
type app struct {
	loop       *worker.Loop
	supervisor *worker.Supervisor
	router     http.Handler
}

func newApp(cfg *config.Config, st store.Store, ca cache.Cache, d models.Detector) *app {
	loop := worker.NewLoop(st, ca, d, worker.Options{
		IdleInterval:    cfg.Queue.IdleInterval,
		BusyInterval:    cfg.Queue.BusyInterval,
		MaxErrorBackoff: cfg.Queue.MaxErrorBackoff,
	})
	q := queue.New(st, ca, loop, queue.Options{
		ClipFallback:   cfg.Queue.ClipFallback,
		StreamFallback: cfg.Queue.StreamFallback,
		AverageWindow:  cfg.Queue.AverageWindow,
	})
	res := queue.NewResolver(st, ca, q, cfg.Queue.DefaultFrames)

	auth := mw.NewAuth(cfg.Auth.APIKeyHashes)
	if !auth.Enabled() {
		slog.Warn("no API key hashes configured, authentication disabled")
	}

	router := api.NewRouter(api.Dependencies{
		Auth:      auth,
		RateLimit: mw.NewRateLimit(ca, cfg.RateLimit.RequestsPerMinute),

		HealthHandler:       handler.NewHealthHandler(st, ca, loop, d),
		SubmitClipHandler:   handler.NewSubmitHandler(res, models.WorkKindClip),
		SubmitStreamHandler: handler.NewSubmitHandler(res, models.WorkKindStream),
		JobStatusHandler:    handler.NewJobStatusHandler(q),
		ResultHandler:       handler.NewResultHandler(res),
		MatchResultHandler:  handler.NewMatchResultHandler(res),
		QueueHandler:        handler.NewQueueHandler(q, loop),
	})

	return &app{
		loop:       loop,
		supervisor: worker.NewSupervisor(loop, st, ca, cfg.Queue.StuckTimeout, cfg.Queue.SupervisorSchedule),
		router:     router,
	}
}

// serve runs the API on ln together with the worker and supervisor until ctx is
// done or one of them fails.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		a.loop.Start(gctx)
		<-gctx.Done()
		a.loop.Stop()
		return nil
	})

	g.Go(func() error {
		return a.supervisor.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}
