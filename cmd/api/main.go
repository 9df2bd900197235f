package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/feedframe/embedhost/cmd/api/api"
	"github.com/feedframe/embedhost/cmd/config"
	"github.com/feedframe/embedhost/lib/content"
	"github.com/feedframe/embedhost/lib/fallback"
	"github.com/feedframe/embedhost/lib/feed"
	"github.com/feedframe/embedhost/lib/logger"
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Load configuration from environment variables
	config, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("server configuration", "config", config)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.AddToContext(ctx, slogger)

	store, err := feed.Open(config.FeedDBPath)
	if err != nil {
		slogger.Error("failed to open feed store", "err", err)
		os.Exit(1)
	}
	if err := store.Seed(ctx, config.FeedManifest); err != nil {
		slogger.Error("failed to seed feed store", "err", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
	)

	apiService := api.New(config, content.NewResolver(), store, fallback.NewResolver())
	apiService.Routes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slogger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Hot-reload the feed manifest until shutdown.
		err := store.Watch(gctx, config.FeedManifest)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slogger.Info("shutdown signal received")
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		slogger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
