package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-pullpush/internal/output"
	"hls-pullpush/internal/platform/config"
	"hls-pullpush/internal/platform/logger"
	"hls-pullpush/internal/platform/metrics"
	"hls-pullpush/internal/pullpush"
	"hls-pullpush/internal/source"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.FromEnv(pullpush.DefaultConcurrency)

	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	plugins := output.NewRegistry()
	plugins.Register(output.WebDAVPlugin{})
	plugins.Register(output.VoidPlugin{})

	met := metrics.New()
	newSource := func(url string) pullpush.Source { return source.NewPoller(url, log) }
	svc := pullpush.NewService(plugins, newSource, cfg.DefaultUploadConcurrency, cfg.FetchTimeout, log, met)
	h := pullpush.NewHandler(svc, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK\n"))
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveFetchers(svc.ActiveFetcherCount()) }).ServeHTTP(w, r)
	})
	r.Route("/api/v1", func(r chi.Router) {
		h.Routes(r)
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
		case <-ctx.Done():
			return nil
		}
		log.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("server starting",
		"port", cfg.Port,
		"default_upload_concurrency", cfg.DefaultUploadConcurrency,
		"log_level", cfg.LogLevel,
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
