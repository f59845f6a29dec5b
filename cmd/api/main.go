package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"photo-pipeline/internal/albumcache"
	"photo-pipeline/internal/alert"
	"photo-pipeline/internal/api"
	"photo-pipeline/internal/config"
	"photo-pipeline/internal/objstore"
	"photo-pipeline/internal/queue"
	"photo-pipeline/internal/ratelimit"
	"photo-pipeline/internal/reconcile"
	"photo-pipeline/internal/store"
)

func main() {
	cfg := config.Load()
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api").Logger()
	if cfg.Env == "dev" {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	blobs, err := objstore.NewS3Store(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect object store")
	}

	q := queue.NewRedisQueue(cfg)
	limiter := ratelimit.NewTokenBucket(q.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	var alerts alert.Sink = alert.Nop{}
	if cfg.AlertWebhookURL != "" {
		alerts = alert.NewWebhook(cfg.AlertWebhookURL, log)
	}
	reconciler := reconcile.New(cfg, st, blobs, q, alerts, log)

	albums := albumcache.New(cfg.AlbumCacheSize, cfg.AlbumCacheTTL, st.GetAlbumConfig)

	server := api.New(cfg, st, q, limiter, reconciler, albums, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	// Scheduled sweeps run inside the API process when configured; most
	// deployments trigger reconciliation through POST /reconcile instead.
	if cfg.ReconcileInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.ReconcileInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := reconciler.Run(ctx, reconcile.Options{}); err != nil {
						log.Error().Err(err).Msg("scheduled reconcile failed")
					}
				}
			}
		}()
	}

	log.Info().Str("port", cfg.HTTPPort).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
