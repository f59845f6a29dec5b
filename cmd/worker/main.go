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
	"photo-pipeline/internal/archive"
	"photo-pipeline/internal/cdn"
	"photo-pipeline/internal/config"
	"photo-pipeline/internal/facematch"
	"photo-pipeline/internal/models"
	"photo-pipeline/internal/objstore"
	"photo-pipeline/internal/queue"
	"photo-pipeline/internal/ratelimit"
	"photo-pipeline/internal/store"
	"photo-pipeline/internal/telemetry"
	"photo-pipeline/internal/transform"
	"photo-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "worker").Logger()
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

	albums := albumcache.New(cfg.AlbumCacheSize, cfg.AlbumCacheTTL, func(ctx context.Context, albumID string) (models.AlbumConfig, error) {
		return st.GetAlbumConfig(ctx, albumID)
	})
	pipeline := transform.New(cfg, log)

	var faces worker.FaceClient
	if cfg.FaceServiceURL != "" {
		faces = facematch.New(cfg.FaceServiceURL)
	}
	var edge worker.Invalidator
	if cfg.CDNBaseURL != "" {
		edge = cdn.New(cfg.CDNBaseURL, log)
	}

	if n, err := worker.RecoverStuck(ctx, st, blobs, q, cfg, log); err != nil {
		log.Error().Err(err).Msg("startup recovery sweep failed")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("startup recovery sweep finished")
	}

	photoHandler := worker.NewPhotoHandler(cfg, st, blobs, albums, pipeline, faces, edge, log)
	packager := archive.New(cfg, st, blobs, albums, pipeline, log)

	processor := worker.NewProcessor(cfg, q, limiter, log)
	processor.RegisterHandler(queue.TypePhotoProcess, photoHandler.Handle)
	processor.RegisterHandler(queue.TypePackageBuild, worker.PackageHandler(packager, log))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Int("concurrency", cfg.WorkerConcurrency).
		Dur("visibility", cfg.VisibilityTimeout).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Info().Err(err).Msg("worker stopped")
	}
}
