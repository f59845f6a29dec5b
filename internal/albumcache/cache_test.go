package albumcache

import (
	"context"
	"testing"
	"time"

	"photo-pipeline/internal/models"
)

func TestGetCachesLoads(t *testing.T) {
	ctx := context.Background()
	loads := 0
	cache := New(8, time.Minute, func(_ context.Context, albumID string) (models.AlbumConfig, error) {
		loads++
		return models.AlbumConfig{AlbumID: albumID, PresetID: "warm"}, nil
	})

	for i := 0; i < 3; i++ {
		cfg, err := cache.Get(ctx, "a1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if cfg.PresetID != "warm" {
			t.Fatalf("unexpected preset %q", cfg.PresetID)
		}
	}
	if loads != 1 {
		t.Fatalf("expected 1 load, got %d", loads)
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	ctx := context.Background()
	loads := 0
	cache := New(8, time.Minute, func(_ context.Context, albumID string) (models.AlbumConfig, error) {
		loads++
		return models.AlbumConfig{AlbumID: albumID}, nil
	})

	if _, err := cache.Get(ctx, "a1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	cache.Invalidate("a1")
	if _, err := cache.Get(ctx, "a1"); err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if loads != 2 {
		t.Fatalf("expected reload after invalidate, loads=%d", loads)
	}
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	loads := 0
	cache := New(8, 20*time.Millisecond, func(_ context.Context, albumID string) (models.AlbumConfig, error) {
		loads++
		return models.AlbumConfig{AlbumID: albumID}, nil
	})

	if _, err := cache.Get(ctx, "a1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := cache.Get(ctx, "a1"); err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if loads != 2 {
		t.Fatalf("expected reload after TTL expiry, loads=%d", loads)
	}
}
