package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"photo-pipeline/internal/albumcache"
	"photo-pipeline/internal/config"
	"photo-pipeline/internal/models"
	"photo-pipeline/internal/objstore"
	"photo-pipeline/internal/queue"
	"photo-pipeline/internal/store"
	"photo-pipeline/internal/telemetry"
	"photo-pipeline/internal/transform"
)

// PhotoStore is the metadata surface the photo handler needs. The
// pgx-backed store implements it; tests use an in-memory fake.
type PhotoStore interface {
	GetPhoto(ctx context.Context, id string) (models.PhotoRecord, error)
	ClaimPending(ctx context.Context, id string) (bool, error)
	ClaimFailed(ctx context.Context, id string) (bool, error)
	TakeOverStale(ctx context.Context, id string, threshold time.Duration) (bool, error)
	FinalizePhoto(ctx context.Context, p store.FinalizeParams) error
	MarkFailed(ctx context.Context, id string, cause string) error
	DeletePhoto(ctx context.Context, id string) error
	GetAlbumConfig(ctx context.Context, albumID string) (models.AlbumConfig, error)
	IncrementAlbumCompleted(ctx context.Context, albumID string) error
	RecountAlbumCompleted(ctx context.Context, albumID string) error
	SaveFaceEmbeddings(ctx context.Context, photoID string, faces []store.FaceEmbedding) error
}

// FaceClient extracts face embeddings from an encoded image.
type FaceClient interface {
	Extract(ctx context.Context, image []byte) ([]store.FaceEmbedding, error)
}

// Invalidator purges derived-asset paths from an edge cache.
type Invalidator interface {
	Invalidate(ctx context.Context, paths []string) error
}

// PhotoHandler drives one photo through claim, transform, upload, and
// finalize. All post-finalize side effects are best effort.
type PhotoHandler struct {
	cfg      config.Config
	store    PhotoStore
	blobs    objstore.Store
	albums   *albumcache.Cache
	pipeline *transform.Pipeline
	faces    FaceClient  // nil when no face service is configured
	cdn      Invalidator // nil when no CDN is configured
	log      zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

func NewPhotoHandler(cfg config.Config, st PhotoStore, blobs objstore.Store, albums *albumcache.Cache,
	pipeline *transform.Pipeline, faces FaceClient, cdn Invalidator, log zerolog.Logger) *PhotoHandler {
	return &PhotoHandler{
		cfg:      cfg,
		store:    st,
		blobs:    blobs,
		albums:   albums,
		pipeline: pipeline,
		faces:    faces,
		cdn:      cdn,
		log:      log,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Handle processes one photo message end to end.
func (h *PhotoHandler) Handle(ctx context.Context, msg queue.Message) error {
	var job models.Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		h.log.Error().Err(err).Str("msg_id", msg.ID).Msg("malformed photo job payload")
		return nil
	}
	log := h.log.With().Str("photo_id", job.PhotoID).Str("album_id", job.AlbumID).Logger()

	proceed, err := h.claim(ctx, job.PhotoID, log)
	if err != nil {
		return err
	}
	if !proceed {
		return nil
	}

	if err := h.process(ctx, job, log); err != nil {
		if markErr := h.store.MarkFailed(ctx, job.PhotoID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Msg("mark failed did not stick")
		}
		return err
	}
	return nil
}

// claim implements the predicated-update protocol. The happy path is a
// single conditional UPDATE; every other branch re-reads the row and
// decides from its current state. Returns false to drop the message.
func (h *PhotoHandler) claim(ctx context.Context, photoID string, log zerolog.Logger) (bool, error) {
	claimed, err := h.store.ClaimPending(ctx, photoID)
	if err != nil {
		return false, fmt.Errorf("claim photo: %w", err)
	}
	if claimed {
		return true, nil
	}

	rec, err := h.store.GetPhoto(ctx, photoID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info().Msg("photo record gone, dropping job")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reread photo: %w", err)
	}
	if rec.DeletedAt != nil {
		log.Info().Msg("photo soft-deleted, dropping job")
		return false, nil
	}

	switch rec.Status {
	case models.StatusCompleted, models.StatusPendingRetouch:
		// Duplicate delivery after another worker already finished.
		return false, nil
	case models.StatusPending:
		// Lost a race with a writer touching the row between our claim
		// and reread. One more attempt; if the row is still contended
		// the error keeps the message on the queue for redelivery.
		claimed, err := h.store.ClaimPending(ctx, photoID)
		if err != nil {
			return false, fmt.Errorf("reclaim photo: %w", err)
		}
		if claimed {
			return true, nil
		}
		telemetry.ClaimConflicts.Inc()
		return false, fmt.Errorf("photo %s contended while pending", photoID)
	case models.StatusFailed:
		// Manual retry path re-enqueues failed photos.
		claimed, err := h.store.ClaimFailed(ctx, photoID)
		if err != nil {
			return false, fmt.Errorf("claim failed photo: %w", err)
		}
		return claimed, nil
	case models.StatusProcessing:
		taken, err := h.store.TakeOverStale(ctx, photoID, h.cfg.StuckThreshold)
		if err != nil {
			return false, fmt.Errorf("take over stale photo: %w", err)
		}
		if taken {
			telemetry.StuckReclaimed.Inc()
			log.Warn().Msg("took over stale processing photo")
			return true, nil
		}
		// Another worker is actively on it.
		telemetry.ClaimConflicts.Inc()
		return false, nil
	default:
		log.Warn().Str("status", rec.Status).Msg("unexpected photo status, dropping job")
		return false, nil
	}
}

func (h *PhotoHandler) process(ctx context.Context, job models.Job, log zerolog.Logger) error {
	start := h.now()

	src, err := h.downloadOriginal(ctx, job, log)
	if err != nil {
		return err
	}
	if src == nil {
		// Original never landed; the record has been deleted.
		return nil
	}

	albumCfg, err := h.albums.Get(ctx, job.AlbumID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("album config missing, processing with defaults")
		albumCfg = models.AlbumConfig{AlbumID: job.AlbumID}
	} else if err != nil {
		return fmt.Errorf("load album config: %w", err)
	}

	rec, err := h.store.GetPhoto(ctx, job.PhotoID)
	if err != nil {
		return fmt.Errorf("load photo: %w", err)
	}

	opts := transform.Options{
		RotationOverride: rec.RotationOverride,
		PresetID:         albumCfg.PresetID,
		Retouch:          albumCfg.AIRetouch,
	}
	if albumCfg.WatermarkEnabled {
		opts.Watermarks = albumCfg.Watermarks
	}

	result, err := h.pipeline.Run(ctx, src, opts)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	telemetry.TransformSeconds.Observe(h.now().Sub(start).Seconds())

	thumbKey := h.cfg.ThumbPrefix + job.PhotoID + ".jpg"
	previewKey := h.cfg.PreviewPrefix + job.PhotoID + ".jpg"

	// Reprocessing may change derived key layout; stale keys are removed
	// before the new uploads so storage never accumulates orphans.
	h.deleteStaleDerived(ctx, rec, thumbKey, previewKey, log)

	if err := h.blobs.Put(ctx, thumbKey, result.Thumb, "image/jpeg"); err != nil {
		return fmt.Errorf("upload thumb: %w", err)
	}
	if err := h.blobs.Put(ctx, previewKey, result.Preview, "image/jpeg"); err != nil {
		return fmt.Errorf("upload preview: %w", err)
	}

	status := models.StatusCompleted
	if albumCfg.HumanRetouch && !job.IsRetouchUpload {
		status = models.StatusPendingRetouch
	}

	err = h.store.FinalizePhoto(ctx, store.FinalizeParams{
		ID:             job.PhotoID,
		Status:         status,
		ThumbKey:       thumbKey,
		PreviewKey:     previewKey,
		Width:          result.Width,
		Height:         result.Height,
		SizeBytes:      int64(len(src)),
		PerceptualHash: result.PerceptualHash,
		Exif:           result.Exif,
		CapturedAt:     transform.CaptureTimeFromExif(result.Exif, h.now()),
	})
	if err != nil {
		return fmt.Errorf("finalize photo: %w", err)
	}

	telemetry.PhotosProcessed.Inc()
	log.Info().Str("status", status).Int("width", result.Width).Int("height", result.Height).Msg("photo processed")

	h.postFinalize(ctx, job, status, result, thumbKey, previewKey, log)
	return nil
}

// downloadOriginal fetches the source object, giving a freshly uploaded
// original a short grace window before declaring it lost. A missing
// original past the grace period means the upload failed; the dangling
// record is removed and the job dropped. Returns (nil, nil) in that case.
func (h *PhotoHandler) downloadOriginal(ctx context.Context, job models.Job, log zerolog.Logger) ([]byte, error) {
	src, err := h.blobs.Get(ctx, job.OriginalKey)
	if err == nil {
		return src, nil
	}
	if !objstore.IsNotFound(err) {
		return nil, fmt.Errorf("download original: %w", err)
	}

	rec, recErr := h.store.GetPhoto(ctx, job.PhotoID)
	if recErr == nil && h.now().Sub(rec.CreatedAt) < h.cfg.MissingGracePeriod {
		// Eventual consistency on a fresh upload; wait once and retry.
		h.sleep(ctx, h.cfg.MissingRetryDelay)
		src, err = h.blobs.Get(ctx, job.OriginalKey)
		if err == nil {
			return src, nil
		}
		if !objstore.IsNotFound(err) {
			return nil, fmt.Errorf("download original: %w", err)
		}
	}

	log.Warn().Str("key", job.OriginalKey).Msg("original missing from storage, deleting record")
	if err := h.store.DeletePhoto(ctx, job.PhotoID); err != nil {
		return nil, fmt.Errorf("delete photo with missing original: %w", err)
	}
	return nil, nil
}

// deleteStaleDerived removes previously recorded derived objects whose
// keys differ from the ones about to be written. Missing objects are
// fine; anything else is only logged.
func (h *PhotoHandler) deleteStaleDerived(ctx context.Context, rec models.PhotoRecord, thumbKey, previewKey string, log zerolog.Logger) {
	for _, stale := range []struct{ old, next string }{
		{deref(rec.ThumbKey), thumbKey},
		{deref(rec.PreviewKey), previewKey},
	} {
		if stale.old == "" || stale.old == stale.next {
			continue
		}
		if err := h.blobs.Delete(ctx, stale.old); err != nil && !objstore.IsNotFound(err) {
			log.Warn().Err(err).Str("key", stale.old).Msg("stale derived object not deleted")
		}
	}
}

// postFinalize runs side effects that must never fail the job: face
// indexing, album counters, and CDN invalidation.
func (h *PhotoHandler) postFinalize(ctx context.Context, job models.Job, status string, result transform.Result, thumbKey, previewKey string, log zerolog.Logger) {
	if status == models.StatusCompleted && h.faces != nil {
		faces, err := h.faces.Extract(ctx, result.Preview)
		if err != nil {
			log.Warn().Err(err).Msg("face extraction failed")
		} else if len(faces) > 0 {
			if err := h.store.SaveFaceEmbeddings(ctx, job.PhotoID, faces); err != nil {
				log.Warn().Err(err).Msg("saving face embeddings failed")
			}
		}
	}

	if status == models.StatusCompleted {
		if err := h.store.IncrementAlbumCompleted(ctx, job.AlbumID); err != nil {
			log.Warn().Err(err).Msg("album counter increment failed, recounting")
			if err := h.store.RecountAlbumCompleted(ctx, job.AlbumID); err != nil {
				log.Warn().Err(err).Msg("album counter recount failed")
			}
		}
	}

	if h.cdn != nil {
		if err := h.cdn.Invalidate(ctx, []string{job.OriginalKey, thumbKey, previewKey}); err != nil {
			log.Warn().Err(err).Msg("cdn invalidation failed")
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
