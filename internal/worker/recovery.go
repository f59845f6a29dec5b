package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"photo-pipeline/internal/config"
	"photo-pipeline/internal/models"
	"photo-pipeline/internal/objstore"
	"photo-pipeline/internal/queue"
	"photo-pipeline/internal/telemetry"
)

// RecoveryStore is the metadata surface of the startup sweep.
type RecoveryStore interface {
	ListStuckProcessing(ctx context.Context, threshold time.Duration, limit int) ([]models.PhotoRecord, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkPending(ctx context.Context, id string) error
}

// Enqueuer re-enqueues photo jobs during recovery. Satisfied by RedisQueue.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message, runAt time.Time) error
}

// RecoverStuck sweeps rows stuck in processing past the staleness
// threshold, typically after a worker crash. Rows whose derived
// artifacts already landed in storage are marked completed; the rest go
// back to pending and are re-enqueued. Run once at worker startup.
func RecoverStuck(ctx context.Context, st RecoveryStore, blobs objstore.Store, q Enqueuer, cfg config.Config, log zerolog.Logger) (int, error) {
	recovered := 0
	for {
		stuck, err := st.ListStuckProcessing(ctx, cfg.StuckThreshold, 100)
		if err != nil {
			return recovered, err
		}
		if len(stuck) == 0 {
			return recovered, nil
		}

		progressed := false
		for _, rec := range stuck {
			if done, err := derivedExist(ctx, blobs, rec); err == nil && done {
				if err := st.MarkCompleted(ctx, rec.ID); err != nil {
					log.Warn().Err(err).Str("photo_id", rec.ID).Msg("recovery mark completed failed")
					continue
				}
				log.Info().Str("photo_id", rec.ID).Msg("recovered stuck photo with existing artifacts")
			} else {
				if err := st.MarkPending(ctx, rec.ID); err != nil {
					log.Warn().Err(err).Str("photo_id", rec.ID).Msg("recovery mark pending failed")
					continue
				}
				msg, err := queue.NewMessage(queue.TypePhotoProcess, models.Job{
					PhotoID:     rec.ID,
					AlbumID:     rec.AlbumID,
					OriginalKey: rec.OriginalKey,
				})
				if err != nil {
					log.Error().Err(err).Str("photo_id", rec.ID).Msg("recovery enqueue marshal failed")
					continue
				}
				if err := q.Enqueue(ctx, msg, time.Now()); err != nil {
					log.Error().Err(err).Str("photo_id", rec.ID).Msg("recovery enqueue failed")
					continue
				}
				log.Info().Str("photo_id", rec.ID).Msg("requeued stuck photo")
			}
			telemetry.StuckReclaimed.Inc()
			recovered++
			progressed = true
		}
		if !progressed {
			// Every row in the batch failed to transition; bail rather
			// than loop on the same batch.
			return recovered, nil
		}
		if len(stuck) < 100 {
			return recovered, nil
		}
	}
}

func derivedExist(ctx context.Context, blobs objstore.Store, rec models.PhotoRecord) (bool, error) {
	if !rec.HasDerived() {
		return false, nil
	}
	for _, key := range []string{*rec.ThumbKey, *rec.PreviewKey} {
		ok, err := blobs.Exists(ctx, key)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
