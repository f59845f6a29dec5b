package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"photo-pipeline/internal/models"
)

// ErrNotFound marks a missing row.
var ErrNotFound = errors.New("store: record not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const photoColumns = `id, album_id, original_key, thumb_key, preview_key, status, rotation_override,
	width, height, size_bytes, perceptual_hash, exif, captured_at, deleted_at, created_at, updated_at`

// GetPhoto fetches a photo row by id.
func (s *Store) GetPhoto(ctx context.Context, id string) (models.PhotoRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+photoColumns+` FROM photos WHERE id = $1`, id)
	return scanPhoto(row)
}

// InsertPhoto creates a pending photo row. Used by the ingestion path
// and by tests; processing never inserts.
func (s *Store) InsertPhoto(ctx context.Context, p models.PhotoRecord) error {
	status := p.Status
	if status == "" {
		status = models.StatusPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO photos (id, album_id, original_key, status, rotation_override, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`, p.ID, p.AlbumID, p.OriginalKey, status, p.RotationOverride)
	if err != nil {
		return fmt.Errorf("insert photo: %w", err)
	}
	return nil
}

// ClaimPending attempts the primary claim: pending -> processing,
// refusing soft-deleted rows. Returns false when no row matched.
func (s *Store) ClaimPending(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE photos SET status = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND deleted_at IS NULL
	`, id, models.StatusProcessing, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("claim pending: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimFailed transitions a failed row back to processing for the
// manual retry path.
func (s *Store) ClaimFailed(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE photos SET status = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3 AND deleted_at IS NULL
	`, id, models.StatusProcessing, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("claim failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TakeOverStale rewrites a processing row with a fresh updated_at when
// it has been stuck longer than threshold, presuming the prior worker
// crashed. The predicate keeps two takeovers from racing.
func (s *Store) TakeOverStale(ctx context.Context, id string, threshold time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE photos SET updated_at = NOW()
		WHERE id = $1 AND status = $2 AND deleted_at IS NULL AND updated_at < NOW() - $3::interval
	`, id, models.StatusProcessing, threshold.String())
	if err != nil {
		return false, fmt.Errorf("take over stale: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeParams carries the single atomic write that completes
// processing.
type FinalizeParams struct {
	ID             string
	Status         string
	ThumbKey       string
	PreviewKey     string
	Width          int
	Height         int
	SizeBytes      int64
	PerceptualHash string
	Exif           map[string]any
	CapturedAt     time.Time
}

// FinalizePhoto writes the processing outcome in one statement.
func (s *Store) FinalizePhoto(ctx context.Context, p FinalizeParams) error {
	exifJSON, err := json.Marshal(p.Exif)
	if err != nil {
		return fmt.Errorf("marshal exif: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE photos
		SET status = $2, thumb_key = $3, preview_key = $4, width = $5, height = $6,
		    size_bytes = $7, perceptual_hash = $8, exif = $9, captured_at = $10,
		    last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, p.ID, p.Status, p.ThumbKey, p.PreviewKey, p.Width, p.Height,
		p.SizeBytes, p.PerceptualHash, exifJSON, p.CapturedAt)
	if err != nil {
		return fmt.Errorf("finalize photo: %w", err)
	}
	return nil
}

// MarkFailed records a processing failure.
func (s *Store) MarkFailed(ctx context.Context, id string, cause string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE photos SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.StatusFailed, cause)
	return err
}

// MarkPending resets a row for reprocessing. Derived keys are cleared
// so only finished rows ever reference thumb or preview objects; the
// next processing pass recomputes the same deterministic keys and
// overwrites the objects in place.
func (s *Store) MarkPending(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE photos SET status = $2, thumb_key = NULL, preview_key = NULL, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.StatusPending)
	return err
}

// MarkCompleted transitions a row to completed without touching derived
// keys. Used by the recovery sweep when artifacts already exist.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE photos SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, id, models.StatusCompleted)
	return err
}

// DeletePhoto removes a row outright. Reserved for records whose upload
// never landed in storage.
func (s *Store) DeletePhoto(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM photos WHERE id = $1`, id)
	return err
}

// ListActivePhotos pages through non-deleted rows, optionally scoped to
// one album. Keyset pagination on id keeps batches stable for the
// reconciler.
func (s *Store) ListActivePhotos(ctx context.Context, albumID string, afterID string, limit int) ([]models.PhotoRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+photoColumns+` FROM photos
		WHERE deleted_at IS NULL
		  AND ($1 = '' OR album_id = $1)
		  AND id > $2
		ORDER BY id
		LIMIT $3
	`, albumID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list photos: %w", err)
	}
	defer rows.Close()

	var photos []models.PhotoRecord
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

// ListStuckProcessing returns rows left in processing past threshold.
func (s *Store) ListStuckProcessing(ctx context.Context, threshold time.Duration, limit int) ([]models.PhotoRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+photoColumns+` FROM photos
		WHERE status = $1 AND deleted_at IS NULL AND updated_at < NOW() - $2::interval
		ORDER BY updated_at
		LIMIT $3
	`, models.StatusProcessing, threshold.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck photos: %w", err)
	}
	defer rows.Close()

	var photos []models.PhotoRecord
	for rows.Next() {
		p, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, p)
	}
	return photos, rows.Err()
}

// GetAlbumConfig loads per-album processing configuration, normalizing
// the stored watermark blob to the multi-watermark form.
func (s *Store) GetAlbumConfig(ctx context.Context, albumID string) (models.AlbumConfig, error) {
	var (
		cfg          models.AlbumConfig
		watermarkRaw []byte
		presetID     pgtype.Text
		aiRetouch    pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, watermark_enabled, watermark_config, preset_id, human_retouch, ai_retouch
		FROM albums WHERE id = $1
	`, albumID).Scan(&cfg.AlbumID, &cfg.WatermarkEnabled, &watermarkRaw, &presetID, &cfg.HumanRetouch, &aiRetouch)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AlbumConfig{}, ErrNotFound
	}
	if err != nil {
		return models.AlbumConfig{}, fmt.Errorf("query album config: %w", err)
	}
	if presetID.Valid {
		cfg.PresetID = presetID.String
	}
	if aiRetouch.Valid {
		cfg.AIRetouch = models.RetouchMode(aiRetouch.String)
	}
	watermarks, err := models.NormalizeWatermarks(watermarkRaw)
	if err != nil {
		return models.AlbumConfig{}, fmt.Errorf("album %s: %w", albumID, err)
	}
	cfg.Watermarks = watermarks
	return cfg, nil
}

// IncrementAlbumCompleted bumps the album counter atomically.
func (s *Store) IncrementAlbumCompleted(ctx context.Context, albumID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE albums SET completed_count = completed_count + 1, updated_at = NOW() WHERE id = $1
	`, albumID)
	if err != nil {
		return fmt.Errorf("increment completed count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecountAlbumCompleted recomputes the counter from the photos table
// and writes the absolute value. Fallback when the increment RPC is
// unavailable.
func (s *Store) RecountAlbumCompleted(ctx context.Context, albumID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE albums SET completed_count = (
			SELECT COUNT(*) FROM photos
			WHERE album_id = $1 AND status = $2 AND deleted_at IS NULL
		), updated_at = NOW()
		WHERE id = $1
	`, albumID, models.StatusCompleted)
	return err
}

func scanPhoto(row pgx.Row) (models.PhotoRecord, error) {
	var (
		p          models.PhotoRecord
		thumbKey   pgtype.Text
		previewKey pgtype.Text
		rotation   pgtype.Int4
		exifJSON   []byte
		capturedAt pgtype.Timestamptz
		deletedAt  pgtype.Timestamptz
	)
	err := row.Scan(&p.ID, &p.AlbumID, &p.OriginalKey, &thumbKey, &previewKey, &p.Status, &rotation,
		&p.Width, &p.Height, &p.SizeBytes, &p.PerceptualHash, &exifJSON, &capturedAt, &deletedAt,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PhotoRecord{}, ErrNotFound
	}
	if err != nil {
		return models.PhotoRecord{}, fmt.Errorf("scan photo: %w", err)
	}
	if thumbKey.Valid {
		p.ThumbKey = &thumbKey.String
	}
	if previewKey.Valid {
		p.PreviewKey = &previewKey.String
	}
	if rotation.Valid {
		v := int(rotation.Int32)
		p.RotationOverride = &v
	}
	if len(exifJSON) > 0 {
		if err := json.Unmarshal(exifJSON, &p.Exif); err != nil {
			return models.PhotoRecord{}, fmt.Errorf("unmarshal exif: %w", err)
		}
	}
	if capturedAt.Valid {
		p.CapturedAt = capturedAt.Time
	}
	if deletedAt.Valid {
		p.DeletedAt = &deletedAt.Time
	}
	return p, nil
}
