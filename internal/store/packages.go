package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"photo-pipeline/internal/models"
)

// CreatePackage inserts a pending package_downloads row.
func (s *Store) CreatePackage(ctx context.Context, id, albumID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO package_downloads (id, album_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
	`, id, albumID, models.PackagePending)
	if err != nil {
		return fmt.Errorf("insert package: %w", err)
	}
	return nil
}

// CompletePackage records a finished archive build.
func (s *Store) CompletePackage(ctx context.Context, id, zipKey string, fileSize int64, downloadURL string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE package_downloads
		SET status = $2, zip_key = $3, file_size = $4, download_url = $5, expires_at = $6,
		    last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.PackageCompleted, zipKey, fileSize, downloadURL, expiresAt)
	return err
}

// FailPackage records a terminal archive failure.
func (s *Store) FailPackage(ctx context.Context, id, cause string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE package_downloads SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.PackageFailed, cause)
	return err
}

// GetPackage fetches one package_downloads row.
func (s *Store) GetPackage(ctx context.Context, id string) (models.PackageDownload, error) {
	var (
		p         models.PackageDownload
		zipKey    pgtype.Text
		url       pgtype.Text
		expiresAt pgtype.Timestamptz
		lastErr   pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, album_id, status, zip_key, file_size, download_url, expires_at, last_error, created_at, updated_at
		FROM package_downloads WHERE id = $1
	`, id).Scan(&p.ID, &p.AlbumID, &p.Status, &zipKey, &p.FileSize, &url, &expiresAt, &lastErr, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PackageDownload{}, ErrNotFound
	}
	if err != nil {
		return models.PackageDownload{}, fmt.Errorf("scan package: %w", err)
	}
	if zipKey.Valid {
		p.ZipKey = zipKey.String
	}
	if url.Valid {
		p.DownloadURL = url.String
	}
	if expiresAt.Valid {
		p.ExpiresAt = &expiresAt.Time
	}
	if lastErr.Valid {
		p.LastError = &lastErr.String
	}
	return p, nil
}

// FaceEmbedding is one detected face from the extraction service.
type FaceEmbedding struct {
	Embedding []float64 `json:"embedding"`
	BBox      []int     `json:"bbox"`
	DetScore  float64   `json:"det_score"`
}

// SaveFaceEmbeddings persists extracted face vectors for a photo,
// replacing any from a previous processing run.
func (s *Store) SaveFaceEmbeddings(ctx context.Context, photoID string, faces []FaceEmbedding) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM photo_faces WHERE photo_id = $1`, photoID); err != nil {
		return fmt.Errorf("clear faces: %w", err)
	}
	for _, f := range faces {
		embedding, err := json.Marshal(f.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		bbox, err := json.Marshal(f.BBox)
		if err != nil {
			return fmt.Errorf("marshal bbox: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO photo_faces (photo_id, embedding, bbox, det_score, created_at)
			VALUES ($1, $2, $3, $4, NOW())
		`, photoID, embedding, bbox, f.DetScore); err != nil {
			return fmt.Errorf("insert face: %w", err)
		}
	}
	return tx.Commit(ctx)
}
