package models

import "time"

// Package download job terminal states.
const (
	PackagePending   = "pending"
	PackageCompleted = "completed"
	PackageFailed    = "failed"
)

// PackageJob is the queue message for an archive build.
type PackageJob struct {
	PackageID          string   `json:"package_id"`
	AlbumID            string   `json:"album_id"`
	PhotoIDs           []string `json:"photo_ids"`
	IncludeWatermarked bool     `json:"include_watermarked"`
	IncludeOriginal    bool     `json:"include_original"`
}

// PackageDownload is the persisted outcome of an archive build.
type PackageDownload struct {
	ID          string     `json:"id"`
	AlbumID     string     `json:"album_id"`
	Status      string     `json:"status"`
	ZipKey      string     `json:"zip_key,omitempty"`
	FileSize    int64      `json:"file_size,omitempty"`
	DownloadURL string     `json:"download_url,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
