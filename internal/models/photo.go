package models

import (
	"time"
)

// PhotoStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending        = "pending"
	StatusProcessing     = "processing"
	StatusCompleted      = "completed"
	StatusPendingRetouch = "pending_retouch"
	StatusFailed         = "failed"
)

// PhotoRecord represents one uploaded image and its derived artifacts.
//
// ThumbKey/PreviewKey are non-nil only once derivatives exist, which
// coincides with status completed or pending_retouch. UpdatedAt doubles
// as the staleness marker for stuck-job detection.
type PhotoRecord struct {
	ID               string         `json:"id"`
	AlbumID          string         `json:"album_id"`
	OriginalKey      string         `json:"original_key"`
	ThumbKey         *string        `json:"thumb_key,omitempty"`
	PreviewKey       *string        `json:"preview_key,omitempty"`
	Status           string         `json:"status"`
	RotationOverride *int           `json:"rotation_override,omitempty"`
	Width            int            `json:"width"`
	Height           int            `json:"height"`
	SizeBytes        int64          `json:"size_bytes"`
	PerceptualHash   string         `json:"perceptual_hash"`
	Exif             map[string]any `json:"exif,omitempty"`
	CapturedAt       time.Time      `json:"captured_at"`
	DeletedAt        *time.Time     `json:"deleted_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// HasDerived reports whether both derived artifact keys are recorded.
func (p PhotoRecord) HasDerived() bool {
	return p.ThumbKey != nil && *p.ThumbKey != "" && p.PreviewKey != nil && *p.PreviewKey != ""
}

// RetouchMode selects the lightweight retouch heuristic.
type RetouchMode string

const (
	RetouchOff       RetouchMode = ""
	RetouchAuto      RetouchMode = "auto"
	RetouchPortrait  RetouchMode = "portrait"
	RetouchLandscape RetouchMode = "landscape"
)

// AlbumConfig is the per-album processing configuration read by job
// handlers. The core treats it as read-only; the admin layer owns writes
// and signals invalidation through the cache.
type AlbumConfig struct {
	AlbumID          string      `json:"album_id"`
	WatermarkEnabled bool        `json:"watermark_enabled"`
	Watermarks       []Watermark `json:"watermarks,omitempty"`
	PresetID         string      `json:"preset_id,omitempty"`
	HumanRetouch     bool        `json:"human_retouch"`
	AIRetouch        RetouchMode `json:"ai_retouch,omitempty"`
}

// Job is the immutable queue message for one photo. Once claimed, all
// further mutation happens through the PhotoRecord row.
type Job struct {
	PhotoID         string `json:"photo_id"`
	AlbumID         string `json:"album_id"`
	OriginalKey     string `json:"original_key"`
	IsRetouchUpload bool   `json:"is_retouch_upload"`
}
