package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"photo-pipeline/internal/albumcache"
	"photo-pipeline/internal/config"
	"photo-pipeline/internal/models"
	"photo-pipeline/internal/queue"
	"photo-pipeline/internal/ratelimit"
	"photo-pipeline/internal/reconcile"
	"photo-pipeline/internal/store"
	"photo-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for the ingestion and admin API.
type Server struct {
	cfg        config.Config
	store      *store.Store
	queue      *queue.RedisQueue
	limiter    *ratelimit.TokenBucket
	reconciler *reconcile.Reconciler
	albums     *albumcache.Cache
	log        zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, limiter *ratelimit.TokenBucket,
	rec *reconcile.Reconciler, albums *albumcache.Cache, log zerolog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		queue:      q,
		limiter:    limiter,
		reconciler: rec,
		albums:     albums,
		log:        log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/photos", s.handleCreatePhoto)
	r.Get("/photos/{id}", s.handleGetPhoto)
	r.Post("/photos/{id}/retry", s.handleRetryPhoto)
	r.Post("/photos/{id}/repair", s.handleRepairPhoto)
	r.Post("/packages", s.handleCreatePackage)
	r.Get("/packages/{id}", s.handleGetPackage)
	r.Post("/reconcile", s.handleReconcile)
	r.Post("/albums/{id}/invalidate-cache", s.handleInvalidateAlbum)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type createPhotoRequest struct {
	AlbumID          string `json:"album_id"`
	OriginalKey      string `json:"original_key"`
	RotationOverride *int   `json:"rotation_override"`
	IsRetouchUpload  bool   `json:"is_retouch_upload"`
}

func (s *Server) handleCreatePhoto(w http.ResponseWriter, r *http.Request) {
	var req createPhotoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.AlbumID == "" || req.OriginalKey == "" {
		http.Error(w, "album_id and original_key are required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), fmt.Sprintf("rl:album:%s", req.AlbumID))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	photo := models.PhotoRecord{
		ID:               uuid.New().String(),
		AlbumID:          req.AlbumID,
		OriginalKey:      req.OriginalKey,
		Status:           models.StatusPending,
		RotationOverride: req.RotationOverride,
	}
	if err := s.store.InsertPhoto(r.Context(), photo); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	job := models.Job{
		PhotoID:         photo.ID,
		AlbumID:         photo.AlbumID,
		OriginalKey:     photo.OriginalKey,
		IsRetouchUpload: req.IsRetouchUpload,
	}
	if err := s.enqueuePhotoJob(r, job); err != nil {
		msg := err.Error()
		_ = s.store.MarkFailed(r.Context(), photo.ID, msg)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, photo)
}

func (s *Server) handleGetPhoto(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	photo, err := s.store.GetPhoto(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "photo not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, photo)
}

// handleRetryPhoto re-enqueues a failed photo. The claim protocol on
// the worker side moves it failed -> processing.
func (s *Server) handleRetryPhoto(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	photo, err := s.store.GetPhoto(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "photo not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if photo.Status != models.StatusFailed {
		http.Error(w, "only failed photos can be retried", http.StatusConflict)
		return
	}

	job := models.Job{PhotoID: photo.ID, AlbumID: photo.AlbumID, OriginalKey: photo.OriginalKey}
	if err := s.enqueuePhotoJob(r, job); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retry enqueued"})
}

func (s *Server) handleRepairPhoto(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	issue, err := s.reconciler.RepairPhoto(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "photo not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

type createPackageRequest struct {
	AlbumID            string   `json:"album_id"`
	PhotoIDs           []string `json:"photo_ids"`
	IncludeWatermarked bool     `json:"include_watermarked"`
	IncludeOriginal    bool     `json:"include_original"`
}

func (s *Server) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	var req createPackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.AlbumID == "" || len(req.PhotoIDs) == 0 {
		http.Error(w, "album_id and photo_ids are required", http.StatusBadRequest)
		return
	}
	if !req.IncludeWatermarked && !req.IncludeOriginal {
		http.Error(w, "at least one variant must be included", http.StatusBadRequest)
		return
	}

	packageID := uuid.New().String()
	if err := s.store.CreatePackage(r.Context(), packageID, req.AlbumID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	msg, err := queue.NewMessage(queue.TypePackageBuild, models.PackageJob{
		PackageID:          packageID,
		AlbumID:            req.AlbumID,
		PhotoIDs:           req.PhotoIDs,
		IncludeWatermarked: req.IncludeWatermarked,
		IncludeOriginal:    req.IncludeOriginal,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.queue.Enqueue(r.Context(), msg, time.Now()); err != nil {
		_ = s.store.FailPackage(r.Context(), packageID, err.Error())
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"package_id": packageID, "status": models.PackagePending})
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pkg, err := s.store.GetPackage(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "package not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

type reconcileRequest struct {
	AlbumID           string `json:"album_id"`
	AutoFix           bool   `json:"auto_fix"`
	DeleteOrphanFiles bool   `json:"delete_orphan_files"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	report, err := s.reconciler.Run(r.Context(), reconcile.Options{
		AlbumID:           req.AlbumID,
		AutoFix:           req.AutoFix,
		DeleteOrphanFiles: req.DeleteOrphanFiles,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleInvalidateAlbum drops the cached config so the next job sees
// fresh album settings.
func (s *Server) handleInvalidateAlbum(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.albums.Invalidate(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

// handleDLQ returns the oldest dead-lettered messages.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) enqueuePhotoJob(r *http.Request, job models.Job) error {
	msg, err := queue.NewMessage(queue.TypePhotoProcess, job)
	if err != nil {
		return err
	}
	return s.queue.Enqueue(r.Context(), msg, time.Now())
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
