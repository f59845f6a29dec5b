package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"photo-pipeline/internal/albumcache"
	"photo-pipeline/internal/config"
	"photo-pipeline/internal/models"
	"photo-pipeline/internal/objstore"
	"photo-pipeline/internal/telemetry"
	"photo-pipeline/internal/transform"
)

// MetadataStore is the persistence surface of the packager.
type MetadataStore interface {
	GetPhoto(ctx context.Context, id string) (models.PhotoRecord, error)
	CompletePackage(ctx context.Context, id, zipKey string, fileSize int64, downloadURL string, expiresAt time.Time) error
	FailPackage(ctx context.Context, id, cause string) error
}

// entry is one file destined for the archive.
type entry struct {
	name string
	data []byte
}

// Packager builds downloadable zip archives of album photos. Photos
// are fetched in small bounded batches so a large package cannot
// monopolize object-store bandwidth.
type Packager struct {
	cfg    config.Config
	store  MetadataStore
	blobs  objstore.Store
	albums *albumcache.Cache

	// pipeline renders a watermarked variant when a photo has no stored
	// preview to reuse.
	pipeline *transform.Pipeline
	log      zerolog.Logger
}

func New(cfg config.Config, st MetadataStore, blobs objstore.Store, albums *albumcache.Cache,
	pipeline *transform.Pipeline, log zerolog.Logger) *Packager {
	return &Packager{
		cfg:      cfg,
		store:    st,
		blobs:    blobs,
		albums:   albums,
		pipeline: pipeline,
		log:      log,
	}
}

// Build assembles the archive for one package job, uploads it, and
// records the presigned download URL. Individual photo failures are
// skipped; the build fails only when nothing could be packaged.
func (p *Packager) Build(ctx context.Context, job models.PackageJob) error {
	log := p.log.With().Str("package_id", job.PackageID).Str("album_id", job.AlbumID).Logger()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	count, err := p.collect(ctx, job, zw, log)
	if err != nil {
		p.fail(ctx, job.PackageID, err, log)
		return err
	}
	if count == 0 {
		err := errors.New("no photos could be packaged")
		p.fail(ctx, job.PackageID, err, log)
		return err
	}
	if err := zw.Close(); err != nil {
		err = fmt.Errorf("close zip: %w", err)
		p.fail(ctx, job.PackageID, err, log)
		return err
	}
	archive := buf.Bytes()

	zipKey := p.cfg.PackagePrefix + job.PackageID + ".zip"
	if err := p.upload(ctx, zipKey, archive); err != nil {
		p.fail(ctx, job.PackageID, fmt.Errorf("upload archive: %w", err), log)
		return err
	}

	url, err := p.blobs.PresignGet(ctx, zipKey, p.cfg.PackageURLTTL)
	if err != nil {
		p.fail(ctx, job.PackageID, fmt.Errorf("presign archive: %w", err), log)
		return err
	}

	expiresAt := time.Now().Add(p.cfg.PackageURLTTL)
	if err := p.store.CompletePackage(ctx, job.PackageID, zipKey, int64(len(archive)), url, expiresAt); err != nil {
		return fmt.Errorf("record package: %w", err)
	}

	telemetry.PackagesBuilt.Inc()
	log.Info().Int("entries", count).Int("bytes", len(archive)).Msg("package built")
	return nil
}

// collect gathers archive entries batch by batch and streams each
// finished batch into the zip writer, so entry bytes are released as
// soon as they are compressed. Only the composed archive is held in
// full. Returns the number of entries written.
func (p *Packager) collect(ctx context.Context, job models.PackageJob, zw *zip.Writer, log zerolog.Logger) (int, error) {
	batchSize := p.cfg.PackageBatchSize
	if batchSize <= 0 {
		batchSize = 5
	}

	total := 0
	for start := 0; start < len(job.PhotoIDs); start += batchSize {
		end := start + batchSize
		if end > len(job.PhotoIDs) {
			end = len(job.PhotoIDs)
		}

		var (
			mu      sync.Mutex
			entries []entry
		)
		g, gctx := errgroup.WithContext(ctx)
		for _, photoID := range job.PhotoIDs[start:end] {
			photoID := photoID
			g.Go(func() error {
				got, err := p.photoEntries(gctx, job, photoID)
				if err != nil {
					// Skip this photo; the rest of the package is
					// still worth building.
					log.Warn().Err(err).Str("photo_id", photoID).Msg("photo skipped from package")
					return nil
				}
				mu.Lock()
				entries = append(entries, got...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return total, err
		}

		// Goroutines append in arrival order; sort within the batch
		// for a stable archive layout.
		sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
		for _, e := range entries {
			if err := writeEntry(zw, e); err != nil {
				return total, err
			}
			total++
		}

		if end < len(job.PhotoIDs) && p.cfg.PackageBatchPause > 0 {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(p.cfg.PackageBatchPause):
			}
		}
	}
	return total, nil
}

func (p *Packager) photoEntries(ctx context.Context, job models.PackageJob, photoID string) ([]entry, error) {
	rec, err := p.store.GetPhoto(ctx, photoID)
	if err != nil {
		return nil, fmt.Errorf("load photo: %w", err)
	}
	if rec.DeletedAt != nil {
		return nil, errors.New("photo deleted")
	}

	// The original is downloaded at most once no matter how many
	// variants the job asks for.
	var original []byte
	fetchOriginal := func() ([]byte, error) {
		if original != nil {
			return original, nil
		}
		b, err := p.blobs.Get(ctx, rec.OriginalKey)
		if err != nil {
			return nil, err
		}
		original = b
		return b, nil
	}

	var out []entry
	if job.IncludeOriginal {
		b, err := fetchOriginal()
		if err != nil {
			return nil, fmt.Errorf("download original: %w", err)
		}
		out = append(out, entry{name: originalEntryName(rec), data: b})
	}

	if job.IncludeWatermarked {
		watermarked, err := p.watermarkedVariant(ctx, rec, fetchOriginal)
		if err != nil {
			return nil, fmt.Errorf("watermarked variant: %w", err)
		}
		out = append(out, entry{name: photoID + "_web.jpg", data: watermarked})
	}
	return out, nil
}

// watermarkedVariant prefers the stored preview, which already carries
// the album watermark. Photos processed before watermarking was enabled
// fall back to a fresh pipeline render.
func (p *Packager) watermarkedVariant(ctx context.Context, rec models.PhotoRecord, fetchOriginal func() ([]byte, error)) ([]byte, error) {
	if rec.PreviewKey != nil && *rec.PreviewKey != "" {
		preview, err := p.blobs.Get(ctx, *rec.PreviewKey)
		if err == nil {
			return preview, nil
		}
		if !objstore.IsNotFound(err) {
			return nil, err
		}
	}

	original, err := fetchOriginal()
	if err != nil {
		return nil, err
	}
	albumCfg, err := p.albums.Get(ctx, rec.AlbumID)
	if err != nil {
		return nil, err
	}
	opts := transform.Options{
		RotationOverride: rec.RotationOverride,
		PresetID:         albumCfg.PresetID,
	}
	if albumCfg.WatermarkEnabled {
		opts.Watermarks = albumCfg.Watermarks
	}
	result, err := p.pipeline.Run(ctx, original, opts)
	if err != nil {
		return nil, err
	}
	return result.Preview, nil
}

// writeEntry appends one file to the archive. JPEG payloads do not
// recompress; store them to keep builds fast. Everything else goes
// through deflate.
func writeEntry(zw *zip.Writer, e entry) error {
	method := zip.Deflate
	if ext := path.Ext(e.name); ext == ".jpg" || ext == ".jpeg" {
		method = zip.Store
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: method})
	if err != nil {
		return fmt.Errorf("create zip entry %q: %w", e.name, err)
	}
	if _, err := w.Write(e.data); err != nil {
		return fmt.Errorf("write zip entry %q: %w", e.name, err)
	}
	return nil
}

// upload streams large archives through the multipart API when the
// store supports it.
func (p *Packager) upload(ctx context.Context, key string, archive []byte) error {
	if int64(len(archive)) > p.cfg.MultipartThreshold {
		if m, ok := p.blobs.(objstore.Multipart); ok {
			return objstore.UploadLarge(ctx, m, key, bytes.NewReader(archive), objstore.MinPartSize, "application/zip")
		}
	}
	return p.blobs.Put(ctx, key, archive, "application/zip")
}

func (p *Packager) fail(ctx context.Context, packageID string, cause error, log zerolog.Logger) {
	telemetry.PackagesFailed.Inc()
	log.Error().Err(cause).Msg("package build failed")
	if err := p.store.FailPackage(ctx, packageID, cause.Error()); err != nil {
		log.Error().Err(err).Msg("recording package failure failed")
	}
}

func originalEntryName(rec models.PhotoRecord) string {
	ext := path.Ext(rec.OriginalKey)
	if ext == "" {
		ext = ".jpg"
	}
	return rec.ID + ext
}
