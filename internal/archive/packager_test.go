package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"photo-pipeline/internal/albumcache"
	"photo-pipeline/internal/config"
	"photo-pipeline/internal/models"
	"photo-pipeline/internal/objstore"
	"photo-pipeline/internal/store"
	"photo-pipeline/internal/transform"
)

type fakeMeta struct {
	photos    map[string]models.PhotoRecord
	completed *completedPackage
	failed    string
}

type completedPackage struct {
	id       string
	zipKey   string
	fileSize int64
	url      string
}

func (f *fakeMeta) GetPhoto(_ context.Context, id string) (models.PhotoRecord, error) {
	p, ok := f.photos[id]
	if !ok {
		return models.PhotoRecord{}, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeMeta) CompletePackage(_ context.Context, id, zipKey string, fileSize int64, downloadURL string, _ time.Time) error {
	f.completed = &completedPackage{id: id, zipKey: zipKey, fileSize: fileSize, url: downloadURL}
	return nil
}

func (f *fakeMeta) FailPackage(_ context.Context, id, cause string) error {
	f.failed = cause
	return nil
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 8), G: uint8(y * 10), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func newTestPackager(t *testing.T, meta *fakeMeta, blobs objstore.Store, albums map[string]models.AlbumConfig) *Packager {
	t.Helper()
	cfg := config.Config{
		PackagePrefix:      "packages/",
		PackageBatchSize:   3,
		PackageBatchPause:  time.Millisecond,
		PackageURLTTL:      24 * time.Hour,
		MultipartThreshold: 64 * 1024 * 1024,
		ThumbMaxEdge:       400,
		PreviewMaxEdge:     1920,
		ThumbQuality:       70,
		PreviewQuality:     88,
		LogoFetchTimeout:   time.Second,
		LogoMaxBytes:       1 << 20,
	}
	cache := albumcache.New(16, time.Minute, func(_ context.Context, albumID string) (models.AlbumConfig, error) {
		cfg, ok := albums[albumID]
		if !ok {
			return models.AlbumConfig{}, store.ErrNotFound
		}
		return cfg, nil
	})
	return New(cfg, meta, blobs, cache, transform.New(cfg, zerolog.Nop()), zerolog.Nop())
}

func readZip(t *testing.T, raw []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestBuildOriginalsOnly(t *testing.T) {
	meta := &fakeMeta{photos: make(map[string]models.PhotoRecord)}
	blobs := objstore.NewMemStore()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("p%d", i)
		key := "originals/" + id + ".jpg"
		meta.photos[id] = models.PhotoRecord{ID: id, AlbumID: "a1", OriginalKey: key, Status: models.StatusCompleted}
		_ = blobs.Put(ctx, key, []byte("jpeg-bytes-"+id), "image/jpeg")
		ids = append(ids, id)
	}

	p := newTestPackager(t, meta, blobs, map[string]models.AlbumConfig{"a1": {AlbumID: "a1"}})
	job := models.PackageJob{PackageID: "pkg1", AlbumID: "a1", PhotoIDs: ids, IncludeOriginal: true}
	if err := p.Build(ctx, job); err != nil {
		t.Fatalf("build: %v", err)
	}

	if meta.completed == nil {
		t.Fatal("package not recorded as completed")
	}
	if meta.completed.zipKey != "packages/pkg1.zip" {
		t.Fatalf("unexpected zip key %q", meta.completed.zipKey)
	}
	raw, err := blobs.Get(ctx, meta.completed.zipKey)
	if err != nil {
		t.Fatalf("fetch archive: %v", err)
	}
	names := readZip(t, raw)
	if len(names) != 7 {
		t.Fatalf("archive has %d entries, want 7: %v", len(names), names)
	}
}

func TestBuildWatermarkedPrefersStoredPreview(t *testing.T) {
	meta := &fakeMeta{photos: make(map[string]models.PhotoRecord)}
	blobs := objstore.NewMemStore()
	ctx := context.Background()

	previewKey := "previews/p1.jpg"
	previewBytes := []byte("already-watermarked-preview")
	meta.photos["p1"] = models.PhotoRecord{
		ID: "p1", AlbumID: "a1", OriginalKey: "originals/p1.jpg",
		PreviewKey: &previewKey, Status: models.StatusCompleted,
	}
	_ = blobs.Put(ctx, previewKey, previewBytes, "image/jpeg")

	p := newTestPackager(t, meta, blobs, map[string]models.AlbumConfig{"a1": {AlbumID: "a1", WatermarkEnabled: true}})
	job := models.PackageJob{PackageID: "pkg2", AlbumID: "a1", PhotoIDs: []string{"p1"}, IncludeWatermarked: true}
	if err := p.Build(ctx, job); err != nil {
		t.Fatalf("build: %v", err)
	}

	raw, _ := blobs.Get(ctx, "packages/pkg2.zip")
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "p1_web.jpg" {
		t.Fatalf("unexpected archive contents: %v", readZip(t, raw))
	}
	rc, _ := zr.File[0].Open()
	defer rc.Close()
	var got bytes.Buffer
	if _, err := got.ReadFrom(rc); err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if !bytes.Equal(got.Bytes(), previewBytes) {
		t.Fatal("stored preview should be reused verbatim")
	}
}

func TestBuildWatermarkedFallsBackToPipeline(t *testing.T) {
	meta := &fakeMeta{photos: make(map[string]models.PhotoRecord)}
	blobs := objstore.NewMemStore()
	ctx := context.Background()

	// No stored preview; the packager renders one from the original.
	meta.photos["p1"] = models.PhotoRecord{ID: "p1", AlbumID: "a1", OriginalKey: "originals/p1.png", Status: models.StatusCompleted}
	_ = blobs.Put(ctx, "originals/p1.png", testPNG(t), "image/png")

	p := newTestPackager(t, meta, blobs, map[string]models.AlbumConfig{"a1": {AlbumID: "a1"}})
	job := models.PackageJob{PackageID: "pkg3", AlbumID: "a1", PhotoIDs: []string{"p1"}, IncludeWatermarked: true}
	if err := p.Build(ctx, job); err != nil {
		t.Fatalf("build: %v", err)
	}

	raw, _ := blobs.Get(ctx, "packages/pkg3.zip")
	names := readZip(t, raw)
	if len(names) != 1 || names[0] != "p1_web.jpg" {
		t.Fatalf("unexpected archive contents: %v", names)
	}
}

func TestBuildSkipsFailingPhotos(t *testing.T) {
	meta := &fakeMeta{photos: make(map[string]models.PhotoRecord)}
	blobs := objstore.NewMemStore()
	ctx := context.Background()

	meta.photos["ok"] = models.PhotoRecord{ID: "ok", AlbumID: "a1", OriginalKey: "originals/ok.jpg", Status: models.StatusCompleted}
	_ = blobs.Put(ctx, "originals/ok.jpg", []byte("bytes"), "image/jpeg")
	// "gone" has a record but its original is missing from storage.
	meta.photos["gone"] = models.PhotoRecord{ID: "gone", AlbumID: "a1", OriginalKey: "originals/gone.jpg", Status: models.StatusCompleted}

	p := newTestPackager(t, meta, blobs, map[string]models.AlbumConfig{"a1": {AlbumID: "a1"}})
	job := models.PackageJob{PackageID: "pkg4", AlbumID: "a1", PhotoIDs: []string{"ok", "gone", "missing-record"}, IncludeOriginal: true}
	if err := p.Build(ctx, job); err != nil {
		t.Fatalf("build should tolerate partial failures: %v", err)
	}

	raw, _ := blobs.Get(ctx, "packages/pkg4.zip")
	names := readZip(t, raw)
	if len(names) != 1 || names[0] != "ok.jpg" {
		t.Fatalf("only the healthy photo should be packaged: %v", names)
	}
}

// countingStore records how often each key is downloaded.
type countingStore struct {
	objstore.Store
	mu   sync.Mutex
	gets map[string]int
}

func (c *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	c.gets[key]++
	c.mu.Unlock()
	return c.Store.Get(ctx, key)
}

func TestBuildDownloadsOriginalOnce(t *testing.T) {
	meta := &fakeMeta{photos: make(map[string]models.PhotoRecord)}
	mem := objstore.NewMemStore()
	blobs := &countingStore{Store: mem, gets: make(map[string]int)}
	ctx := context.Background()

	// No stored preview, so the watermarked variant needs the original
	// too; it must reuse the bytes fetched for the original entry.
	key := "originals/p1.png"
	meta.photos["p1"] = models.PhotoRecord{ID: "p1", AlbumID: "a1", OriginalKey: key, Status: models.StatusCompleted}
	_ = mem.Put(ctx, key, testPNG(t), "image/png")

	p := newTestPackager(t, meta, blobs, map[string]models.AlbumConfig{"a1": {AlbumID: "a1"}})
	job := models.PackageJob{
		PackageID: "pkg6", AlbumID: "a1", PhotoIDs: []string{"p1"},
		IncludeOriginal: true, IncludeWatermarked: true,
	}
	if err := p.Build(ctx, job); err != nil {
		t.Fatalf("build: %v", err)
	}

	raw, _ := mem.Get(ctx, "packages/pkg6.zip")
	names := readZip(t, raw)
	if len(names) != 2 {
		t.Fatalf("expected both variants, got %v", names)
	}
	if blobs.gets[key] != 1 {
		t.Fatalf("original downloaded %d times, want 1", blobs.gets[key])
	}
}

func TestBuildStreamsEntriesBatchByBatch(t *testing.T) {
	meta := &fakeMeta{photos: make(map[string]models.PhotoRecord)}
	blobs := objstore.NewMemStore()
	ctx := context.Background()

	// Batch size is 3, so ids split into {d,c,b} and {a}. Each batch
	// is sorted and written before the next starts; a whole-job sort
	// would put a first.
	ids := []string{"d", "c", "b", "a"}
	for _, id := range ids {
		key := "originals/" + id + ".jpg"
		meta.photos[id] = models.PhotoRecord{ID: id, AlbumID: "a1", OriginalKey: key, Status: models.StatusCompleted}
		_ = blobs.Put(ctx, key, []byte("bytes-"+id), "image/jpeg")
	}

	p := newTestPackager(t, meta, blobs, map[string]models.AlbumConfig{"a1": {AlbumID: "a1"}})
	job := models.PackageJob{PackageID: "pkg7", AlbumID: "a1", PhotoIDs: ids, IncludeOriginal: true}
	if err := p.Build(ctx, job); err != nil {
		t.Fatalf("build: %v", err)
	}

	raw, _ := blobs.Get(ctx, "packages/pkg7.zip")
	names := readZip(t, raw)
	want := []string{"b.jpg", "c.jpg", "d.jpg", "a.jpg"}
	if len(names) != len(want) {
		t.Fatalf("archive entries %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("archive entries %v, want %v", names, want)
		}
	}
}

func TestBuildFailsWhenNothingPackaged(t *testing.T) {
	meta := &fakeMeta{photos: make(map[string]models.PhotoRecord)}
	blobs := objstore.NewMemStore()

	p := newTestPackager(t, meta, blobs, map[string]models.AlbumConfig{"a1": {AlbumID: "a1"}})
	job := models.PackageJob{PackageID: "pkg5", AlbumID: "a1", PhotoIDs: []string{"nope"}, IncludeOriginal: true}
	if err := p.Build(context.Background(), job); err == nil {
		t.Fatal("empty package should fail the build")
	}
	if meta.failed == "" {
		t.Fatal("failure should be recorded on the package row")
	}
	if meta.completed != nil {
		t.Fatal("failed package must not be marked completed")
	}
}
