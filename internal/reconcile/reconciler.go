package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"photo-pipeline/internal/alert"
	"photo-pipeline/internal/config"
	"photo-pipeline/internal/models"
	"photo-pipeline/internal/objstore"
	"photo-pipeline/internal/queue"
	"photo-pipeline/internal/telemetry"
)

// MetadataStore is the persistence surface of the reconciler.
type MetadataStore interface {
	ListActivePhotos(ctx context.Context, albumID, afterID string, limit int) ([]models.PhotoRecord, error)
	GetPhoto(ctx context.Context, id string) (models.PhotoRecord, error)
	MarkPending(ctx context.Context, id string) error
	DeletePhoto(ctx context.Context, id string) error
}

// Enqueuer re-enqueues repaired photos for reprocessing.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message, runAt time.Time) error
}

// Options scope one reconciler run.
type Options struct {
	// AlbumID limits the sweep to one album. Orphaned-file detection
	// needs the full record set and only runs on unscoped sweeps.
	AlbumID string
	// AutoFix applies repairs instead of only reporting.
	AutoFix bool
	// DeleteOrphanFiles also removes unowned storage objects. Off by
	// default: an unowned object may be a mid-upload original.
	DeleteOrphanFiles bool
}

// Reconciler cross-checks photo records against the object store and
// classifies every divergence.
type Reconciler struct {
	cfg    config.Config
	store  MetadataStore
	blobs  objstore.Store
	queue  Enqueuer
	alerts alert.Sink
	log    zerolog.Logger
}

func New(cfg config.Config, st MetadataStore, blobs objstore.Store, q Enqueuer, alerts alert.Sink, log zerolog.Logger) *Reconciler {
	if alerts == nil {
		alerts = alert.Nop{}
	}
	return &Reconciler{cfg: cfg, store: st, blobs: blobs, queue: q, alerts: alerts, log: log}
}

// Run sweeps records in keyset batches, checking each photo's storage
// objects with bounded parallelism. The returned report carries counts
// plus a capped sample of issues per category.
func (r *Reconciler) Run(ctx context.Context, opts Options) (models.ConsistencyReport, error) {
	report := models.ConsistencyReport{AlbumID: opts.AlbumID, StartedAt: time.Now()}
	collector := newCollector(r.cfg.ReconcileAlertLimit)

	ownedKeys := make(map[string]struct{})
	afterID := ""
	for {
		batch, err := r.store.ListActivePhotos(ctx, opts.AlbumID, afterID, r.cfg.ReconcileBatchSize)
		if err != nil {
			return report, fmt.Errorf("list photos: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		afterID = batch[len(batch)-1].ID

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.ReconcileParallelism)
		for _, rec := range batch {
			rec := rec
			for _, key := range recordKeys(rec) {
				ownedKeys[key] = struct{}{}
			}
			g.Go(func() error {
				issue, err := r.checkRecord(gctx, rec, opts.AutoFix)
				if err != nil {
					return err
				}
				collector.add(issue)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return report, err
		}

		if len(batch) < r.cfg.ReconcileBatchSize {
			break
		}
	}

	if opts.AlbumID == "" {
		if err := r.sweepOrphanFiles(ctx, ownedKeys, opts, collector); err != nil {
			return report, err
		}
	}

	collector.fill(&report)
	report.Elapsed = time.Since(report.StartedAt)

	telemetry.ReconcileIssues.Add(float64(report.TotalIssues()))
	r.emitAlert(ctx, opts, report)
	return report, nil
}

// RepairPhoto re-checks and repairs a single record. Used by the API
// for targeted fixes without a full sweep.
func (r *Reconciler) RepairPhoto(ctx context.Context, photoID string) (models.ConsistencyIssue, error) {
	rec, err := r.store.GetPhoto(ctx, photoID)
	if err != nil {
		return models.ConsistencyIssue{}, err
	}
	issue, err := r.checkRecord(ctx, rec, true)
	if err != nil {
		return models.ConsistencyIssue{}, err
	}
	if issue == nil {
		return models.ConsistencyIssue{PhotoID: photoID}, nil
	}
	return *issue, nil
}

// checkRecord classifies one record. A nil issue means consistent.
func (r *Reconciler) checkRecord(ctx context.Context, rec models.PhotoRecord, autoFix bool) (*models.ConsistencyIssue, error) {
	originalOK, err := r.blobs.Exists(ctx, rec.OriginalKey)
	if err != nil {
		return nil, fmt.Errorf("check original %s: %w", rec.OriginalKey, err)
	}
	if !originalOK {
		issue := &models.ConsistencyIssue{
			Category:    models.IssueOrphanedRecord,
			PhotoID:     rec.ID,
			MissingKeys: []string{rec.OriginalKey},
		}
		// Only a pending row is safe to delete: the upload never
		// landed and nothing references it. Any other status still
		// owns derived objects and metadata, so it is reported only.
		if autoFix && rec.Status == models.StatusPending {
			if err := r.store.DeletePhoto(ctx, rec.ID); err != nil {
				return issue, fmt.Errorf("delete orphaned record %s: %w", rec.ID, err)
			}
			issue.Repaired = true
			telemetry.ReconcileRepairs.Inc()
			r.log.Info().Str("photo_id", rec.ID).Msg("deleted record without original")
		}
		return issue, nil
	}

	if rec.Status != models.StatusCompleted && rec.Status != models.StatusPendingRetouch {
		return nil, nil
	}

	missing, err := r.missingDerived(ctx, rec)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		return nil, nil
	}

	issue := &models.ConsistencyIssue{
		Category:    models.IssueInconsistent,
		PhotoID:     rec.ID,
		MissingKeys: missing,
	}
	if autoFix {
		if err := r.store.MarkPending(ctx, rec.ID); err != nil {
			return issue, fmt.Errorf("reset inconsistent record %s: %w", rec.ID, err)
		}
		if r.queue != nil {
			msg, err := queue.NewMessage(queue.TypePhotoProcess, models.Job{
				PhotoID:     rec.ID,
				AlbumID:     rec.AlbumID,
				OriginalKey: rec.OriginalKey,
			})
			if err == nil {
				if err := r.queue.Enqueue(ctx, msg, time.Now()); err != nil {
					r.log.Warn().Err(err).Str("photo_id", rec.ID).Msg("requeue after repair failed")
				}
			}
		}
		issue.Repaired = true
		telemetry.ReconcileRepairs.Inc()
		r.log.Info().Str("photo_id", rec.ID).Strs("missing", missing).Msg("reset record with missing derivatives")
	}
	return issue, nil
}

// missingDerived returns derived keys the record claims but storage
// lacks. Unset keys count as missing since a completed record must have
// them.
func (r *Reconciler) missingDerived(ctx context.Context, rec models.PhotoRecord) ([]string, error) {
	var missing []string
	for _, key := range []struct {
		name string
		val  *string
	}{
		{"thumb", rec.ThumbKey},
		{"preview", rec.PreviewKey},
	} {
		if key.val == nil || *key.val == "" {
			missing = append(missing, key.name+" key unset")
			continue
		}
		ok, err := r.blobs.Exists(ctx, *key.val)
		if err != nil {
			return nil, fmt.Errorf("check %s %s: %w", key.name, *key.val, err)
		}
		if !ok {
			missing = append(missing, *key.val)
		}
	}
	return missing, nil
}

// sweepOrphanFiles lists the managed prefixes and flags objects no
// active record owns.
func (r *Reconciler) sweepOrphanFiles(ctx context.Context, owned map[string]struct{}, opts Options, c *collector) error {
	for _, prefix := range []string{r.cfg.OriginalPrefix, r.cfg.ThumbPrefix, r.cfg.PreviewPrefix} {
		objects, err := r.blobs.List(ctx, prefix)
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range objects {
			if _, ok := owned[obj.Key]; ok {
				continue
			}
			issue := &models.ConsistencyIssue{Category: models.IssueOrphanedFile, Key: obj.Key}
			if opts.AutoFix && opts.DeleteOrphanFiles {
				if err := r.blobs.Delete(ctx, obj.Key); err != nil && !objstore.IsNotFound(err) {
					r.log.Warn().Err(err).Str("key", obj.Key).Msg("orphaned object not deleted")
				} else {
					issue.Repaired = true
					telemetry.ReconcileRepairs.Inc()
				}
			}
			c.add(issue)
		}
	}
	return nil
}

func (r *Reconciler) emitAlert(ctx context.Context, opts Options, report models.ConsistencyReport) {
	total := report.TotalIssues()
	// Dry runs always emit their report, clean or not; auto-fix runs
	// alert only when something was found.
	if total == 0 && opts.AutoFix {
		return
	}
	level := alert.LevelInfo
	if total > 0 {
		level = alert.LevelWarning
	}
	if total > r.cfg.ReconcileAlertLimit {
		level = alert.LevelCritical
	}
	ev := alert.Event{
		Title:   "storage consistency issues",
		Message: fmt.Sprintf("%d issues across %d checked photos", total, report.Checked),
		Level:   level,
		Metadata: map[string]any{
			"album_id":         report.AlbumID,
			"inconsistent":     report.Inconsistent,
			"orphaned_records": report.OrphanRecords,
			"orphaned_files":   report.OrphanFiles,
		},
	}
	if err := r.alerts.Send(ctx, ev); err != nil {
		r.log.Warn().Err(err).Msg("consistency alert not delivered")
	}
}

func recordKeys(rec models.PhotoRecord) []string {
	keys := []string{rec.OriginalKey}
	if rec.ThumbKey != nil && *rec.ThumbKey != "" {
		keys = append(keys, *rec.ThumbKey)
	}
	if rec.PreviewKey != nil && *rec.PreviewKey != "" {
		keys = append(keys, *rec.PreviewKey)
	}
	return keys
}

// collector accumulates classification results under a mutex, sampling
// at most sampleCap issues per category.
type collector struct {
	mu        sync.Mutex
	sampleCap int
	checked   int
	clean     int
	counts    map[string]int
	samples   map[string][]models.ConsistencyIssue
}

func newCollector(sampleCap int) *collector {
	if sampleCap <= 0 {
		sampleCap = 10
	}
	return &collector{
		sampleCap: sampleCap,
		counts:    make(map[string]int),
		samples:   make(map[string][]models.ConsistencyIssue),
	}
}

func (c *collector) add(issue *models.ConsistencyIssue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if issue == nil || issue.Category == "" {
		c.checked++
		c.clean++
		return
	}
	if issue.Category != models.IssueOrphanedFile {
		c.checked++
	}
	c.counts[issue.Category]++
	if len(c.samples[issue.Category]) < c.sampleCap {
		c.samples[issue.Category] = append(c.samples[issue.Category], *issue)
	}
}

func (c *collector) fill(report *models.ConsistencyReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	report.Checked = c.checked
	report.Consistent = c.clean
	report.Inconsistent = c.counts[models.IssueInconsistent]
	report.OrphanRecords = c.counts[models.IssueOrphanedRecord]
	report.OrphanFiles = c.counts[models.IssueOrphanedFile]
	for _, category := range []string{models.IssueInconsistent, models.IssueOrphanedRecord, models.IssueOrphanedFile} {
		report.Issues = append(report.Issues, c.samples[category]...)
	}
}
