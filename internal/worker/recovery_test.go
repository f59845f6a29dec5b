package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"photo-pipeline/internal/models"
	"photo-pipeline/internal/objstore"
	"photo-pipeline/internal/queue"
)

type captureEnqueuer struct {
	msgs []queue.Message
}

func (c *captureEnqueuer) Enqueue(_ context.Context, msg queue.Message, _ time.Time) error {
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestRecoverStuckCompletesWhenArtifactsExist(t *testing.T) {
	st := newFakeStore()
	blobs := objstore.NewMemStore()
	q := &captureEnqueuer{}
	ctx := context.Background()

	seedPhoto(st, "p1", "a1", "originals/p1.jpg", models.StatusProcessing, 10*time.Minute)
	thumb, preview := "thumbs/p1.jpg", "previews/p1.jpg"
	st.photos["p1"].ThumbKey = &thumb
	st.photos["p1"].PreviewKey = &preview
	_ = blobs.Put(ctx, thumb, []byte("t"), "image/jpeg")
	_ = blobs.Put(ctx, preview, []byte("p"), "image/jpeg")

	n, err := RecoverStuck(ctx, st, blobs, q, testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	rec, _ := st.GetPhoto(ctx, "p1")
	if rec.Status != models.StatusCompleted {
		t.Fatalf("photo with landed artifacts should complete, got %q", rec.Status)
	}
	if len(q.msgs) != 0 {
		t.Fatal("completed photo must not be requeued")
	}
}

func TestRecoverStuckRequeuesWhenArtifactsMissing(t *testing.T) {
	st := newFakeStore()
	blobs := objstore.NewMemStore()
	q := &captureEnqueuer{}
	ctx := context.Background()

	seedPhoto(st, "p2", "a2", "originals/p2.jpg", models.StatusProcessing, 10*time.Minute)

	n, err := RecoverStuck(ctx, st, blobs, q, testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	rec, _ := st.GetPhoto(ctx, "p2")
	if rec.Status != models.StatusPending {
		t.Fatalf("photo without artifacts should go back to pending, got %q", rec.Status)
	}
	if len(q.msgs) != 1 {
		t.Fatalf("expected one requeued job, got %d", len(q.msgs))
	}
	var job models.Job
	if err := json.Unmarshal(q.msgs[0].Payload, &job); err != nil {
		t.Fatalf("decode requeued job: %v", err)
	}
	if job.PhotoID != "p2" || job.OriginalKey != "originals/p2.jpg" {
		t.Fatalf("unexpected requeued job %+v", job)
	}
}

func TestRecoverStuckIgnoresFreshProcessing(t *testing.T) {
	st := newFakeStore()
	blobs := objstore.NewMemStore()
	q := &captureEnqueuer{}

	seedPhoto(st, "p3", "a3", "originals/p3.jpg", models.StatusProcessing, time.Second)

	n, err := RecoverStuck(context.Background(), st, blobs, q, testConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 0 {
		t.Fatalf("fresh processing rows must be left alone, recovered %d", n)
	}
}
