package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"photo-pipeline/internal/models"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	q := &RedisQueue{
		client:        redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		readyKey:      "photos:ready",
		inflightKey:   "photos:inflight",
		scheduledKey:  "photos:scheduled",
		visibilityTTL: 30 * time.Second,
		dlqKey:        "photos:dlq",
	}
	return q, mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	msg, err := NewMessage(TypePhotoProcess, models.Job{PhotoID: "p1", AlbumID: "a1", OriginalKey: "originals/p1.jpg"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := q.Enqueue(ctx, msg, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	depth, err := q.ReadyDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("expected depth 1, got %d err=%v", depth, err)
	}

	d, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if d == nil {
		t.Fatal("expected a delivery")
	}
	if d.Message.Type != TypePhotoProcess {
		t.Fatalf("unexpected type %q", d.Message.Type)
	}

	var job models.Job
	if err := json.Unmarshal(d.Message.Payload, &job); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if job.PhotoID != "p1" {
		t.Fatalf("unexpected photo id %q", job.PhotoID)
	}

	// Queue drained, message leased.
	if d2, err := q.Dequeue(ctx); err != nil || d2 != nil {
		t.Fatalf("expected empty dequeue, got %v err=%v", d2, err)
	}

	if err := q.Ack(ctx, *d); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	q.visibilityTTL = 10 * time.Millisecond

	msg, _ := NewMessage(TypePhotoProcess, models.Job{PhotoID: "p2"})
	if err := q.Enqueue(ctx, msg, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Lease not yet expired: nothing to reclaim.
	n, err := q.RequeueExpired(ctx, time.Now().Add(-time.Second), 10)
	if err != nil || n != 0 {
		t.Fatalf("expected no reclaims, got %d err=%v", n, err)
	}

	n, err = q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaim, got %d", n)
	}

	d, err := q.Dequeue(ctx)
	if err != nil || d == nil {
		t.Fatalf("expected redelivery, got %v err=%v", d, err)
	}
	if d.Message.ID != msg.ID {
		t.Fatalf("expected same message id after reclaim")
	}
}

func TestScheduledPromotion(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	msg, _ := NewMessage(TypePackageBuild, models.PackageJob{PackageID: "pkg1"})
	runAt := time.Now().Add(time.Hour)
	if err := q.Enqueue(ctx, msg, runAt); err != nil {
		t.Fatalf("enqueue scheduled: %v", err)
	}

	if d, err := q.Dequeue(ctx); err != nil || d != nil {
		t.Fatalf("scheduled message should not be ready, got %v err=%v", d, err)
	}

	n, err := q.PromoteScheduled(ctx, runAt.Add(time.Second), 100)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promotion, got %d", n)
	}

	d, err := q.Dequeue(ctx)
	if err != nil || d == nil {
		t.Fatalf("expected delivery after promotion, got %v err=%v", d, err)
	}
	if d.Message.Type != TypePackageBuild {
		t.Fatalf("unexpected type %q", d.Message.Type)
	}
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	msg, _ := NewMessage(TypePhotoProcess, models.Job{PhotoID: "p3"})
	if err := q.Enqueue(ctx, msg, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d, err := q.Dequeue(ctx)
	if err != nil || d == nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.DLQPush(ctx, *d); err != nil {
		t.Fatalf("dlq push: %v", err)
	}

	msgs, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Fatalf("expected dead-lettered message, got %+v", msgs)
	}

	// Dead-lettered message no longer reclaims from inflight.
	n, err := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10)
	if err != nil || n != 0 {
		t.Fatalf("expected no reclaims after DLQ, got %d err=%v", n, err)
	}
}
