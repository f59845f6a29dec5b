package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"photo-pipeline/internal/config"
)

// Message types routed to worker handlers.
const (
	TypePhotoProcess = "photo.process"
	TypePackageBuild = "package.build"
)

// Message is the envelope stored on the queue. The payload is immutable
// once enqueued; retry state lives on the envelope.
type Message struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Attempts int             `json:"attempts"`
}

// NewMessage wraps a payload value in an envelope with a fresh id.
func NewMessage(msgType string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Message{ID: uuid.New().String(), Type: msgType, Payload: raw}, nil
}

// Delivery is one dequeued message plus the raw member needed to ack it.
type Delivery struct {
	Message Message
	raw     string
}

// Raw returns the wire form of the delivery, used for lease extension
// and dead-lettering.
func (d Delivery) Raw() string { return d.raw }

// RedisQueue coordinates ready, in-flight, and scheduled job queues in Redis.
// Dequeued messages are leased with a visibility timeout; leases that
// expire are moved back to ready, giving at-least-once delivery.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 60 * time.Second
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "photos:ready",
		inflightKey:   "photos:inflight",
		scheduledKey:  "photos:scheduled",
		visibilityTTL: visibility,
		dlqKey:        cfg.DLQName,
	}
}

// Client exposes the underlying redis client for components that share
// the connection (rate limiter).
func (q *RedisQueue) Client() *redis.Client { return q.client }

// Enqueue pushes a message onto the ready queue, or the scheduled set
// when runAt is in the future.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message, runAt time.Time) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if runAt.After(time.Now()) {
		return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: raw,
		}).Err()
	}
	return q.client.RPush(ctx, q.readyKey, raw).Err()
}

// Schedule places a message into the scheduled set for deferred delivery.
func (q *RedisQueue) Schedule(ctx context.Context, msg Message, runAt time.Time) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: raw,
	}).Err()
}

// PromoteScheduled moves due scheduled messages into the ready queue.
// It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	raws, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(raws) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, raw := range raws {
		pipe.ZRem(ctx, q.scheduledKey, raw)
		pipe.RPush(ctx, q.readyKey, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(raws), nil
}

// Dequeue pops a message and places it into inflight with a visibility
// timeout. Returns nil when the queue is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Poison envelope; drop it into the DLQ rather than looping.
		_ = q.client.ZRem(ctx, q.inflightKey, raw).Err()
		_ = q.client.RPush(ctx, q.dlqKey, raw).Err()
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}
	return &Delivery{Message: msg, raw: raw}, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (q *RedisQueue) ExtendLease(ctx context.Context, d Delivery, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: d.raw,
	}).Err()
}

// Ack removes a delivered message from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	return q.client.ZRem(ctx, q.inflightKey, d.raw).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the
// messages for redelivery.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error) {
	raws, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(raws) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, raw := range raws {
		pipe.ZRem(ctx, q.inflightKey, raw)
		pipe.RPush(ctx, q.readyKey, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(raws), nil
}

// DLQPush moves a message to the dead-letter queue.
func (q *RedisQueue) DLQPush(ctx context.Context, d Delivery) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, d.raw)
	pipe.RPush(ctx, q.dlqKey, d.raw)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered messages.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]Message, error) {
	raws, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local msg = redis.call('LPOP', KEYS[1])
if msg then
  redis.call('ZADD', KEYS[2], ARGV[1], msg)
  return msg
end
return nil
`)
