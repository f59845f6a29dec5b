package worker

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"photo-pipeline/internal/config"
	"photo-pipeline/internal/queue"
	"photo-pipeline/internal/ratelimit"
	"photo-pipeline/internal/telemetry"
)

// Handler executes one dequeued message. Returning an error schedules a
// retry with backoff; returning nil acks the message. Handlers drop
// messages they decide not to process by returning nil.
type Handler func(ctx context.Context, msg queue.Message) error

// Processor runs a pool of queue consumers plus a maintenance loop that
// promotes scheduled messages and reclaims expired leases.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	limiter  *ratelimit.TokenBucket
	handlers map[string]Handler
	log      zerolog.Logger
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		limiter:  limiter,
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// RegisterHandler binds a handler to a message type.
func (p *Processor) RegisterHandler(msgType string, handler Handler) {
	if msgType == "" || handler == nil {
		return
	}
	p.handlers[msgType] = handler
}

// Run starts the worker pool and blocks until ctx is cancelled, then
// drains in-flight work for up to ShutdownTimeout.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()

	concurrency := p.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, id)
		}(i)
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout):
		p.log.Warn().Dur("timeout", p.cfg.ShutdownTimeout).Msg("shutdown drain timed out")
	}
	return ctx.Err()
}

// maintain promotes due scheduled messages, reclaims expired leases,
// and samples queue depth.
func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("promote scheduled failed")
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && reclaimed > 0 {
			telemetry.InFlightGauge.Sub(float64(reclaimed))
			p.log.Info().Int("count", reclaimed).Msg("reclaimed expired leases")
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (p *Processor) consume(ctx context.Context, workerID int) {
	log := p.log.With().Int("worker", workerID).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx, "photos:process"); err != nil {
				return
			}
		}

		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("dequeue failed")
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if d == nil {
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.dispatch(ctx, log, *d)
	}
}

func (p *Processor) dispatch(ctx context.Context, log zerolog.Logger, d queue.Delivery) {
	msg := d.Message
	handler, ok := p.handlers[msg.Type]
	if !ok {
		log.Error().Str("type", msg.Type).Str("msg_id", msg.ID).Msg("no handler for message type")
		_ = p.queue.DLQPush(ctx, d)
		telemetry.PhotosDeadLetter.Inc()
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	// In-flight work finishes during shutdown; the job context survives
	// ctx cancellation but is bounded so a wedged handler cannot hold
	// the drain forever.
	ackCtx := context.WithoutCancel(ctx)
	jobCtx, cancel := context.WithTimeout(ackCtx, p.cfg.VisibilityTimeout)
	defer cancel()
	stopHeartbeat := p.heartbeat(jobCtx, d)
	err := handler(jobCtx, msg)
	stopHeartbeat()

	if err == nil {
		_ = p.queue.Ack(ackCtx, d)
		return
	}

	msg.Attempts++
	log.Warn().Err(err).Str("msg_id", msg.ID).Int("attempts", msg.Attempts).Msg("handler failed")
	if msg.Attempts >= p.cfg.MaxAttempts {
		_ = p.queue.DLQPush(ackCtx, d)
		telemetry.PhotosDeadLetter.Inc()
		return
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, msg.Attempts)
	_ = p.queue.Ack(ackCtx, d)
	if scheduleErr := p.queue.Schedule(ackCtx, msg, time.Now().Add(backoff)); scheduleErr != nil {
		log.Error().Err(scheduleErr).Str("msg_id", msg.ID).Msg("schedule retry failed")
	}
	telemetry.PhotosFailed.Inc()
}

// heartbeat extends the lease at half the visibility interval so long
// transforms are not redelivered mid-run.
func (p *Processor) heartbeat(ctx context.Context, d queue.Delivery) func() {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				_ = p.queue.ExtendLease(ctx, d, p.cfg.VisibilityTimeout)
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
