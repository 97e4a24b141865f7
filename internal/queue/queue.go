// Package queue implements a small Redis-backed delayed job queue with
// visibility timeouts, bounded retries and a dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/nexus-finance-backend/internal/resilience"
)

const defaultMaxAttempts = 5

// Task represents a job to be processed asynchronously.
type Task struct {
	Kind           string
	Payload        []byte
	IdempotencyKey string
	MaxAttempts    int
	Delay          time.Duration
	// Attempt is the 1-based delivery number, set by the worker.
	Attempt int
}

// Enqueuer publishes tasks to Redis backed queues.
type Enqueuer struct {
	R        redis.Cmdable
	Prefix   string
	DedupTTL time.Duration
}

// Enqueue inserts the task into the queue. When an idempotency key is supplied
// a second task with the same key is dropped while the first is still waiting;
// the key is released as soon as a worker claims the task.
func (e Enqueuer) Enqueue(ctx context.Context, t Task) error {
	if e.R == nil {
		return errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(t.Kind)
	if kind == "" {
		return errors.New("queue: task kind is required")
	}
	msg := taskMessage{
		Kind:        kind,
		Key:         t.IdempotencyKey,
		Payload:     t.Payload,
		MaxAttempts: t.MaxAttempts,
		AvailableAt: time.Now().Add(t.Delay).UnixNano(),
	}
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = defaultMaxAttempts
	}
	k := keys{prefix: e.Prefix, kind: kind}

	if msg.Key != "" {
		ttl := e.DedupTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		ok, err := e.R.SetNX(ctx, k.dedup(msg.Key), "1", ttl).Result()
		if err != nil {
			return fmt.Errorf("queue: dedup %s: %w", kind, err)
		}
		if !ok {
			QueueEnqueuedTotal.WithLabelValues(kind, "deduplicated").Inc()
			return nil
		}
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := e.R.ZAdd(ctx, k.ready(), redis.Z{Score: float64(msg.AvailableAt), Member: raw}).Err(); err != nil {
		if msg.Key != "" {
			_ = e.R.Del(ctx, k.dedup(msg.Key)).Err()
		}
		return fmt.Errorf("queue: enqueue %s: %w", kind, err)
	}
	QueueEnqueuedTotal.WithLabelValues(kind, "enqueued").Inc()
	return nil
}

// permanentError marks a failure that must not be retried.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the worker dead-letters the task immediately instead
// of scheduling another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Worker consumes tasks for a specific kind.
type Worker struct {
	R                 redis.Cmdable
	Prefix            string
	Kind              string
	Concurrency       int
	VisibilityTimeout time.Duration
	Handler           func(context.Context, Task) error
	RetryBase         time.Duration
	RetryJitter       float64
	PollInterval      time.Duration
	Logger            zerolog.Logger
}

// Run starts processing tasks until the context is cancelled, then waits for
// in-flight handlers. Claimed tasks are tracked in a processing set so they
// are redelivered once their visibility timeout lapses.
func (w Worker) Run(ctx context.Context) error {
	if w.R == nil {
		return errors.New("queue: worker redis client not configured")
	}
	if w.Handler == nil {
		return errors.New("queue: worker handler not configured")
	}
	kind := sanitizeKind(w.Kind)
	if kind == "" {
		return errors.New("queue: worker kind is required")
	}
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	visibility := w.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	retryBase := w.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	k := keys{prefix: w.Prefix, kind: kind}
	log := w.Logger.With().Str("queue", kind).Logger()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	nextMaintenance := time.Time{}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if now := time.Now(); now.After(nextMaintenance) {
			if err := w.requeueExpired(ctx, k); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("queue_requeue_failed")
			}
			w.recordDepth(ctx, k)
			nextMaintenance = now.Add(time.Second)
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		msg, raw, err := w.claim(ctx, k, visibility)
		if err != nil || raw == "" {
			<-sem
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("queue_claim_failed")
			}
			if !sleepCtx(ctx, poll) {
				return nil
			}
			continue
		}

		wg.Add(1)
		go func(raw string, m taskMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			jobCtx, cancelJob := context.WithTimeout(ctx, visibility)
			err := w.invoke(jobCtx, m)
			cancelJob()
			// bookkeeping must survive shutdown so in-flight results are not lost
			bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err != nil {
				w.handleFailure(bctx, log, k, raw, m, retryBase, err)
				return
			}
			_ = w.R.ZRem(bctx, k.processing(), raw).Err()
			QueueProcessedTotal.WithLabelValues(kind, "success").Inc()
		}(raw, msg)
	}
}

// claim moves the next due task into the processing set. ZRem decides the
// winner when several workers race for the same member.
func (w Worker) claim(ctx context.Context, k keys, visibility time.Duration) (taskMessage, string, error) {
	now := time.Now().UnixNano()
	due, err := w.R.ZRangeByScore(ctx, k.ready(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: 1,
	}).Result()
	if err != nil || len(due) == 0 {
		if errors.Is(err, redis.Nil) {
			err = nil
		}
		return taskMessage{}, "", err
	}
	member := due[0]
	removed, err := w.R.ZRem(ctx, k.ready(), member).Result()
	if err != nil || removed == 0 {
		return taskMessage{}, "", err
	}
	msg, err := decodeMessage(member)
	if err != nil {
		_ = w.R.LPush(ctx, k.dlq(), member).Err()
		return taskMessage{}, "", fmt.Errorf("queue: decode task: %w", err)
	}
	if msg.Key != "" {
		_ = w.R.Del(ctx, k.dedup(msg.Key)).Err()
	}

	msg.Attempt++
	encoded, err := json.Marshal(msg)
	if err != nil {
		return taskMessage{}, "", err
	}
	deadline := time.Now().Add(visibility).UnixNano()
	if err := w.R.ZAdd(ctx, k.processing(), redis.Z{Score: float64(deadline), Member: string(encoded)}).Err(); err != nil {
		return taskMessage{}, "", err
	}
	return msg, string(encoded), nil
}

func (w Worker) invoke(ctx context.Context, m taskMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return w.Handler(ctx, Task{
		Kind:           m.Kind,
		Payload:        m.Payload,
		IdempotencyKey: m.Key,
		MaxAttempts:    m.MaxAttempts,
		Attempt:        m.Attempt,
	})
}

func (w Worker) handleFailure(ctx context.Context, log zerolog.Logger, k keys, raw string, msg taskMessage, base time.Duration, cause error) {
	if removed, err := w.R.ZRem(ctx, k.processing(), raw).Result(); err == nil && removed == 0 {
		// the visibility sweep already redelivered this task
		return
	}
	msg.LastError = cause.Error()

	if IsPermanent(cause) || (msg.MaxAttempts > 0 && msg.Attempt >= msg.MaxAttempts) {
		encoded, err := json.Marshal(msg)
		if err != nil {
			return
		}
		if err := w.R.LPush(ctx, k.dlq(), encoded).Err(); err != nil {
			log.Error().Err(err).Msg("queue_dlq_push_failed")
		}
		QueueProcessedTotal.WithLabelValues(k.kind, "dead_lettered").Inc()
		log.Error().Err(cause).Int("attempt", msg.Attempt).Str("key", msg.Key).Msg("queue_task_dead_lettered")
		return
	}

	delay := resilience.Backoff(base, msg.Attempt, w.RetryJitter)
	msg.AvailableAt = time.Now().Add(delay).UnixNano()
	encoded, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = w.R.ZAdd(ctx, k.ready(), redis.Z{Score: float64(msg.AvailableAt), Member: string(encoded)}).Err()
	QueueProcessedTotal.WithLabelValues(k.kind, "retry").Inc()
	log.Warn().Err(cause).Int("attempt", msg.Attempt).Dur("retry_in", delay).Str("key", msg.Key).Msg("queue_task_failed")
}

func (w Worker) requeueExpired(ctx context.Context, k keys) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	expired, err := w.R.ZRangeByScore(ctx, k.processing(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, raw := range expired {
		removed, err := w.R.ZRem(ctx, k.processing(), raw).Result()
		if err != nil || removed == 0 {
			continue
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		_ = w.R.ZAdd(ctx, k.ready(), redis.Z{Score: float64(msg.AvailableAt), Member: string(encoded)}).Err()
	}
	return nil
}

func (w Worker) recordDepth(ctx context.Context, k keys) {
	if n, err := w.R.ZCard(ctx, k.ready()).Result(); err == nil {
		QueueDepth.WithLabelValues(k.kind).Set(float64(n))
	}
	if n, err := w.R.LLen(ctx, k.dlq()).Result(); err == nil {
		QueueDLQSize.WithLabelValues(k.kind).Set(float64(n))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func sanitizeKind(kind string) string {
	for i := 0; i < len(kind); i++ {
		c := kind[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == ':':
		default:
			return ""
		}
	}
	return kind
}

type keys struct {
	prefix string
	kind   string
}

func (k keys) base() string {
	if k.prefix == "" {
		return "queue"
	}
	return k.prefix + ":queue"
}

func (k keys) ready() string           { return k.base() + ":" + k.kind }
func (k keys) processing() string      { return k.base() + ":" + k.kind + ":processing" }
func (k keys) dlq() string             { return k.base() + ":" + k.kind + ":dlq" }
func (k keys) dedup(key string) string { return k.base() + ":dedup:" + k.kind + ":" + key }

func decodeMessage(raw string) (taskMessage, error) {
	var msg taskMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return taskMessage{}, err
	}
	return msg, nil
}

type taskMessage struct {
	Kind        string `json:"kind"`
	Key         string `json:"key,omitempty"`
	Payload     []byte `json:"payload"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	AvailableAt int64  `json:"available_at"`
	LastError   string `json:"last_error,omitempty"`
}
