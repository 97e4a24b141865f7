package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/nexus-finance-backend/internal/queue"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func runWorker(t *testing.T, ctx context.Context, w queue.Worker) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	return done
}

func TestEnqueueDequeue(t *testing.T) {
	client, _ := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "test"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "payment-notification", Payload: []byte("payload"), IdempotencyKey: "1"}))

	processed := make(chan queue.Task, 1)
	done := runWorker(t, ctx, queue.Worker{
		R:            client,
		Prefix:       "test",
		Kind:         "payment-notification",
		PollInterval: 5 * time.Millisecond,
		Handler: func(ctx context.Context, task queue.Task) error {
			processed <- task
			return nil
		},
	})

	select {
	case task := <-processed:
		require.Equal(t, []byte("payload"), task.Payload)
		require.Equal(t, 1, task.Attempt)
		require.Equal(t, "1", task.IdempotencyKey)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for payload")
	}
	cancel()
	<-done

	processing, err := client.ZCard(context.Background(), "test:queue:payment-notification:processing").Result()
	require.NoError(t, err)
	require.Zero(t, processing)
}

func TestEnqueueDeduplicatesWaitingTasks(t *testing.T) {
	client, _ := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "dedup"}
	ctx := context.Background()

	task := queue.Task{Kind: "payment-notification", Payload: []byte("123"), IdempotencyKey: "payment:123"}
	require.NoError(t, enq.Enqueue(ctx, task))
	require.NoError(t, enq.Enqueue(ctx, task))

	depth, err := client.ZCard(ctx, "dedup:queue:payment-notification").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestDedupKeyReleasedWhenClaimed(t *testing.T) {
	client, _ := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "claim"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	done := runWorker(t, ctx, queue.Worker{
		R:            client,
		Prefix:       "claim",
		Kind:         "payment-notification",
		PollInterval: 5 * time.Millisecond,
		Handler: func(ctx context.Context, task queue.Task) error {
			if calls.Add(1) == 1 {
				close(started)
				<-release
			}
			return nil
		},
	})

	task := queue.Task{Kind: "payment-notification", Payload: []byte("123"), IdempotencyKey: "payment:123"}
	require.NoError(t, enq.Enqueue(ctx, task))
	<-started

	// a notification arriving while the first run is in flight must be kept
	require.NoError(t, enq.Enqueue(ctx, task))
	close(release)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestWorkerRetries(t *testing.T) {
	client, _ := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "retry"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", Payload: []byte("retry"), IdempotencyKey: "r1", MaxAttempts: 3}))

	var attempts atomic.Int32
	succeeded := make(chan int, 1)
	done := runWorker(t, ctx, queue.Worker{
		R:            client,
		Prefix:       "retry",
		Kind:         "demo",
		RetryBase:    5 * time.Millisecond,
		RetryJitter:  0.1,
		PollInterval: 5 * time.Millisecond,
		Handler: func(ctx context.Context, task queue.Task) error {
			if attempts.Add(1) == 1 {
				return errors.New("fail first")
			}
			succeeded <- task.Attempt
			return nil
		},
	})

	select {
	case attempt := <-succeeded:
		require.Equal(t, 2, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not retry in time")
	}
	cancel()
	<-done
}

func TestWorkerRecoversFromPanics(t *testing.T) {
	client, _ := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "panic"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "demo", Payload: []byte("x"), MaxAttempts: 2}))

	var attempts atomic.Int32
	done := runWorker(t, ctx, queue.Worker{
		R:            client,
		Prefix:       "panic",
		Kind:         "demo",
		RetryBase:    5 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Handler: func(ctx context.Context, task queue.Task) error {
			if attempts.Add(1) == 1 {
				panic("boom")
			}
			return nil
		},
	})

	require.Eventually(t, func() bool { return attempts.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestEnqueueRejectsInvalidKind(t *testing.T) {
	client, _ := newRedis(t)
	enq := queue.Enqueuer{R: client}
	require.Error(t, enq.Enqueue(context.Background(), queue.Task{Kind: "Bad Kind"}))
	require.Error(t, enq.Enqueue(context.Background(), queue.Task{}))
}
