package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/nexus-finance-backend/internal/queue"
)

func TestMoveToDLQAfterMaxAttempts(t *testing.T) {
	client, _ := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "dlq"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	done := runWorker(t, ctx, queue.Worker{
		R:            client,
		Prefix:       "dlq",
		Kind:         "payment-notification",
		RetryBase:    5 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Logger:       zerolog.Nop(),
		Handler: func(context.Context, queue.Task) error {
			attempts.Add(1)
			return errors.New("gateway unavailable")
		},
	})

	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "payment-notification", Payload: []byte("body"), IdempotencyKey: "payment:1", MaxAttempts: 2}))

	dlq := queue.DLQ{R: client, Prefix: "dlq", Kind: "payment-notification"}
	require.Eventually(t, func() bool {
		n, err := dlq.Len(context.Background())
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	require.Equal(t, int32(2), attempts.Load())
	letters, err := dlq.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "payment:1", letters[0].Key)
	require.Equal(t, 2, letters[0].Attempts)
	require.Equal(t, "gateway unavailable", letters[0].LastError)
	require.Equal(t, []byte("body"), letters[0].Payload)
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	client, _ := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "perm"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	done := runWorker(t, ctx, queue.Worker{
		R:            client,
		Prefix:       "perm",
		Kind:         "payment-notification",
		RetryBase:    5 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Handler: func(context.Context, queue.Task) error {
			attempts.Add(1)
			return queue.Permanent(errors.New("payment not found"))
		},
	})

	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "payment-notification", Payload: []byte("404"), MaxAttempts: 5}))

	dlq := queue.DLQ{R: client, Prefix: "perm", Kind: "payment-notification"}
	require.Eventually(t, func() bool {
		n, _ := dlq.Len(context.Background())
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	require.Equal(t, int32(1), attempts.Load())
}

func TestRequeueDeadLetters(t *testing.T) {
	client, _ := newRedis(t)
	ctx := context.Background()
	enq := queue.Enqueuer{R: client, Prefix: "replay"}
	dlq := queue.DLQ{R: client, Prefix: "replay", Kind: "payment-notification"}

	runCtx, cancel := context.WithCancel(ctx)
	failing := atomic.Bool{}
	failing.Store(true)
	var succeeded atomic.Int32
	done := runWorker(t, runCtx, queue.Worker{
		R:            client,
		Prefix:       "replay",
		Kind:         "payment-notification",
		RetryBase:    5 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		Handler: func(context.Context, queue.Task) error {
			if failing.Load() {
				return errors.New("down")
			}
			succeeded.Add(1)
			return nil
		},
	})
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: "payment-notification", Payload: []byte("1"), MaxAttempts: 1}))
	require.Eventually(t, func() bool {
		n, _ := dlq.Len(ctx)
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)

	failing.Store(false)
	moved, err := dlq.Requeue(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	require.Eventually(t, func() bool { return succeeded.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	n, err := dlq.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
