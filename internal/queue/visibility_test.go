package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/nexus-finance-backend/internal/queue"
)

func TestExpiredProcessingTaskIsRedelivered(t *testing.T) {
	client, _ := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// simulate a worker that claimed the task and crashed
	stale, err := json.Marshal(map[string]any{
		"kind":         "payment-notification",
		"payload":      []byte("123"),
		"attempt":      1,
		"max_attempts": 3,
		"available_at": time.Now().Add(-time.Minute).UnixNano(),
	})
	require.NoError(t, err)
	require.NoError(t, client.ZAdd(ctx, "vis:queue:payment-notification:processing", redis.Z{
		Score:  float64(time.Now().Add(-time.Second).UnixNano()),
		Member: string(stale),
	}).Err())

	attempts := make(chan int, 1)
	done := runWorker(t, ctx, queue.Worker{
		R:            client,
		Prefix:       "vis",
		Kind:         "payment-notification",
		PollInterval: 5 * time.Millisecond,
		Handler: func(_ context.Context, task queue.Task) error {
			attempts <- task.Attempt
			return nil
		},
	})

	select {
	case attempt := <-attempts:
		require.Equal(t, 2, attempt)
	case <-time.After(3 * time.Second):
		t.Fatal("stale task was not redelivered")
	}
	cancel()
	<-done
}

func TestHandlerContextBoundedByVisibility(t *testing.T) {
	client, _ := newRedis(t)
	enq := queue.Enqueuer{R: client, Prefix: "deadline"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempts := make(chan int, 4)
	done := runWorker(t, ctx, queue.Worker{
		R:                 client,
		Prefix:            "deadline",
		Kind:              "payment-notification",
		VisibilityTimeout: 50 * time.Millisecond,
		RetryBase:         5 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		Handler: func(jobCtx context.Context, task queue.Task) error {
			attempts <- task.Attempt
			if task.Attempt == 1 {
				<-jobCtx.Done()
				return jobCtx.Err()
			}
			return nil
		},
	})

	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: "payment-notification", Payload: []byte("payload"), MaxAttempts: 3}))

	require.Equal(t, 1, <-attempts)
	select {
	case second := <-attempts:
		require.Equal(t, 2, second)
	case <-time.After(2 * time.Second):
		t.Fatal("task was not retried after its deadline")
	}
	cancel()
	<-done
}
