package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadLetter is a task that exhausted its attempts or failed permanently.
type DeadLetter struct {
	Kind      string
	Key       string
	Payload   []byte
	Attempts  int
	LastError string
}

// DLQ inspects and replays the dead-letter list of one task kind.
type DLQ struct {
	R      redis.Cmdable
	Prefix string
	Kind   string
}

func (d DLQ) keys() (keys, error) {
	if d.R == nil {
		return keys{}, errors.New("queue: redis client not configured")
	}
	kind := sanitizeKind(d.Kind)
	if kind == "" {
		return keys{}, errors.New("queue: dlq kind is required")
	}
	return keys{prefix: d.Prefix, kind: kind}, nil
}

// Len returns the number of dead-lettered tasks.
func (d DLQ) Len(ctx context.Context) (int64, error) {
	k, err := d.keys()
	if err != nil {
		return 0, err
	}
	return d.R.LLen(ctx, k.dlq()).Result()
}

// List returns up to limit dead letters, newest first.
func (d DLQ) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	k, err := d.keys()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	raws, err := d.R.LRange(ctx, k.dlq(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list dlq: %w", err)
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		msg, err := decodeMessage(raw)
		if err != nil {
			out = append(out, DeadLetter{Kind: k.kind, Payload: []byte(raw), LastError: "undecodable task"})
			continue
		}
		out = append(out, DeadLetter{
			Kind:      msg.Kind,
			Key:       msg.Key,
			Payload:   msg.Payload,
			Attempts:  msg.Attempt,
			LastError: msg.LastError,
		})
	}
	return out, nil
}

// Requeue moves up to max dead letters, oldest first, back onto the ready
// queue with a fresh attempt budget. It returns how many were moved.
func (d DLQ) Requeue(ctx context.Context, max int) (int, error) {
	k, err := d.keys()
	if err != nil {
		return 0, err
	}
	moved := 0
	for max <= 0 || moved < max {
		raw, err := d.R.RPop(ctx, k.dlq()).Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("queue: pop dlq: %w", err)
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			continue
		}
		msg.Attempt = 0
		msg.LastError = ""
		msg.AvailableAt = time.Now().UnixNano()
		encoded, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := d.R.ZAdd(ctx, k.ready(), redis.Z{Score: float64(msg.AvailableAt), Member: string(encoded)}).Err(); err != nil {
			_ = d.R.RPush(ctx, k.dlq(), raw).Err()
			return moved, fmt.Errorf("queue: requeue: %w", err)
		}
		moved++
	}
	return moved, nil
}
