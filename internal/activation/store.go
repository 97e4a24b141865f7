package activation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Store records which payments have been activated. MarkActivated is a
// compare-and-set: it reports false when the payment was already recorded.
type Store interface {
	HasBeenActivated(ctx context.Context, paymentID string) (bool, error)
	MarkActivated(ctx context.Context, paymentID string, at time.Time) (bool, error)
}

// RedisStore keeps one key per activated payment. Keys never expire.
type RedisStore struct {
	R      redis.Cmdable
	Prefix string
}

func (s RedisStore) key(paymentID string) string {
	prefix := strings.TrimSpace(s.Prefix)
	if prefix == "" {
		return "activation:" + paymentID
	}
	return prefix + ":activation:" + paymentID
}

// HasBeenActivated reports whether paymentID was recorded.
func (s RedisStore) HasBeenActivated(ctx context.Context, paymentID string) (bool, error) {
	n, err := s.R.Exists(ctx, s.key(paymentID)).Result()
	if err != nil {
		return false, fmt.Errorf("activation: check %s: %w", paymentID, err)
	}
	return n > 0, nil
}

// MarkActivated records paymentID with SETNX.
func (s RedisStore) MarkActivated(ctx context.Context, paymentID string, at time.Time) (bool, error) {
	ok, err := s.R.SetNX(ctx, s.key(paymentID), at.UTC().Format(time.RFC3339Nano), 0).Result()
	if err != nil {
		return false, fmt.Errorf("activation: mark %s: %w", paymentID, err)
	}
	return ok, nil
}

// DB is the subset of *pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS payment_activations (
	payment_id   TEXT PRIMARY KEY,
	activated_at TIMESTAMPTZ NOT NULL
)`
	existsSQL = `SELECT EXISTS (SELECT 1 FROM payment_activations WHERE payment_id = $1)`
	insertSQL = `INSERT INTO payment_activations (payment_id, activated_at) VALUES ($1, $2) ON CONFLICT (payment_id) DO NOTHING`
)

// PostgresStore keeps activated payment ids in the payment_activations table.
type PostgresStore struct {
	DB DB
}

// EnsureSchema creates the activations table when missing.
func (s PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("activation: ensure schema: %w", err)
	}
	return nil
}

// HasBeenActivated reports whether paymentID has a row.
func (s PostgresStore) HasBeenActivated(ctx context.Context, paymentID string) (bool, error) {
	var exists bool
	if err := s.DB.QueryRow(ctx, existsSQL, paymentID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("activation: check %s: %w", paymentID, err)
	}
	return exists, nil
}

// MarkActivated inserts paymentID, leaving an existing row untouched.
func (s PostgresStore) MarkActivated(ctx context.Context, paymentID string, at time.Time) (bool, error) {
	tag, err := s.DB.Exec(ctx, insertSQL, paymentID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("activation: mark %s: %w", paymentID, err)
	}
	return tag.RowsAffected() == 1, nil
}
