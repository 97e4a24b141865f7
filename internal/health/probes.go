package health

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisProbe pings Redis.
func RedisProbe(client redis.Cmdable) Probe {
	return Probe{Name: "redis", Check: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PostgresProbe pings the activation database.
func PostgresProbe(db Pinger) Probe {
	return Probe{Name: "postgres", Check: db.Ping}
}
