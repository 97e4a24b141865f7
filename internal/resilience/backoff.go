package resilience

import (
	"math/rand/v2"
	"time"
)

// maxBackoff caps the delay between attempts.
const maxBackoff = 10 * time.Minute

// Backoff returns base*2^(attempt-1), capped at ten minutes and spread by
// ±jitter (a fraction, 0.2 == 20%).
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	if jitter <= 0 {
		return d
	}
	if jitter > 1 {
		jitter = 1
	}
	delta := (rand.Float64()*2 - 1) * jitter * float64(d)
	return d + time.Duration(delta)
}
