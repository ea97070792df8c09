package engine

import (
	"context"
	"math/rand"
	"time"
)

// Exponential backoff with jitter, capped at max.
func backoff(retries int, max time.Duration) time.Duration {
	dur := 1 << retries
	if dur > int(max/time.Second) || dur <= 0 {
		dur = int(max / time.Second)
	}
	jitter := time.Millisecond * time.Duration(rand.Intn(1000))
	return time.Second*time.Duration(dur) + jitter
}

// Runs f every interval until ctx is done. Errors are left to f to report.
func runPeriodically(ctx context.Context, interval time.Duration, f func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = f(ctx)
		}
	}
}
