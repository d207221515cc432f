package pipeline

import (
	"context"
	"time"
)

// Backoff bounds the orchestrator's polling.
type Backoff struct {
	// First sleep when idle, and the bounded wait for a free sink
	// descriptor on a link.
	Interval time.Duration

	// Idle sleeps double up to Max.
	Max time.Duration

	// A run with no progress for this long fails with ErrDrainTimeout.
	Timeout time.Duration
}

var DefaultBackoff = Backoff{
	Interval: time.Millisecond,
	Max:      20 * time.Millisecond,
	Timeout:  5 * time.Second,
}

func (b Backoff) withDefaults() Backoff {
	if b.Interval <= 0 {
		b.Interval = DefaultBackoff.Interval
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	if b.Max < b.Interval {
		b.Max = b.Interval
	}
	if b.Timeout <= 0 {
		b.Timeout = DefaultBackoff.Timeout
	}
	return b
}

// next returns the sleep following d.
func (b Backoff) next(d time.Duration) time.Duration {
	d *= 2
	if d > b.Max {
		d = b.Max
	}
	return d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
