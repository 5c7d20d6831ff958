// Package ratelimit paces simulated receptions to a target rate.
package ratelimit

import (
	"context"
	"time"
)

// Throttle limits events to rate per second on average.
// Not safe for concurrent use.
type Throttle struct {
	interval   time.Duration
	events     uint64
	start      time.Time
	checkEvery uint64
}

// New creates a limiter for rate events per second.
// If rate == 0, throttling is disabled and New returns nil.
func New(rate uint64) *Throttle {
	if rate == 0 {
		return nil
	}
	return &Throttle{
		interval: time.Second / time.Duration(rate),
		start:    time.Now(),

		// Check time every ~10ms of events, at most every 1024 events.
		checkEvery: min(max(rate/100, 1), 1024),
	}
}

// Rate returns the configured events per second, 0 when disabled.
func (l *Throttle) Rate() uint64 {
	if l == nil {
		return 0
	}
	return uint64(time.Second / l.interval)
}

// Wait blocks until n more events are allowed or ctx is done.
// A throttle that fell behind schedule continues from the current time
// instead of bursting to catch up.
func (l *Throttle) Wait(ctx context.Context, n uint64) error {
	if l == nil || n == 0 {
		return ctx.Err()
	}

	before := l.events / l.checkEvery
	l.events += n
	if l.events/l.checkEvery == before {
		return nil // Fast path: only check time periodically.
	}

	expected := l.start.Add(time.Duration(l.events) * l.interval)
	now := time.Now()
	if !now.Before(expected) {
		if behind := now.Sub(expected); behind > time.Duration(l.checkEvery)*l.interval {
			l.start = l.start.Add(behind)
		}
		return ctx.Err()
	}

	t := time.NewTimer(expected.Sub(now))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
