// Package ratelimit paces worker loops.
//
// Pacing is advisory: a Pacer sleeps a fixed interval after each operation
// and does not compensate for the time the operation itself took, so the
// achieved rate is at most the target rate.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// ValidRate reports whether ratePerSec is a usable target: positive and finite.
func ValidRate(ratePerSec float64) bool {
	return ratePerSec > 0 && !math.IsInf(ratePerSec, 0)
}

// Interval returns the pause between operations for a target rate in
// operations per second. Non-positive and NaN rates yield zero. Rates so
// small that the pause overflows a Duration are clamped to the maximum.
func Interval(ratePerSec float64) time.Duration {
	if !(ratePerSec > 0) {
		return 0
	}
	d := float64(time.Second) / ratePerSec
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Sleep pauses for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Pacer sleeps a fixed interval between operations.
type Pacer struct {
	interval time.Duration
}

// NewPacer creates a Pacer for ratePerSec. Non-positive rates never pause.
func NewPacer(ratePerSec float64) *Pacer {
	return &Pacer{interval: Interval(ratePerSec)}
}

// Wait blocks for one interval, or until deadline when that comes sooner,
// or until the context is cancelled. A zero deadline means no cap.
func (p *Pacer) Wait(ctx context.Context, deadline time.Time) error {
	d := p.interval
	if !deadline.IsZero() {
		d = min(d, time.Until(deadline))
	}
	return Sleep(ctx, d)
}
