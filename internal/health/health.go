package health

import (
	"context"
	"errors"
	"time"
)

// Probe makes a single reachability check. Any nil return counts as healthy.
type Probe interface {
	Probe(ctx context.Context) error
}

type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

type Status int

const (
	StatusHealthy Status = iota
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Result is the outcome of Poll: either Healthy or TimedOut after Attempts tries.
type Result struct {
	Status   Status
	Attempts int
	Elapsed  time.Duration
	// Last probe error, only set when timed out
	LastErr error
}

func (r Result) Healthy() bool {
	return r.Status == StatusHealthy
}

var ErrInvalidAttempts = errors.New("max attempts must be at least 1")

// Poll calls probe up to maxAttempts times, waiting interval between attempts,
// and stops at the first success. There is no backoff and no jitter.
// A cancelled ctx aborts the wait and is returned as the error.
func Poll(ctx context.Context, probe Probe, interval time.Duration, maxAttempts int) (Result, error) {
	if maxAttempts < 1 {
		return Result{}, ErrInvalidAttempts
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = probe.Probe(ctx)
		if lastErr == nil {
			return Result{Status: StatusHealthy, Attempts: attempt, Elapsed: time.Since(start)}, nil
		}

		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{Status: StatusTimedOut, Attempts: attempt, Elapsed: time.Since(start), LastErr: lastErr}, ctx.Err()
		case <-timer.C:
		}
	}

	return Result{Status: StatusTimedOut, Attempts: maxAttempts, Elapsed: time.Since(start), LastErr: lastErr}, nil
}
