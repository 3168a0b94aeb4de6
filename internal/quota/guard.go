// Package quota bounds calls to the metered AI dependency with a sliding
// window. When the window is exhausted the caller is told to switch to the
// fallback provider; trading never blocks on the metered plan.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kis-trading-bot/internal/logging"
)

// warnThreshold denies new calls once usage crosses this share of the cap,
// leaving headroom for retries already in flight.
const warnThreshold = 0.9

// backoffSteps are the fixed waits between retries after a rate-limit-class
// rejection from the dependency itself.
var backoffSteps = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}

// ErrExhausted signals that the metered dependency is unavailable and the
// caller must switch to a fallback provider now. It is not an abort.
var ErrExhausted = errors.New("quota exhausted: switch to fallback provider")

// RateLimited is implemented by dependency errors that represent a
// rate-limit rejection rather than a hard failure.
type RateLimited interface {
	RateLimited() bool
}

func isRateLimited(err error) bool {
	var rl RateLimited
	return errors.As(err, &rl) && rl.RateLimited()
}

// Guard tracks a sliding window of calls to the metered dependency. In
// unlimited mode (flat-rate plan) every check trivially passes and no
// history is recorded; the switch is configuration, callers are unaffected.
type Guard struct {
	window    time.Duration
	maxCalls  int
	unlimited bool
	log       *logging.Logger

	mu    sync.Mutex
	calls []time.Time
}

// Config holds quota guard configuration.
type Config struct {
	Window    time.Duration
	MaxCalls  int
	Unlimited bool
}

// NewGuard creates a quota guard.
func NewGuard(cfg Config) *Guard {
	return &Guard{
		window:    cfg.Window,
		maxCalls:  cfg.MaxCalls,
		unlimited: cfg.Unlimited,
		log:       logging.WithComponent("quota"),
	}
}

// CanCall reports whether another call fits the window. It returns false
// once usage crosses 90% of the cap.
func (g *Guard) CanCall() bool {
	if g.unlimited {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(time.Now())
	return float64(len(g.calls)) < float64(g.maxCalls)*warnThreshold
}

// RecordCall records one successful call against the window.
func (g *Guard) RecordCall() {
	if g.unlimited {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	g.pruneLocked(now)
	g.calls = append(g.calls, now)
}

// Usage returns the current window usage and the cap. Unlimited mode reports
// zero usage.
func (g *Guard) Usage() (used, max int) {
	if g.unlimited {
		return 0, 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(time.Now())
	return len(g.calls), g.maxCalls
}

// Entries expire lazily on every read.
func (g *Guard) pruneLocked(now time.Time) {
	cutoff := now.Add(-g.window)
	keep := g.calls[:0]
	for _, t := range g.calls {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	g.calls = keep
}

// SafeCall invokes fn under quota control. A rate-limit-class error from the
// dependency retries at fixed backoff steps; when the steps are spent, or
// the window itself has no headroom, ErrExhausted tells the caller to use
// the fallback provider. Successful calls are recorded against the window.
func (g *Guard) SafeCall(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if g.CanCall() {
			err := fn(ctx)
			if err == nil {
				g.RecordCall()
				return nil
			}
			if !isRateLimited(err) {
				return err
			}
			g.log.WithError(err).Warn("Dependency rate limited", "attempt", attempt+1)
		} else {
			used, max := g.Usage()
			g.log.Warn("Quota window has no headroom", "used", used, "max", max)
		}

		if attempt >= len(backoffSteps) {
			return fmt.Errorf("after %d attempts: %w", attempt, ErrExhausted)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffSteps[attempt]):
		}
	}
}
