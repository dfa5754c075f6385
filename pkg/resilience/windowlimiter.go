package resilience

import (
	"context"
	"sync"
	"time"
)

// WindowLimiter enforces a token budget over a fixed, non-sliding window:
// consumers accumulate against the budget until the window elapses, then
// the counter resets to zero. Unlike Limiter's token bucket,
// unused budget never carries over and a caller that is already over budget
// blocks for the remainder of the current window rather than failing.
type WindowLimiter struct {
	mu         sync.Mutex
	tokensUsed int
	lastReset  time.Time
	budget     int
	window     time.Duration
	now        func() time.Time
}

// NewWindowLimiter builds a WindowLimiter with the given per-window token
// budget and window length.
func NewWindowLimiter(budget int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		budget:    budget,
		window:    window,
		lastReset: time.Now(),
		now:       time.Now,
	}
}

// Acquire spends n tokens against the current window, resetting it first if
// it has elapsed. A request that would exceed the budget waits out the
// remainder of the window, then spends against the fresh window
// unconditionally; the limiter is advisory, so an n larger than the whole
// budget is admitted after one full wait rather than blocking forever.
func (w *WindowLimiter) Acquire(ctx context.Context, n int) error {
	w.mu.Lock()
	w.resetIfElapsed()
	if w.tokensUsed+n > w.budget {
		wait := w.window - w.now().Sub(w.lastReset)
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		w.mu.Lock()
		w.resetIfElapsed()
	}
	w.tokensUsed += n
	w.mu.Unlock()
	return nil
}

// resetIfElapsed zeroes the window if it has run out. Callers hold mu.
func (w *WindowLimiter) resetIfElapsed() {
	now := w.now()
	if now.Sub(w.lastReset) >= w.window {
		w.tokensUsed = 0
		w.lastReset = now
	}
}

// Used returns the tokens spent in the current window, for metrics/tests.
func (w *WindowLimiter) Used() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokensUsed
}
