package obsclient

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// localBurstSize bounds how many requests concurrent goroutines (the
// ingestor's poll loop, the delta analyzer, the pattern index, and the
// feedback collector all share one Client) may fire in the same instant
// before being smoothed out, ahead of the sliding-window's harder cap.
const localBurstSize = 5

// slidingWindowLimiter enforces "at most R requests in any trailing 60s
// window" exactly as specified: before each request, timestamps older than
// the window are evicted; if the window is full, the caller sleeps until
// the oldest timestamp ages out before the new request is admitted.
//
// A plain token bucket permits smooth refill and can admit a burst larger
// than R within a window boundary, whereas the observability backend's
// documented contract is a hard sliding-window cap, so eviction-based
// admission is used here instead; the local burst limiter below handles
// the smooth-refill case for concurrent in-process callers.
type slidingWindowLimiter struct {
	mu           sync.Mutex
	requestTimes []time.Time
	window       time.Duration
	limit        int

	burst *rate.Limiter

	rateLimitedHook func()
}

func newSlidingWindowLimiter(limit int, window time.Duration) *slidingWindowLimiter {
	if limit <= 0 {
		limit = 1000
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	perSecond := float64(limit) / window.Seconds()
	return &slidingWindowLimiter{
		window: window,
		limit:  limit,
		burst:  rate.NewLimiter(rate.Limit(perSecond), localBurstSize),
	}
}

// wait first smooths local bursts from this process's own concurrent
// callers via a token bucket, then blocks until admitting one more request
// would not exceed the limit within the sliding window, then records the
// admission. It returns early with ctx.Err() if the context is cancelled
// while waiting.
func (l *slidingWindowLimiter) wait(ctx context.Context) error {
	if err := l.burst.Wait(ctx); err != nil {
		return err
	}

	for {
		l.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-l.window)

		kept := l.requestTimes[:0]
		for _, t := range l.requestTimes {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		l.requestTimes = kept

		if len(l.requestTimes) < l.limit {
			l.requestTimes = append(l.requestTimes, now)
			l.mu.Unlock()
			return nil
		}

		oldest := l.requestTimes[0]
		sleepFor := l.window - now.Sub(oldest)
		l.mu.Unlock()

		if l.rateLimitedHook != nil {
			l.rateLimitedHook()
		}

		if sleepFor <= 0 {
			continue
		}

		timer := time.NewTimer(sleepFor)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
