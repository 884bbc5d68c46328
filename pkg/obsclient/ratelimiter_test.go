package obsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindowLimiter_AdmitsUpToLimitImmediately(t *testing.T) {
	l := newSlidingWindowLimiter(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		start := time.Now()
		requireNoError(t, l.wait(ctx))
		assert.Less(t, time.Since(start), 200*time.Millisecond)
	}
}

func TestSlidingWindowLimiter_BlocksPastLimitUntilWindowAges(t *testing.T) {
	l := newSlidingWindowLimiter(1, 150*time.Millisecond)
	ctx := context.Background()

	requireNoError(t, l.wait(ctx))

	var hookCalled bool
	l.rateLimitedHook = func() { hookCalled = true }

	start := time.Now()
	requireNoError(t, l.wait(ctx))
	elapsed := time.Since(start)

	assert.True(t, hookCalled)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestSlidingWindowLimiter_RespectsContextCancellation(t *testing.T) {
	l := newSlidingWindowLimiter(1, time.Minute)
	ctx := context.Background()
	requireNoError(t, l.wait(ctx))

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.wait(cancelCtx)
	assert.Error(t, err)
}

func requireNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
