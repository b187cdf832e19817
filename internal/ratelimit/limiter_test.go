package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
)

func TestConcurrencyCap(t *testing.T) {
	l := New(Config{Concurrency: 2}, nil)

	var (
		inFlight, peak int32
		wg             sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, int32(2))
}

func TestMinInterval(t *testing.T) {
	l := New(Config{Concurrency: 5, MinInterval: 20 * time.Millisecond}, nil)

	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := l.Acquire(context.Background())
		require.NoError(t, err)
		release()
	}
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestThrottledBackoffGrowsAndResets(t *testing.T) {
	l := New(Config{BaseCooldown: 10 * time.Millisecond, MaxCooldown: 30 * time.Millisecond}, clock.RealClock{})

	assert.Equal(t, 10*time.Millisecond, l.Throttled())
	assert.Equal(t, 20*time.Millisecond, l.Throttled())
	assert.Equal(t, 30*time.Millisecond, l.Throttled())
	assert.Equal(t, 30*time.Millisecond, l.Throttled())

	start := time.Now()
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release()
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "acquire waits out the cooldown")

	l.Succeeded()
	assert.Equal(t, 10*time.Millisecond, l.Throttled())
}

func TestAcquireHonoursContext(t *testing.T) {
	l := New(Config{Concurrency: 1}, nil)
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
