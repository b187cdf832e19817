package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

// Config controls outbound call throttling.
type Config struct {
	// Concurrency caps the number of calls in flight (default: 5).
	Concurrency int
	// MinInterval is the minimum spacing between call starts (default: 500ms).
	MinInterval time.Duration
	// BaseCooldown is the first pause imposed after a throttling response
	// (default: 1s). Each further throttle doubles it up to MaxCooldown.
	BaseCooldown time.Duration
	// MaxCooldown bounds the exponential cooldown (default: 1m).
	MaxCooldown time.Duration
}

// Limiter throttles all outbound calls of a process. Callers must hold a
// slot for the duration of one HTTP exchange.
type Limiter struct {
	cfg     Config
	slots   *semaphore.Weighted
	spacing *rate.Limiter
	clock   clock.Clock

	mu            sync.Mutex
	penalty       time.Duration
	cooldownUntil time.Time
}

// New builds a limiter, applying defaults to unset fields.
func New(cfg Config, clk clock.Clock) *Limiter {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = time.Second
	}
	if cfg.MaxCooldown <= 0 {
		cfg.MaxCooldown = time.Minute
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Limiter{
		cfg:     cfg,
		slots:   semaphore.NewWeighted(int64(cfg.Concurrency)),
		spacing: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		clock:   clk,
	}
}

// Acquire blocks until a slot is free, any throttling cooldown has passed
// and the minimum spacing since the previous call has elapsed. The returned
// release func must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	release := func() { once.Do(func() { l.slots.Release(1) }) }

	if err := l.waitCooldown(ctx); err != nil {
		release()
		return nil, err
	}
	if err := l.spacing.Wait(ctx); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func (l *Limiter) waitCooldown(ctx context.Context) error {
	for {
		l.mu.Lock()
		wait := l.cooldownUntil.Sub(l.clock.Now())
		l.mu.Unlock()
		if wait <= 0 {
			return nil
		}
		t := l.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C():
		}
	}
}

// Throttled records a throttling signal from upstream. Every consecutive
// signal doubles the cooldown all callers observe, up to MaxCooldown.
func (l *Limiter) Throttled() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.penalty == 0 {
		l.penalty = l.cfg.BaseCooldown
	} else {
		l.penalty *= 2
	}
	if l.penalty > l.cfg.MaxCooldown {
		l.penalty = l.cfg.MaxCooldown
	}
	until := l.clock.Now().Add(l.penalty)
	if until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
	return l.penalty
}

// Succeeded resets the throttling penalty.
func (l *Limiter) Succeeded() {
	l.mu.Lock()
	l.penalty = 0
	l.mu.Unlock()
}
