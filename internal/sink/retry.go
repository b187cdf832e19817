package sink

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"filingsync/internal/record"
)

// RetrySink decorates another Sink, retrying whole chunk writes that fail.
// A chunk write is all-or-nothing, so a retry never double-applies rows.
//
// If attempts is < 1, it defaults to 1 (no retries).
// If delayMs is 0, it defaults to 1000ms.
type RetrySink struct {
	inner    Sink
	attempts uint
	delay    time.Duration
}

// NewRetrySink wraps inner. The returned value still fulfils the Sink
// interface so the pipeline uses it transparently.
func NewRetrySink(inner Sink, attempts int, delayMs int) Sink {
	if inner == nil {
		return nil
	}
	if attempts < 1 {
		attempts = 1
	}
	if delayMs == 0 {
		delayMs = 1000
	}
	return &RetrySink{
		inner:    inner,
		attempts: uint(attempts),
		delay:    time.Duration(delayMs) * time.Millisecond,
	}
}

// Write forwards the call to the wrapped sink retrying on failure.
func (r *RetrySink) Write(ctx context.Context, recs []*record.Record) (Result, error) {
	var res Result
	err := retry.Do(
		func() error {
			var err error
			res, err = r.inner.Write(ctx, recs)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("sink write failed (attempt %d/%d): %v", n+1, r.attempts, err)
		}),
	)
	return res, err
}
