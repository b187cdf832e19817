/*
Package store is the durable state of the service: canonical records, import
jobs, bulk file metadata and API cache entries, all kept in one SQLite file.

Writes are serialized through a single write permit held for the lifetime of
a transaction; reads go straight to the pool. SQLite busy/locked errors are
retried with bounded exponential backoff before being returned.
*/
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"time"

	"github.com/avast/retry-go"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RetryConfig bounds the backoff applied to lock contention.
type RetryConfig struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

// DB wraps the SQLite handle with the global write permit.
type DB struct {
	db     *sql.DB
	permit *semaphore.Weighted
	retry  RetryConfig
	clock  clock.PassiveClock
	// busyTimeout is how long SQLite itself waits on a lock before
	// reporting it busy.
	busyTimeout time.Duration
}

// Option customises Open.
type Option func(*DB)

// WithClock overrides the clock used for created/updated timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(d *DB) { d.clock = c }
}

// WithRetry overrides the lock-contention retry policy.
func WithRetry(cfg RetryConfig) Option {
	return func(d *DB) {
		if cfg.Attempts > 0 {
			d.retry.Attempts = cfg.Attempts
		}
		if cfg.Delay > 0 {
			d.retry.Delay = cfg.Delay
		}
		if cfg.MaxDelay > 0 {
			d.retry.MaxDelay = cfg.MaxDelay
		}
	}
}

// WithBusyTimeout overrides how long SQLite blocks on a held lock before a
// write attempt fails and is retried.
func WithBusyTimeout(timeout time.Duration) Option {
	return func(d *DB) {
		if timeout > 0 {
			d.busyTimeout = timeout
		}
	}
}

// Open opens (creating if needed) the database at path and applies all
// pending migrations.
func Open(path string, opts ...Option) (*DB, error) {
	d := &DB{
		permit:      semaphore.NewWeighted(1),
		retry:       RetryConfig{Attempts: 8, Delay: 50 * time.Millisecond, MaxDelay: 5 * time.Second},
		clock:       clock.RealClock{},
		busyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", d.busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	dsn := fmt.Sprintf("file:%s?%s", path, q.Encode())

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %s", path)
	}
	d.db = sqlDB

	if err := d.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "load migrations")
	}
	driver, err := sqlite.WithInstance(d.db, &sqlite.Config{})
	if err != nil {
		return errors.Wrap(err, "init migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return errors.Wrap(err, "init migrations")
	}
	// m.Close would close the shared *sql.DB, so only the source is released.
	defer src.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// Close releases the underlying handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Reader exposes the handle for read-only queries.
func (d *DB) Reader() Querier {
	return d.db
}

// Now returns the store clock's current time.
func (d *DB) Now() time.Time {
	return d.clock.Now()
}

// Write runs fn inside a transaction while holding the global write permit.
// The whole transaction is retried when SQLite reports lock contention, so
// fn may run more than once and must not depend on state from a failed
// attempt.
func (d *DB) Write(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if err := d.permit.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.permit.Release(1)

	return retry.Do(
		func() error {
			return d.writeOnce(ctx, fn)
		},
		retry.Context(ctx),
		retry.Attempts(d.retry.Attempts),
		retry.Delay(d.retry.Delay),
		retry.MaxDelay(d.retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsBusy),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("store write contended (attempt %d/%d), backing off", n+1, d.retry.Attempts)
		}),
	)
}

func (d *DB) writeOnce(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

// Savepoint runs fn inside a named savepoint of tx. When fn fails only the
// work done since the savepoint is rolled back; the enclosing transaction
// stays usable.
func Savepoint(ctx context.Context, tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return errors.Wrapf(err, "savepoint %s", name)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return errors.Wrapf(rbErr, "rollback to %s after: %v", name, err)
		}
		if _, relErr := tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return errors.Wrapf(relErr, "release %s after: %v", name, err)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return errors.Wrapf(err, "release %s", name)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
