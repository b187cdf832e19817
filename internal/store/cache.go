package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// CacheEntry is one stored upstream response.
type CacheEntry struct {
	ID        int64
	Key       string
	Endpoint  string
	Payload   []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// PutCacheEntry appends a new entry; older entries for the key are kept.
func (d *DB) PutCacheEntry(ctx context.Context, e *CacheEntry) error {
	return d.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO cache_entries (cache_key, endpoint, payload, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?)`, e.Key, e.Endpoint, e.Payload, toNanos(e.CreatedAt), toNanos(e.ExpiresAt))
		if err != nil {
			return errors.Wrap(err, "put cache entry")
		}
		e.ID, _ = res.LastInsertId()
		return nil
	})
}

// LatestCacheEntry returns the most recently written entry for key, expired
// or not.
func (d *DB) LatestCacheEntry(ctx context.Context, key string) (*CacheEntry, error) {
	var (
		e                CacheEntry
		created, expires int64
	)
	err := d.db.QueryRowContext(ctx, `SELECT id, cache_key, endpoint, payload, created_at, expires_at
		FROM cache_entries WHERE cache_key = ? ORDER BY id DESC LIMIT 1`, key).
		Scan(&e.ID, &e.Key, &e.Endpoint, &e.Payload, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get cache entry")
	}
	e.CreatedAt = fromNanos(created)
	e.ExpiresAt = fromNanos(expires)
	return &e, nil
}

// PruneCacheEntries deletes entries that expired before cutoff, keeping the
// newest entry of every key as the stale fallback.
func (d *DB) PruneCacheEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := d.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM cache_entries
			WHERE expires_at < ?
			AND id NOT IN (SELECT MAX(id) FROM cache_entries GROUP BY cache_key)`, toNanos(cutoff))
		if err != nil {
			return errors.Wrap(err, "prune cache entries")
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
