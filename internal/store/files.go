package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// FileMetadata remembers what was last downloaded and imported for one
// dataset kind and cycle.
type FileMetadata struct {
	Kind        string
	Cycle       int
	RemoteSize  int64
	RemoteHash  string
	ContentHash string
	LocalPath   string
	Imported    bool
	ImportedAt  *time.Time
	UpdatedAt   time.Time
}

// GetFileMetadata returns ErrNotFound when the pair was never downloaded.
func (d *DB) GetFileMetadata(ctx context.Context, kind string, cycle int) (*FileMetadata, error) {
	var (
		m        FileMetadata
		imported int
		at       sql.NullInt64
		updated  int64
	)
	err := d.db.QueryRowContext(ctx, `SELECT kind, cycle, remote_size, remote_hash, content_hash, local_path,
		imported, imported_at, updated_at FROM file_metadata WHERE kind = ? AND cycle = ?`, kind, cycle).
		Scan(&m.Kind, &m.Cycle, &m.RemoteSize, &m.RemoteHash, &m.ContentHash, &m.LocalPath, &imported, &at, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get file metadata")
	}
	m.Imported = imported != 0
	m.ImportedAt = timePtr(at)
	m.UpdatedAt = fromNanos(updated)
	return &m, nil
}

// SaveFileMetadata inserts or replaces the row for m.Kind/m.Cycle.
func (d *DB) SaveFileMetadata(ctx context.Context, m *FileMetadata) error {
	m.UpdatedAt = d.Now()
	imported := 0
	if m.Imported {
		imported = 1
	}
	return d.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO file_metadata
			(kind, cycle, remote_size, remote_hash, content_hash, local_path, imported, imported_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (kind, cycle) DO UPDATE SET
				remote_size = excluded.remote_size, remote_hash = excluded.remote_hash,
				content_hash = excluded.content_hash, local_path = excluded.local_path,
				imported = excluded.imported, imported_at = excluded.imported_at, updated_at = excluded.updated_at`,
			m.Kind, m.Cycle, m.RemoteSize, m.RemoteHash, m.ContentHash, m.LocalPath, imported,
			nullNanos(m.ImportedAt), toNanos(m.UpdatedAt))
		return errors.Wrap(err, "save file metadata")
	})
}
