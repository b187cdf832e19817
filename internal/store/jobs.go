package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// JobStatus is the lifecycle state of an import job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ImportJob is the durable state of one bulk ingestion run.
type ImportJob struct {
	ID                 string     `json:"id"`
	Kind               string     `json:"kind"`
	Cycle              int        `json:"cycle"`
	Status             JobStatus  `json:"status"`
	CheckpointPosition int64      `json:"checkpoint_position"`
	ImportedCount      int64      `json:"imported_count"`
	SkippedCount       int64      `json:"skipped_count"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

const jobColumns = `id, kind, cycle, status, checkpoint_position, imported_count, skipped_count,
	error_message, created_at, started_at, finished_at, updated_at`

// InsertJob stores a new job.
func (d *DB) InsertJob(ctx context.Context, j *ImportJob) error {
	now := d.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	return d.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO import_jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			j.ID, j.Kind, j.Cycle, string(j.Status), j.CheckpointPosition, j.ImportedCount, j.SkippedCount,
			j.ErrorMessage, toNanos(j.CreatedAt), nullNanos(j.StartedAt), nullNanos(j.FinishedAt), toNanos(j.UpdatedAt))
		return errors.Wrapf(err, "insert job %s", j.ID)
	})
}

// GetJob loads a job by id.
func (d *DB) GetJob(ctx context.Context, id string) (*ImportJob, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// UpdateJob applies fn to the current stored state of a job and writes the
// result back, atomically with respect to other writers.
func (d *DB) UpdateJob(ctx context.Context, id string, fn func(j *ImportJob) error) (*ImportJob, error) {
	var out *ImportJob
	err := d.Write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM import_jobs WHERE id = ?`, id)
		j, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := fn(j); err != nil {
			return err
		}
		j.UpdatedAt = d.Now()
		_, err = tx.ExecContext(ctx, `UPDATE import_jobs SET status = ?, checkpoint_position = ?,
			imported_count = ?, skipped_count = ?, error_message = ?, started_at = ?, finished_at = ?,
			updated_at = ? WHERE id = ?`,
			string(j.Status), j.CheckpointPosition, j.ImportedCount, j.SkippedCount, j.ErrorMessage,
			nullNanos(j.StartedAt), nullNanos(j.FinishedAt), toNanos(j.UpdatedAt), j.ID)
		if err != nil {
			return errors.Wrapf(err, "update job %s", id)
		}
		out = j
		return nil
	})
	return out, err
}

// ListJobs returns jobs in any of statuses (all when empty), newest first.
func (d *DB) ListJobs(ctx context.Context, statuses []JobStatus, limit int) ([]*ImportJob, error) {
	query := `SELECT ` + jobColumns + ` FROM import_jobs`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return d.queryJobs(ctx, query, args...)
}

// LatestJob returns the newest job for kind/cycle in any of statuses.
func (d *DB) LatestJob(ctx context.Context, kind string, cycle int, statuses ...JobStatus) (*ImportJob, error) {
	query := `SELECT ` + jobColumns + ` FROM import_jobs WHERE kind = ? AND cycle = ?`
	args := []any{kind, cycle}
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = "?"
			args = append(args, string(s))
		}
		query += ` AND status IN (` + strings.Join(parts, ",") + `)`
	}
	query += ` ORDER BY created_at DESC LIMIT 1`
	jobs, err := d.queryJobs(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

func (d *DB) queryJobs(ctx context.Context, query string, args ...any) ([]*ImportJob, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var out []*ImportJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "list jobs")
}

func scanJob(s rowScanner) (*ImportJob, error) {
	var (
		j                 ImportJob
		status            string
		created, updated  int64
		started, finished sql.NullInt64
	)
	err := s.Scan(&j.ID, &j.Kind, &j.Cycle, &status, &j.CheckpointPosition, &j.ImportedCount, &j.SkippedCount,
		&j.ErrorMessage, &created, &started, &finished, &updated)
	if err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	j.StartedAt = timePtr(started)
	j.FinishedAt = timePtr(finished)
	return &j, nil
}
