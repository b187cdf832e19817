// Package jobs keeps the durable bookkeeping of bulk import jobs.
package jobs

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"filingsync/internal/store"
)

// ErrIllegalTransition is returned for status changes the job lifecycle
// does not allow.
var ErrIllegalTransition = errors.New("illegal job status transition")

type Job = store.ImportJob

// Progress is the resumable position of a run and its counters.
type Progress struct {
	Checkpoint int64
	Imported   int64
	Skipped    int64
}

// Of returns the progress recorded on j.
func Of(j *Job) Progress {
	return Progress{Checkpoint: j.CheckpointPosition, Imported: j.ImportedCount, Skipped: j.SkippedCount}
}

// Tracker enforces the job lifecycle
//
//	pending -> running -> completed | failed | cancelled
//	pending -> cancelled
//
// and owns the set of jobs an operator asked to cancel.
type Tracker struct {
	db *store.DB

	mu        sync.Mutex
	cancelled map[string]struct{}
}

func NewTracker(db *store.DB) *Tracker {
	return &Tracker{db: db, cancelled: make(map[string]struct{})}
}

// Create stores a new pending job.
func (t *Tracker) Create(ctx context.Context, kind string, cycle int) (*Job, error) {
	return t.create(ctx, kind, cycle, Progress{})
}

func (t *Tracker) create(ctx context.Context, kind string, cycle int, p Progress) (*Job, error) {
	j := &Job{
		ID:                 uuid.NewString(),
		Kind:               kind,
		Cycle:              cycle,
		Status:             store.JobPending,
		CheckpointPosition: p.Checkpoint,
		ImportedCount:      p.Imported,
		SkippedCount:       p.Skipped,
	}
	if err := t.db.InsertJob(ctx, j); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"job": j.ID, "kind": kind, "cycle": cycle}).Info("import job created")
	return j, nil
}

func (t *Tracker) Get(ctx context.Context, id string) (*Job, error) {
	return t.db.GetJob(ctx, id)
}

// Start moves a pending job to running. Starting a running job again is
// allowed so that a job left running by a crash can be resumed.
func (t *Tracker) Start(ctx context.Context, id string) (*Job, error) {
	return t.db.UpdateJob(ctx, id, func(j *Job) error {
		if j.Status != store.JobPending && j.Status != store.JobRunning {
			return errors.Wrapf(ErrIllegalTransition, "start %s job %s", j.Status, j.ID)
		}
		j.Status = store.JobRunning
		if j.StartedAt == nil {
			now := t.db.Now()
			j.StartedAt = &now
		}
		j.ErrorMessage = ""
		return nil
	})
}

// UpdateProgress records how far a run got. The checkpoint never moves
// backwards. Cancelled jobs still accept progress so a stopping run can
// record where it stopped.
func (t *Tracker) UpdateProgress(ctx context.Context, id string, p Progress) (*Job, error) {
	return t.db.UpdateJob(ctx, id, func(j *Job) error {
		if j.Status == store.JobCompleted || j.Status == store.JobFailed {
			return errors.Wrapf(ErrIllegalTransition, "progress on %s job %s", j.Status, j.ID)
		}
		return applyProgress(j, p)
	})
}

func applyProgress(j *Job, p Progress) error {
	if p.Checkpoint < j.CheckpointPosition {
		return errors.Wrapf(ErrIllegalTransition, "checkpoint of job %s would move back from %d to %d",
			j.ID, j.CheckpointPosition, p.Checkpoint)
	}
	j.CheckpointPosition = p.Checkpoint
	j.ImportedCount = p.Imported
	j.SkippedCount = p.Skipped
	return nil
}

// Complete finishes a running job with its final progress.
func (t *Tracker) Complete(ctx context.Context, id string, p Progress) (*Job, error) {
	return t.finish(ctx, id, store.JobCompleted, p, "")
}

// Fail finishes a job with an error message. The checkpoint is kept so a
// retry can resume from it.
func (t *Tracker) Fail(ctx context.Context, id string, p Progress, msg string) (*Job, error) {
	return t.finish(ctx, id, store.JobFailed, p, msg)
}

func (t *Tracker) finish(ctx context.Context, id string, status store.JobStatus, p Progress, msg string) (*Job, error) {
	j, err := t.db.UpdateJob(ctx, id, func(j *Job) error {
		if j.Status != store.JobRunning && !(status == store.JobFailed && j.Status == store.JobPending) {
			return errors.Wrapf(ErrIllegalTransition, "%s job %s cannot become %s", j.Status, j.ID, status)
		}
		if err := applyProgress(j, p); err != nil {
			return err
		}
		j.Status = status
		j.ErrorMessage = msg
		now := t.db.Now()
		j.FinishedAt = &now
		return nil
	})
	if err == nil {
		t.Forget(id)
	}
	return j, err
}

// Cancel flags a job for cancellation and moves it to cancelled. The running
// pipeline notices the flag before its next chunk. Cancelling a finished
// job is a no-op.
func (t *Tracker) Cancel(ctx context.Context, id string) (*Job, error) {
	cur, err := t.db.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return cur, nil
	}

	t.mu.Lock()
	t.cancelled[id] = struct{}{}
	t.mu.Unlock()

	return t.db.UpdateJob(ctx, id, func(j *Job) error {
		if j.Status.Terminal() {
			return nil
		}
		j.Status = store.JobCancelled
		now := t.db.Now()
		j.FinishedAt = &now
		return nil
	})
}

// IsCancelled reports whether cancellation was requested, either through
// this tracker or by another process updating the stored status.
func (t *Tracker) IsCancelled(ctx context.Context, id string) (bool, error) {
	t.mu.Lock()
	_, flagged := t.cancelled[id]
	t.mu.Unlock()
	if flagged {
		return true, nil
	}
	j, err := t.db.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	return j.Status == store.JobCancelled, nil
}

// Forget drops the in-memory cancel flag of a run that has stopped.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	delete(t.cancelled, id)
	t.mu.Unlock()
}

// ListIncomplete returns pending and running jobs, newest first. Jobs left
// running by a previous process show up here for an operator to resume.
func (t *Tracker) ListIncomplete(ctx context.Context) ([]*Job, error) {
	return t.db.ListJobs(ctx, []store.JobStatus{store.JobPending, store.JobRunning}, 0)
}

// ListRecent returns the newest jobs in any status.
func (t *Tracker) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	return t.db.ListJobs(ctx, nil, limit)
}

// LatestResumable returns the newest pending or running job for kind and
// cycle, or store.ErrNotFound.
func (t *Tracker) LatestResumable(ctx context.Context, kind string, cycle int) (*Job, error) {
	return t.db.LatestJob(ctx, kind, cycle, store.JobPending, store.JobRunning)
}

// Retry creates a new pending job for a failed one, seeded with its
// checkpoint and counters so the retry resumes rather than restarts.
func (t *Tracker) Retry(ctx context.Context, id string) (*Job, error) {
	old, err := t.db.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Status != store.JobFailed {
		return nil, errors.Wrapf(ErrIllegalTransition, "retry %s job %s", old.Status, old.ID)
	}
	j, err := t.create(ctx, old.Kind, old.Cycle, Of(old))
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"job": j.ID, "retry_of": old.ID, "checkpoint": old.CheckpointPosition}).Info("retrying failed import job")
	return j, nil
}
