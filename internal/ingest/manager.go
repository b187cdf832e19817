package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"filingsync/internal/jobs"
	"filingsync/internal/store"
	"filingsync/internal/workpool"
)

// ErrAlreadyRunning is returned when a run for the same dataset and cycle
// is in progress in this process.
var ErrAlreadyRunning = errors.New("an import for this dataset and cycle is already running")

// Manager runs import jobs on background goroutines for the job control
// surface. Jobs found running at startup are not resumed automatically.
type Manager struct {
	ctx      context.Context
	pipeline *Pipeline
	tracker  *jobs.Tracker
	running  *workpool.Registry

	wg sync.WaitGroup
}

// NewManager builds a manager whose runs stop when ctx is cancelled. running
// holds the dataset/cycle pairs with a run in flight.
func NewManager(ctx context.Context, p *Pipeline, tracker *jobs.Tracker, running *workpool.Registry) *Manager {
	return &Manager{ctx: ctx, pipeline: p, tracker: tracker, running: running}
}

func runKey(kind string, cycle int) string {
	return fmt.Sprintf("import:%s:%d", kind, cycle)
}

// CreateJob stores a new pending job without starting it.
func (m *Manager) CreateJob(ctx context.Context, kind string, cycle int) (*jobs.Job, error) {
	if _, ok := m.pipeline.cfg.Datasets[kind]; !ok {
		return nil, errors.Errorf("dataset kind '%s' is not configured", kind)
	}
	return m.tracker.Create(ctx, kind, cycle)
}

// StartJob launches a pending job, or continues a running one left behind by
// a previous process, in the background.
func (m *Manager) StartJob(ctx context.Context, id string) (*jobs.Job, error) {
	j, err := m.tracker.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != store.JobPending && j.Status != store.JobRunning {
		return nil, errors.Wrapf(jobs.ErrIllegalTransition, "start %s job %s", j.Status, j.ID)
	}
	key := runKey(j.Kind, j.Cycle)
	if !m.running.Begin(key) {
		return nil, errors.Wrapf(ErrAlreadyRunning, "%s %d", j.Kind, j.Cycle)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.running.Done(key)
		if _, err := m.pipeline.Run(m.ctx, j.ID); err != nil {
			log.WithField("job", j.ID).WithError(err).Warn("background import stopped")
		}
	}()
	return j, nil
}

func (m *Manager) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	return m.tracker.Get(ctx, id)
}

// CancelJob asks a job to stop. A run in flight stops before its next chunk.
func (m *Manager) CancelJob(ctx context.Context, id string) (*jobs.Job, error) {
	return m.tracker.Cancel(ctx, id)
}

// ResumeJob continues a pending or running job from its checkpoint.
func (m *Manager) ResumeJob(ctx context.Context, id string) (*jobs.Job, error) {
	return m.StartJob(ctx, id)
}

// RetryJob creates a job continuing a failed one and starts it.
func (m *Manager) RetryJob(ctx context.Context, id string) (*jobs.Job, error) {
	j, err := m.tracker.Retry(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.StartJob(ctx, j.ID)
}

func (m *Manager) ListIncompleteJobs(ctx context.Context) ([]*jobs.Job, error) {
	return m.tracker.ListIncomplete(ctx)
}

func (m *Manager) ListRecentJobs(ctx context.Context, limit int) ([]*jobs.Job, error) {
	return m.tracker.ListRecent(ctx, limit)
}

// LogIncomplete reports jobs left pending or running by an earlier process.
func (m *Manager) LogIncomplete(ctx context.Context) error {
	incomplete, err := m.tracker.ListIncomplete(ctx)
	if err != nil {
		return err
	}
	for _, j := range incomplete {
		log.WithFields(log.Fields{"job": j.ID, "kind": j.Kind, "cycle": j.Cycle, "status": j.Status,
			"checkpoint": j.CheckpointPosition}).Warn("incomplete import job found, resume it explicitly")
	}
	return nil
}

// Wait blocks until every background run has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
