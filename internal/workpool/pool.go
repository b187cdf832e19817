package workpool

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrPoolFull is returned by TrySubmit when the queue has no room.
	ErrPoolFull = errors.New("work pool queue is full")
	// ErrPoolClosed is returned once Close has been called.
	ErrPoolClosed = errors.New("work pool is closed")
)

// Task is one unit of fire-and-forget background work. Errors are logged
// and dropped.
type Task func(ctx context.Context) error

type job struct {
	label string
	run   Task
}

// Pool runs background tasks on a fixed number of workers fed by a bounded
// queue, so bursts of submissions are rejected instead of growing memory.
type Pool struct {
	name  string
	jobs  chan job
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
	tasks sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	// OnDone, when set, is called after every task with its outcome.
	OnDone func(label string, err error)
}

// New starts a pool with the given number of workers and queue capacity.
func New(name string, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name: name,
		jobs: make(chan job, queueSize),
		ctx:  ctx,
		stop: cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer p.tasks.Done()
	var err error
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("panic: %v", rec)
		}
		if err != nil {
			log.WithFields(log.Fields{"pool": p.name, "task": j.label}).WithError(err).Warn("background task failed")
		}
		if p.OnDone != nil {
			p.OnDone(j.label, err)
		}
	}()
	err = j.run(p.ctx)
}

// TrySubmit queues t without blocking. It returns ErrPoolFull when the
// queue is at capacity.
func (p *Pool) TrySubmit(label string, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.tasks.Add(1)
	select {
	case p.jobs <- job{label: label, run: t}:
		return nil
	default:
		p.tasks.Done()
		return ErrPoolFull
	}
}

// Submit queues t, blocking until there is room or ctx is done.
func (p *Pool) Submit(ctx context.Context, label string, t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.tasks.Add(1)
	select {
	case p.jobs <- job{label: label, run: t}:
		return nil
	case <-ctx.Done():
		p.tasks.Done()
		return ctx.Err()
	}
}

// Wait blocks until every task submitted so far has finished.
func (p *Pool) Wait() {
	p.tasks.Wait()
}

// Close stops accepting tasks, cancels the context handed to running tasks
// and waits for the workers to exit. Queued tasks still run, with a
// cancelled context.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.stop()
	p.wg.Wait()
}
