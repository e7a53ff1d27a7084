package transcode

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jmylchreest/transcodarr/internal/models"
)

// ErrPoolClosed is returned by Submit after Shutdown has begun.
var ErrPoolClosed = errors.New("transcode pool is shut down")

// ActiveJob describes a job holding or waiting for a pool slot.
type ActiveJob struct {
	JobID     models.ULID `json:"job_id"`
	ClientID  string      `json:"client_id,omitempty"`
	Running   bool        `json:"running"`
	Submitted time.Time   `json:"submitted_at"`
}

type activeEntry struct {
	info   ActiveJob
	cancel context.CancelCauseFunc
}

// Pool bounds the number of concurrently running jobs. Jobs beyond the
// bound wait for a slot; per-client limits are enforced at submission.
type Pool struct {
	runner   *Runner
	sem      *semaphore.Weighted
	size     int64
	clients  *Registry
	logger   *slog.Logger
	baseCtx  context.Context
	stopBase context.CancelCauseFunc

	mu     sync.Mutex
	active map[models.ULID]*activeEntry
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool running at most maxConcurrent jobs. A nil
// registry disables per-client limits.
func NewPool(runner *Runner, maxConcurrent int, clients *Registry, logger *slog.Logger) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if clients == nil {
		clients = NewRegistry(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancelCause(context.Background())
	return &Pool{
		runner:   runner,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		size:     int64(maxConcurrent),
		clients:  clients,
		logger:   logger,
		baseCtx:  base,
		stopBase: stop,
		active:   make(map[models.ULID]*activeEntry),
	}
}

// Submit schedules task and returns a channel that receives its single
// Result. Jobs outlive ctx; set task.Bind to tie a job to a caller.
func (p *Pool) Submit(ctx context.Context, task Task) (<-chan Result, error) {
	clientID := task.Job.ClientID
	if err := p.clients.Acquire(clientID); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.clients.Release(clientID)
		return nil, ErrPoolClosed
	}
	// Jobs keep the caller's values but not its cancellation.
	jobCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stopShutdown := context.AfterFunc(p.baseCtx, func() { cancel(ErrShuttingDown) })
	entry := &activeEntry{
		info: ActiveJob{
			JobID:     task.Job.ID,
			ClientID:  clientID,
			Submitted: time.Now(),
		},
		cancel: cancel,
	}
	p.active[task.Job.ID] = entry
	p.wg.Add(1)
	p.mu.Unlock()

	stopBind := func() bool { return false }
	if task.Bind != nil {
		stopBind = context.AfterFunc(task.Bind, func() { cancel(ErrClientGone) })
	}

	results := make(chan Result, 1)
	go func() {
		defer p.wg.Done()
		defer p.clients.Release(clientID)
		defer p.remove(task.Job.ID)
		defer stopBind()
		defer stopShutdown()
		defer cancel(nil)

		if err := p.sem.Acquire(jobCtx, 1); err != nil {
			results <- p.runner.Abort(jobCtx, task, context.Cause(jobCtx))
			return
		}
		defer p.sem.Release(1)

		p.mu.Lock()
		entry.info.Running = true
		p.mu.Unlock()

		results <- p.runner.Run(jobCtx, task)
	}()
	return results, nil
}

// Cancel stops a queued or running job. It reports whether the job was
// known to the pool.
func (p *Pool) Cancel(jobID models.ULID) bool {
	p.mu.Lock()
	entry, ok := p.active[jobID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	entry.cancel(ErrJobCancelled)
	return true
}

// Active returns the jobs currently holding or waiting for a slot.
func (p *Pool) Active() []ActiveJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ActiveJob, 0, len(p.active))
	for _, e := range p.active {
		out = append(out, e.info)
	}
	return out
}

// Stats summarizes pool occupancy.
type Stats struct {
	Capacity int            `json:"capacity"`
	Running  int            `json:"running"`
	Queued   int            `json:"queued"`
	Clients  map[string]int `json:"clients,omitempty"`
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	s := Stats{Capacity: int(p.size), Clients: p.clients.Snapshot()}
	for _, a := range p.Active() {
		if a.Running {
			s.Running++
		} else {
			s.Queued++
		}
	}
	return s
}

// Shutdown rejects new jobs, cancels those in flight and waits for them to
// reach a terminal state or for ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.stopBase(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("transcode pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) remove(jobID models.ULID) {
	p.mu.Lock()
	delete(p.active, jobID)
	p.mu.Unlock()
}
