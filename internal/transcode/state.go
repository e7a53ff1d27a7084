package transcode

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/transcodarr/internal/events"
	"github.com/jmylchreest/transcodarr/internal/models"
)

// storeWriteTimeout bounds a single job state write.
const storeWriteTimeout = 5 * time.Second

// JobUpdater persists partial job updates keyed by job ID.
type JobUpdater interface {
	Update(ctx context.Context, id models.ULID, upd models.JobUpdate) error
}

type phase int32

const (
	phaseStarting phase = iota
	phaseProcessing
	phaseFinal
)

// jobState is the in-memory guard for a job's state machine. Exactly one
// caller wins finalize.
type jobState struct {
	phase atomic.Int32
}

func (s *jobState) markProcessing() bool {
	return s.phase.CompareAndSwap(int32(phaseStarting), int32(phaseProcessing))
}

func (s *jobState) finalize() bool {
	for {
		cur := s.phase.Load()
		if phase(cur) == phaseFinal {
			return false
		}
		if s.phase.CompareAndSwap(cur, int32(phaseFinal)) {
			return true
		}
	}
}

func (s *jobState) finalized() bool {
	return phase(s.phase.Load()) == phaseFinal
}

// reporter writes job updates to the store and publishes the resulting
// snapshot. Store failures are logged and never abort the job. Progress
// writes are coalesced by a single flusher so a slow store cannot stall the
// stderr reader.
type reporter struct {
	jobID  models.ULID
	store  JobUpdater
	events events.Publisher
	logger *slog.Logger

	mu       sync.Mutex
	snapshot events.JobEvent
	latest   int
	written  int

	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func newReporter(job *models.Job, store JobUpdater, pub events.Publisher, logger *slog.Logger) *reporter {
	if pub == nil {
		pub = events.Discard{}
	}
	r := &reporter{
		jobID:    job.ID,
		store:    store,
		events:   pub,
		logger:   logger,
		snapshot: events.FromJob(job),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	r.latest = job.Progress
	r.written = job.Progress
	return r
}

// start launches the progress flusher.
func (r *reporter) start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.signal:
				r.flushProgress(ctx)
			case <-r.done:
				r.flushProgress(ctx)
				return
			}
		}
	}()
}

// stop drains pending progress and stops the flusher.
func (r *reporter) stop() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	r.wg.Wait()
}

// progress records a new running percentage for the flusher.
func (r *reporter) progress(p int) {
	r.mu.Lock()
	if p > r.latest {
		r.latest = p
	}
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *reporter) flushProgress(ctx context.Context) {
	r.mu.Lock()
	p := r.latest
	if p <= r.written {
		r.mu.Unlock()
		return
	}
	r.written = p
	r.mu.Unlock()

	r.write(ctx, models.ProgressUpdate(p))
}

// write persists upd and publishes the updated snapshot.
func (r *reporter) write(ctx context.Context, upd models.JobUpdate) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
	defer cancel()

	if err := r.store.Update(ctx, r.jobID, upd); err != nil {
		switch {
		case errors.Is(err, models.ErrJobFinalized), errors.Is(err, models.ErrInvalidTransition):
			r.logger.Debug("job state update rejected",
				slog.String("error", err.Error()),
			)
		default:
			r.logger.Warn("job state update failed",
				slog.String("error", models.ErrStoreUnavailable.Error()),
				slog.String("cause", err.Error()),
			)
		}
	}

	r.events.Publish(ctx, r.apply(upd))
}

func (r *reporter) apply(upd models.JobUpdate) events.JobEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := &r.snapshot
	if upd.Status != nil {
		ev.Status = *upd.Status
	}
	if upd.Progress != nil && *upd.Progress > ev.Progress {
		ev.Progress = *upd.Progress
	}
	if ev.Status != models.JobStatusComplete && ev.Progress > models.MaxRunningProgress {
		ev.Progress = models.MaxRunningProgress
	}
	if ev.Status == models.JobStatusFailed && upd.ErrorLog != nil {
		ev.Error = *upd.ErrorLog
	}
	if ev.Status == models.JobStatusComplete && upd.OutputURL != nil {
		ev.OutputURL = *upd.OutputURL
	}
	ev.Timestamp = time.Now()
	return *ev
}
