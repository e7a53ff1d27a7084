// Package events distributes job status changes to in-process subscribers
// and external brokers.
package events

import (
	"context"
	"time"

	"github.com/jmylchreest/transcodarr/internal/models"
)

// Event types.
const (
	EventTypeProgress  = "progress"
	EventTypeCompleted = "completed"
	EventTypeFailed    = "failed"
)

// JobEvent is a snapshot of a job's externally visible state.
type JobEvent struct {
	JobID     string           `json:"jobId"`
	Status    models.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	Error     string           `json:"error,omitempty"`
	OutputURL string           `json:"outputUrl,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Type returns the event type for the snapshot's status.
func (e JobEvent) Type() string {
	switch e.Status {
	case models.JobStatusComplete:
		return EventTypeCompleted
	case models.JobStatusFailed:
		return EventTypeFailed
	default:
		return EventTypeProgress
	}
}

// IsTerminal reports whether no further events follow for the job.
func (e JobEvent) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// FromJob builds an event from a stored job.
func FromJob(job *models.Job) JobEvent {
	ev := JobEvent{
		JobID:     job.ID.String(),
		Status:    job.Status,
		Progress:  job.Progress,
		OutputURL: job.VisibleOutputURL(),
		Timestamp: job.UpdatedAt,
	}
	if job.Status == models.JobStatusFailed {
		ev.Error = job.ErrorLog
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return ev
}

// Publisher receives job events. Implementations must not block the caller
// for long and report their own failures.
type Publisher interface {
	Publish(ctx context.Context, ev JobEvent)
}

// Multi fans an event out to several publishers in order.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, ev JobEvent) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, ev)
		}
	}
}

// Discard drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, JobEvent) {}
