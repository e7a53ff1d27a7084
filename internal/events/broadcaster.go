package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/transcodarr/internal/observability"
)

// subscriberBuffer bounds the events queued for a slow subscriber.
const subscriberBuffer = 64

// Subscriber receives events for one job, or for all jobs when JobID is empty.
type Subscriber struct {
	ID     string
	JobID  string
	Events chan JobEvent
}

func (s *Subscriber) matches(ev JobEvent) bool {
	return s.JobID == "" || s.JobID == ev.JobID
}

// Broadcaster fans job events out to SSE and websocket subscribers and keeps
// the latest event per job so late subscribers start from current state.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	latest      map[string]JobEvent
	logger      *slog.Logger

	staleDuration time.Duration
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers:   make(map[string]*Subscriber),
		latest:        make(map[string]JobEvent),
		logger:        observability.WithComponent(logger, "event_broadcaster"),
		staleDuration: 10 * time.Minute,
		stopCleanup:   make(chan struct{}),
	}
}

// Start begins background removal of stale terminal snapshots.
func (b *Broadcaster) Start() {
	go b.cleanupLoop(time.Minute)
}

// Stop halts background cleanup.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stopCleanup) })
}

func (b *Broadcaster) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.cleanupStale(time.Now())
		case <-b.stopCleanup:
			return
		}
	}
}

func (b *Broadcaster) cleanupStale(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-b.staleDuration)
	removed := 0
	for id, ev := range b.latest {
		if ev.IsTerminal() && ev.Timestamp.Before(cutoff) {
			delete(b.latest, id)
			removed++
		}
	}
	if removed > 0 {
		b.logger.Debug("cleaned up stale job events", slog.Int("count", removed))
	}
	return removed
}

// Publish records ev as the job's latest state and delivers it to matching
// subscribers. A full subscriber queue drops the event for that subscriber.
func (b *Broadcaster) Publish(_ context.Context, ev JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.latest[ev.JobID]; ok {
		if prev.IsTerminal() {
			return
		}
		if !ev.IsTerminal() && ev.Progress < prev.Progress {
			ev.Progress = prev.Progress
		}
	}
	b.latest[ev.JobID] = ev

	for _, sub := range b.subscribers {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.Events <- ev:
		default:
			b.logger.Warn("subscriber event channel full, dropping event",
				slog.String("subscriber_id", sub.ID),
				slog.String("job_id", ev.JobID),
			)
		}
	}
}

// Subscribe registers a subscriber. An empty jobID receives every job.
// When the job already has a recorded state it is queued first.
func (b *Broadcaster) Subscribe(jobID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:     ulid.Make().String(),
		JobID:  jobID,
		Events: make(chan JobEvent, subscriberBuffer),
	}
	if jobID != "" {
		if ev, ok := b.latest[jobID]; ok {
			sub.Events <- ev
		}
	}
	b.subscribers[sub.ID] = sub

	b.logger.Debug("subscriber added",
		slog.String("subscriber_id", sub.ID),
		slog.String("job_id", jobID),
	)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Events)
		delete(b.subscribers, id)
	}
}

// Latest returns the most recent event recorded for a job.
func (b *Broadcaster) Latest(jobID string) (JobEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.latest[jobID]
	return ev, ok
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
