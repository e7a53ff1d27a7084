package transcode

import (
	"errors"
	"sync"
)

// ErrClientLimit is returned when a client already has its maximum number
// of jobs in flight.
var ErrClientLimit = errors.New("too many concurrent jobs for client")

// anonymousClient groups requests that carry no client identity.
const anonymousClient = "anonymous"

// Registry counts in-flight jobs per client. A limit of zero or less
// disables the check.
type Registry struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
}

// NewRegistry creates a registry allowing limit jobs per client.
func NewRegistry(limit int) *Registry {
	return &Registry{
		limit:  limit,
		counts: make(map[string]int),
	}
}

// Acquire reserves a slot for clientID or returns ErrClientLimit.
func (r *Registry) Acquire(clientID string) error {
	clientID = normalizeClient(clientID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit > 0 && r.counts[clientID] >= r.limit {
		return ErrClientLimit
	}
	r.counts[clientID]++
	return nil
}

// Release frees a slot previously reserved with Acquire.
func (r *Registry) Release(clientID string) {
	clientID = normalizeClient(clientID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.counts[clientID] <= 1 {
		delete(r.counts, clientID)
		return
	}
	r.counts[clientID]--
}

// Count returns the jobs currently held by clientID.
func (r *Registry) Count(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[normalizeClient(clientID)]
}

// Snapshot returns a copy of all per-client counts.
func (r *Registry) Snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

func normalizeClient(clientID string) string {
	if clientID == "" {
		return anonymousClient
	}
	return clientID
}
