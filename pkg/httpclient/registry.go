package httpclient

import (
	"slices"
	"strings"
	"sync"
)

// CircuitBreakerStatus is one client's breaker as reported by /health.
type CircuitBreakerStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// Registry names the process's outbound clients so their breakers can be
// reported together.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Register stores client under name, replacing any previous one.
func (r *Registry) Register(name string, client *Client) {
	r.mu.Lock()
	r.clients[name] = client
	r.mu.Unlock()
}

// GetCircuitBreakerStatuses snapshots every breaker, sorted by client name.
func (r *Registry) GetCircuitBreakerStatuses() []CircuitBreakerStatus {
	r.mu.RLock()
	out := make([]CircuitBreakerStatus, 0, len(r.clients))
	for name, c := range r.clients {
		out = append(out, CircuitBreakerStatus{
			Name:     name,
			State:    c.breaker.State().String(),
			Failures: c.breaker.Failures(),
		})
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b CircuitBreakerStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}
