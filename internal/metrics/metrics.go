package metrics

import "sync"

// Counter names used across the signaling and control surfaces.
const (
	AuthFailure    = "auth_failure"
	RateLimited    = "rate_limited"
	RoomsCreated   = "rooms_created"
	RoomsDeleted   = "rooms_deleted"
	JoinsTotal     = "joins_total"
	WSConnections  = "ws_connections"
	RelayForwarded = "relay_forwarded"
	RelayDropped   = "relay_dropped"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A deployment that needs a real metrics backend can scrape the Prometheus
// handler; in-process the registry keeps enforcement logic observable and
// testable.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
