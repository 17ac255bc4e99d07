package resilience

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultDomain keys operations whose caller could not derive a host.
const DefaultDomain = "default"

// DomainState is the gate for one domain. Fields are only touched by the
// rate limiter while holding mu.
type DomainState struct {
	domain string

	mu        sync.Mutex
	starts    []time.Time
	inFlight  int
	lastStart time.Time
	changed   chan struct{}
}

func newDomainState(domain string) *DomainState {
	return &DomainState{
		domain:  domain,
		changed: make(chan struct{}),
	}
}

// Domain returns the normalized key of the state.
func (s *DomainState) Domain() string {
	return s.domain
}

// InFlight returns the number of admitted, unreleased operations.
func (s *DomainState) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// prune drops starts that fell out of the window ending at now. Callers hold mu.
func (s *DomainState) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(s.starts) && !s.starts[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		s.starts = append(s.starts[:0], s.starts[idx:]...)
	}
}

// broadcast wakes every waiter parked on the current change channel. Callers hold mu.
func (s *DomainState) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *DomainState) snapshot(now time.Time, window time.Duration) DomainSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune(now, window)
	return DomainSnapshot{
		Domain:      s.domain,
		InFlight:    s.inFlight,
		WindowCount: len(s.starts),
		LastStart:   s.lastStart,
	}
}

// DomainSnapshot is a point-in-time view of one domain gate.
type DomainSnapshot struct {
	Domain      string    `json:"domain"`
	InFlight    int       `json:"in_flight"`
	WindowCount int       `json:"window_count"`
	LastStart   time.Time `json:"last_start"`
}

// Registry owns the domain→state mapping. States are created lazily and
// live for the life of the registry.
type Registry struct {
	mu     sync.RWMutex
	states map[string]*DomainState
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*DomainState)}
}

// NormalizeDomain lowercases and trims a domain key, mapping empty input to DefaultDomain.
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" {
		return DefaultDomain
	}
	return d
}

// GetOrCreate returns the state for domain, creating it on first use. The
// same domain always yields the same instance.
func (r *Registry) GetOrCreate(domain string) *DomainState {
	key := NormalizeDomain(domain)

	r.mu.RLock()
	state, ok := r.states[key]
	r.mu.RUnlock()
	if ok {
		return state
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok = r.states[key]; ok {
		return state
	}
	state = newDomainState(key)
	r.states[key] = state
	return state
}

// Len returns the number of known domains.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// Snapshot returns every domain gate sorted by domain.
func (r *Registry) Snapshot(now time.Time, window time.Duration) []DomainSnapshot {
	r.mu.RLock()
	states := make([]*DomainState, 0, len(r.states))
	for _, s := range r.states {
		states = append(states, s)
	}
	r.mu.RUnlock()

	out := make([]DomainSnapshot, 0, len(states))
	for _, s := range states {
		out = append(out, s.snapshot(now, window))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}
