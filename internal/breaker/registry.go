package breaker

import (
	"sort"
	"sync"
	"time"
)

const (
	ServiceCloud   = "cloud"
	ServiceWebhook = "webhook"
)

// Registry holds the named breakers of a process.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

func NewRegistry() *Registry {
	return &Registry{breakers: map[string]*CircuitBreaker{}}
}

// NewDefaultRegistry returns a registry with the cloud API and webhook
// breakers configured.
func NewDefaultRegistry(now func() time.Time) *Registry {
	r := NewRegistry()
	r.Register(New(ServiceCloud, WithThreshold(5), WithResetTimeout(60*time.Second), WithHalfOpenMax(2), WithClock(now)))
	r.Register(New(ServiceWebhook, WithThreshold(10), WithResetTimeout(30*time.Second), WithHalfOpenMax(3), WithClock(now)))
	return r
}

func (r *Registry) Register(cb *CircuitBreaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[cb.Name()] = cb
}

// Get returns the named breaker, creating one with defaults if needed.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb = New(name)
	r.breakers[name] = cb
	return cb
}

// Stats returns every breaker's stats ordered by name.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
