package circuitbreaker

import "sync"

// Registry manages one breaker per upstream host, created lazily with the
// registry config on first use.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for host, constructing it on first access.
func (r *Registry) For(host string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[host]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[host]; ok {
		return b
	}
	b = New(host, r.cfg)
	r.breakers[host] = b
	return b
}

// Get returns the breaker for host without creating one.
func (r *Registry) Get(host string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[host]
	return b, ok
}

// UpdateConfig replaces the config applied to new breakers and retunes
// every existing breaker in place.
func (r *Registry) UpdateConfig(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	for _, b := range r.breakers {
		b.SetConfig(cfg)
	}
}

// Reset forces the named breaker back to CLOSED. It reports whether the
// breaker existed.
func (r *Registry) Reset(host string) bool {
	b, ok := r.Get(host)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Snapshots returns snapshots of all breakers keyed by host.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Snapshot, len(r.breakers))
	for host, b := range r.breakers {
		result[host] = b.Snapshot()
	}
	return result
}
