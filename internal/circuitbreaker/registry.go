package circuitbreaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
)

// StateStore persists breaker state tuples.
type StateStore interface {
	SaveBreakerState(ctx context.Context, s *autorouter.BreakerState) error
	ListBreakerStates(ctx context.Context) ([]*autorouter.BreakerState, error)
}

// persistTimeout bounds each async state write-back.
const persistTimeout = 5 * time.Second

// Registry manages per-upstream Breaker instances and their persistence.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	store    StateStore // nil = in-memory only (tests)
}

// NewRegistry creates a registry backed by store.
func NewRegistry(store StateStore) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		store:    store,
	}
}

// Load restores persisted breaker states at startup.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	states, err := r.store.ListBreakerStates(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range states {
		b := New(s.UpstreamID, s.Config)
		b.Restore(s)
		b.sink = r.persist
		r.breakers[s.UpstreamID] = b
	}
	return nil
}

// Get returns the breaker for the given upstream ID, or nil if none exists.
func (r *Registry) Get(upstreamID string) *Breaker {
	r.mu.RLock()
	b := r.breakers[upstreamID]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for upstreamID, creating one lazily with
// cfg. Uses double-check locking to minimize write-lock contention.
func (r *Registry) GetOrCreate(upstreamID string, cfg autorouter.BreakerConfig) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[upstreamID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if b, ok := r.breakers[upstreamID]; ok {
		return b
	}
	b = New(upstreamID, cfg)
	b.sink = r.persist
	r.breakers[upstreamID] = b
	return b
}

// Reconfigure swaps the config of an existing breaker. No-op when the
// upstream has no breaker yet; the next GetOrCreate picks up the new config.
func (r *Registry) Reconfigure(upstreamID string, cfg autorouter.BreakerConfig) {
	if b := r.Get(upstreamID); b != nil {
		b.SetConfig(cfg)
	}
}

// Remove drops the breaker for a deleted upstream.
func (r *Registry) Remove(upstreamID string) {
	r.mu.Lock()
	delete(r.breakers, upstreamID)
	r.mu.Unlock()
}

// States returns a snapshot of all breaker state tuples, optionally filtered
// by state.
func (r *Registry) States(filter autorouter.CircuitState) []autorouter.BreakerState {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make([]autorouter.BreakerState, 0, len(breakers))
	for _, b := range breakers {
		s := b.Snapshot()
		if filter != "" && s.State != filter {
			continue
		}
		out = append(out, s)
	}
	return out
}

// persist writes a state tuple back asynchronously. Losing a write degrades
// restart fidelity only; the in-memory tuple stays authoritative.
func (r *Registry) persist(s autorouter.BreakerState) {
	if r.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := r.store.SaveBreakerState(ctx, &s); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "breaker state persist failed",
				slog.String("upstream_id", s.UpstreamID),
				slog.String("error", err.Error()),
			)
		}
	}()
}
