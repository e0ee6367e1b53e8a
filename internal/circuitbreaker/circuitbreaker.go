// Package circuitbreaker implements the per-upstream circuit breaker state
// machine. It short-circuits requests to known-bad upstreams, reducing
// failover latency from seconds (timeout + network) to nanoseconds (state
// check). State tuples are persisted after every transition and restored at
// startup.
package circuitbreaker

import (
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	autorouter "github.com/g1331/autorouter/internal"
)

// Breaker is the state machine guarding one upstream. All transitions are
// serialized under mu; the probe gate is a one-slot semaphore held for the
// duration of a half-open probe.
type Breaker struct {
	mu         sync.Mutex
	upstreamID string
	cfg        autorouter.BreakerConfig

	state         autorouter.CircuitState
	failureCount  int
	successCount  int
	lastFailureAt time.Time
	openedAt      time.Time
	lastProbeAt   time.Time

	probe *semaphore.Weighted

	now  func() time.Time
	sink func(autorouter.BreakerState) // called after each transition, under mu
}

// New creates a closed breaker for upstreamID with the given config.
// Zero config fields fall back to defaults.
func New(upstreamID string, cfg autorouter.BreakerConfig) *Breaker {
	def := autorouter.DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = def.OpenDuration
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	return &Breaker{
		upstreamID: upstreamID,
		cfg:        cfg,
		state:      autorouter.CircuitClosed,
		probe:      semaphore.NewWeighted(1),
		now:        time.Now,
	}
}

// Restore overwrites the breaker's tuple with a persisted state. openedAt is
// interpreted relative to the persisted value, not process start. A probe
// that was in flight before a restart did not survive it; the slot starts
// free.
func (b *Breaker) Restore(s *autorouter.BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s.State
	b.failureCount = s.FailureCount
	b.successCount = s.SuccessCount
	b.lastFailureAt = timeOrZero(s.LastFailureAt)
	b.openedAt = timeOrZero(s.OpenedAt)
	b.lastProbeAt = timeOrZero(s.LastProbeAt)
}

// SetConfig swaps the breaker's config. Counters and state are untouched;
// the new thresholds apply from the next outcome.
func (b *Breaker) SetConfig(cfg autorouter.BreakerConfig) {
	def := autorouter.DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = def.OpenDuration
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()
}

// State returns the current breaker state. An expired open period still
// reports open; the transition to half_open happens on the next Acquire.
func (b *Breaker) State() autorouter.CircuitState {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// Acquire gates one request. The returned probe flag is true when the
// request is the single half-open probe; the caller must resolve it with
// OnSuccess or OnFailure. Returns ErrCircuitOpen while the gate refuses
// traffic and ErrProbeBusy while another probe holds the slot.
func (b *Breaker) Acquire() (probe bool, err error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case autorouter.CircuitClosed:
		return false, nil

	case autorouter.CircuitOpen:
		if now.Sub(b.openedAt) < b.cfg.OpenDuration {
			return false, autorouter.ErrCircuitOpen
		}
		if !b.probe.TryAcquire(1) {
			return false, autorouter.ErrProbeBusy
		}
		b.state = autorouter.CircuitHalfOpen
		b.lastProbeAt = now
		b.flush(now)
		return true, nil

	case autorouter.CircuitHalfOpen:
		if !b.probe.TryAcquire(1) {
			return false, autorouter.ErrProbeBusy
		}
		b.lastProbeAt = now
		b.flush(now)
		return true, nil
	}
	return false, autorouter.ErrCircuitOpen
}

// OnSuccess records a successful outcome. probe must be the flag returned by
// the matching Acquire.
func (b *Breaker) OnSuccess(probe bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probe.Release(1)
	}
	switch b.state {
	case autorouter.CircuitClosed:
		if b.failureCount == 0 {
			return // nothing changed, skip the write-back
		}
		b.failureCount = 0
	case autorouter.CircuitHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = autorouter.CircuitClosed
			b.failureCount = 0
			b.successCount = 0
		}
	default:
		return // force-transitioned while the request was in flight
	}
	b.flush(now)
}

// OnFailure records a terminal failure outcome.
func (b *Breaker) OnFailure(probe bool) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probe.Release(1)
	}
	b.lastFailureAt = now
	switch b.state {
	case autorouter.CircuitClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.open(now)
		}
	case autorouter.CircuitHalfOpen:
		// Probe failed: reopen immediately, resetting openedAt.
		b.open(now)
	default:
		// Already open; the failure still updates lastFailureAt.
	}
	b.flush(now)
}

// ForceOpen trips the breaker regardless of current state, zeroing counters.
func (b *Breaker) ForceOpen() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open(now)
	b.flush(now)
}

// ForceClose closes the breaker regardless of current state, zeroing counters.
func (b *Breaker) ForceClose() {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = autorouter.CircuitClosed
	b.failureCount = 0
	b.successCount = 0
	b.flush(now)
}

// open transitions to OPEN. Caller holds mu.
func (b *Breaker) open(now time.Time) {
	b.state = autorouter.CircuitOpen
	b.openedAt = now
	b.failureCount = 0
	b.successCount = 0
}

// Snapshot returns the current persisted-form state tuple.
func (b *Breaker) Snapshot() autorouter.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(b.now())
}

func (b *Breaker) snapshotLocked(now time.Time) autorouter.BreakerState {
	return autorouter.BreakerState{
		UpstreamID:    b.upstreamID,
		State:         b.state,
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		LastFailureAt: timePtr(b.lastFailureAt),
		OpenedAt:      timePtr(b.openedAt),
		LastProbeAt:   timePtr(b.lastProbeAt),
		Config:        b.cfg,
		UpdatedAt:     now,
	}
}

// flush hands the state tuple to the persistence sink. Caller holds mu.
func (b *Breaker) flush(now time.Time) {
	if b.sink != nil {
		b.sink(b.snapshotLocked(now))
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
