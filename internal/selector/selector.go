// Package selector builds the ordered candidate stream for one request:
// filter by binding, capability, model, breaker, and quota; group by priority
// tier; weighted random order within a tier; session affinity on top.
package selector

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/maypok86/otter/v2"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/circuitbreaker"
	"github.com/g1331/autorouter/internal/quota"
)

const sessionCacheMaxLen = 100_000

// SkipReason explains why an upstream was excluded from a request's
// candidate set.
type SkipReason string

const (
	SkipNotBound       SkipReason = "not_bound"
	SkipInactive       SkipReason = "inactive"
	SkipNoCapability   SkipReason = "capability_mismatch"
	SkipModelNotListed SkipReason = "model_not_allowed"
	SkipZeroWeight     SkipReason = "zero_weight"
	SkipCircuitOpen    SkipReason = "circuit_open"
	SkipQuotaExceeded  SkipReason = "quota_exceeded"
)

// Skip records one excluded upstream.
type Skip struct {
	UpstreamID string     `json:"upstream_id"`
	Reason     SkipReason `json:"reason"`
}

// Candidate is one upstream in selection order.
type Candidate struct {
	Upstream *autorouter.Upstream
	Tier     int
	// RoutingType is "affinity" for a session-pinned candidate, else "weighted".
	RoutingType string
	// AffinityMigrated is set on the first weighted pick after a session
	// crossed its migration threshold.
	AffinityMigrated bool
}

// session tracks one sticky session: the pinned upstream and the accumulated
// migration metric.
type session struct {
	upstreamID string
	accum      int64
}

// Selector computes candidate streams. Safe for concurrent use.
type Selector struct {
	breakers *circuitbreaker.Registry
	quotas   *quota.Tracker
	sessions *otter.Cache[string, session]
	randInt  func(n int) int // swapped in tests for determinism
}

// New returns a Selector.
func New(breakers *circuitbreaker.Registry, quotas *quota.Tracker) (*Selector, error) {
	sessions, err := otter.New(&otter.Options[string, session]{
		MaximumSize: sessionCacheMaxLen,
	})
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &Selector{
		breakers: breakers,
		quotas:   quotas,
		sessions: sessions,
		randInt:  rand.IntN,
	}, nil
}

// Request carries the selection inputs for one inbound request.
type Request struct {
	Key        *autorouter.APIKey
	Capability autorouter.RouteCapability
	Model      string
	SessionKey string
}

// Stream is the lazy ordered candidate sequence for one request. Tiers are
// materialized on demand: a request served by the first candidate never pays
// for ordering the tiers behind it. Not safe for concurrent use; one Stream
// belongs to one request.
type Stream struct {
	sel   *Selector
	tiers [][]*autorouter.Upstream // ascending priority, unordered within a tier

	cur    []*autorouter.Upstream // weighted order of the tier being walked
	curPri int
	pos    int

	pinned   *Candidate // affinity head, emitted before any tier
	pinnedID string
	migrated bool // next weighted pick carries the migration flag

	total int
	skips []Skip
}

// Next returns the next candidate, or nil when the stream is exhausted.
func (s *Stream) Next() *Candidate {
	if s.pinned != nil {
		c := s.pinned
		s.pinned = nil
		return c
	}
	for {
		for s.pos < len(s.cur) {
			u := s.cur[s.pos]
			s.pos++
			if u.ID == s.pinnedID {
				// Already emitted ahead of its tier.
				continue
			}
			c := &Candidate{Upstream: u, Tier: s.curPri, RoutingType: "weighted"}
			if s.migrated {
				c.AffinityMigrated = true
				s.migrated = false
			}
			return c
		}
		if len(s.tiers) == 0 {
			return nil
		}
		s.cur = s.sel.shuffleWeighted(s.tiers[0])
		s.curPri = s.tiers[0][0].Priority
		s.pos = 0
		s.tiers = s.tiers[1:]
	}
}

// Len returns the total number of candidates in the stream.
func (s *Stream) Len() int { return s.total }

// Skips returns the exclusion records gathered while building the stream.
func (s *Stream) Skips() []Skip { return s.skips }

// Select filters all upstreams down to the request's candidates and returns
// the stream over them: priority tiers ascending, weighted random without
// replacement within a tier, and the session-pinned upstream first when
// affinity applies. Only the eligibility filter runs here; per-tier ordering
// waits until the failover loop pulls into that tier.
func (s *Selector) Select(req Request, all []*autorouter.Upstream) *Stream {
	stream := &Stream{sel: s}
	eligible := make([]*autorouter.Upstream, 0, len(all))

	for _, u := range all {
		switch {
		case !req.Key.BoundTo(u.ID):
			stream.skips = append(stream.skips, Skip{u.ID, SkipNotBound})
		case !u.IsActive:
			stream.skips = append(stream.skips, Skip{u.ID, SkipInactive})
		case !u.HasCapability(req.Capability):
			stream.skips = append(stream.skips, Skip{u.ID, SkipNoCapability})
		case !modelAllowed(u, req.Model):
			stream.skips = append(stream.skips, Skip{u.ID, SkipModelNotListed})
		case u.Weight <= 0:
			stream.skips = append(stream.skips, Skip{u.ID, SkipZeroWeight})
		case s.circuitRefuses(u):
			stream.skips = append(stream.skips, Skip{u.ID, SkipCircuitOpen})
		case s.quotas.IsExceeded(u.ID):
			stream.skips = append(stream.skips, Skip{u.ID, SkipQuotaExceeded})
		default:
			eligible = append(eligible, u)
		}
	}
	stream.total = len(eligible)
	if len(eligible) == 0 {
		return stream
	}

	// Group into priority tiers, ascending. Members stay unordered until the
	// tier is pulled.
	byPri := map[int][]*autorouter.Upstream{}
	var order []int
	for _, u := range eligible {
		if _, ok := byPri[u.Priority]; !ok {
			order = append(order, u.Priority)
		}
		byPri[u.Priority] = append(byPri[u.Priority], u)
	}
	sort.Ints(order)
	for _, pri := range order {
		stream.tiers = append(stream.tiers, byPri[pri])
	}

	s.applyAffinity(req, stream, eligible)
	return stream
}

// applyAffinity hoists the session-pinned candidate to the stream head, or
// arms the migration flag when the session crossed its threshold.
func (s *Selector) applyAffinity(req Request, stream *Stream, eligible []*autorouter.Upstream) {
	if req.SessionKey == "" {
		return
	}
	sess, ok := s.sessions.GetIfPresent(req.SessionKey)
	if !ok {
		return
	}
	for _, u := range eligible {
		if u.ID != sess.upstreamID {
			continue
		}
		aff := u.Affinity
		if aff == nil || !aff.Enabled {
			return
		}
		if aff.Threshold > 0 && sess.accum >= aff.Threshold {
			// Session outgrew its pin: fall back to the weighted order and
			// flag the migration on the next pick.
			s.sessions.Invalidate(req.SessionKey)
			stream.migrated = true
			return
		}
		stream.pinned = &Candidate{Upstream: u, Tier: u.Priority, RoutingType: "affinity"}
		stream.pinnedID = u.ID
		return
	}
}

// Observe records the outcome of a routed request: pins the session to the
// serving upstream and accumulates the migration metric.
func (s *Selector) Observe(sessionKey, upstreamID string, metricDelta int64) {
	if sessionKey == "" {
		return
	}
	sess, ok := s.sessions.GetIfPresent(sessionKey)
	if !ok || sess.upstreamID != upstreamID {
		sess = session{upstreamID: upstreamID}
	}
	sess.accum += metricDelta
	s.sessions.Set(sessionKey, sess)
}

// shuffleWeighted orders one tier by repeated weighted pick without
// replacement. Equal weights degrade to a uniform shuffle.
func (s *Selector) shuffleWeighted(tier []*autorouter.Upstream) []*autorouter.Upstream {
	pool := make([]*autorouter.Upstream, len(tier))
	copy(pool, tier)
	out := make([]*autorouter.Upstream, 0, len(pool))

	for len(pool) > 0 {
		total := 0
		for _, u := range pool {
			total += u.Weight
		}
		n := s.randInt(total)
		for i, u := range pool {
			n -= u.Weight
			if n < 0 {
				out = append(out, u)
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}
	return out
}

// circuitRefuses reports whether the upstream's breaker is open with the
// cool-off still running. Half-open and expired-open upstreams stay in the
// stream; the per-attempt Acquire decides probe admission.
func (s *Selector) circuitRefuses(u *autorouter.Upstream) bool {
	b := s.breakers.Get(u.ID)
	if b == nil {
		return false
	}
	snap := b.Snapshot()
	if snap.State != autorouter.CircuitOpen {
		return false
	}
	if snap.OpenedAt == nil {
		return true
	}
	return snap.UpdatedAt.Sub(*snap.OpenedAt) < snap.Config.OpenDuration
}

func modelAllowed(u *autorouter.Upstream, model string) bool {
	if model == "" || len(u.AllowedModels) == 0 {
		return true
	}
	effective := u.RedirectModel(model)
	for _, m := range u.AllowedModels {
		if m == effective || m == model {
			return true
		}
	}
	return false
}
