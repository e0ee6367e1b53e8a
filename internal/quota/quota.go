// Package quota enforces per-upstream spending limits over daily, monthly,
// and rolling windows. Counters live in memory, are updated on billing
// commit, and are rebuilt from persisted billing snapshots at startup.
package quota

import (
	"context"
	"sync"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
)

// CostEvent is one billed cost at a point in time.
type CostEvent struct {
	At   time.Time
	Cost float64
}

// SpendStore provides aggregated billed cost for counter rebuilds.
type SpendStore interface {
	// SumBilledCost returns the total billed cost for an upstream since t.
	SumBilledCost(ctx context.Context, upstreamID string, since time.Time) (float64, error)
	// ListBilledCosts returns individual billed costs for an upstream since t,
	// oldest first. Used to rebuild rolling windows.
	ListBilledCosts(ctx context.Context, upstreamID string, since time.Time) ([]CostEvent, error)
}

// Rule is one upstream's spending limit.
type Rule struct {
	Limit  float64
	Period autorouter.SpendingPeriod
	Hours  int // rolling only
}

// Window returns the rolling window duration (zero for calendar periods).
func (r Rule) Window() time.Duration {
	if r.Period != autorouter.PeriodRolling {
		return 0
	}
	return time.Duration(r.Hours) * time.Hour
}

// Status is a point-in-time view of one upstream's quota, for the admin
// surface.
type Status struct {
	UpstreamID     string                    `json:"upstream_id"`
	Period         autorouter.SpendingPeriod `json:"period"`
	Limit          float64                   `json:"limit"`
	Spend          float64                   `json:"spend"`
	Exceeded       bool                      `json:"exceeded"`
	NextRecoveryAt *time.Time                `json:"next_recovery_at,omitempty"` // rolling only
	RecoveryDrop   float64                   `json:"recovery_drop,omitempty"`    // spend released at recovery
}

type entry struct {
	rule Rule

	daySpend float64
	day      string // UTC date key, resets the counter when it changes
	monSpend float64
	month    string

	events []CostEvent // rolling window, pruned on read and write
}

// Tracker holds the in-memory spend counters. A single mutex serializes all
// updates; per-upstream write ordering follows from it.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// SetRule installs or updates the spending rule for an upstream. A nil
// limit removes tracking.
func (t *Tracker) SetRule(upstreamID string, u *autorouter.Upstream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u == nil || u.SpendingLimit == nil || *u.SpendingLimit <= 0 {
		delete(t.entries, upstreamID)
		return
	}
	rule := Rule{Limit: *u.SpendingLimit, Period: u.SpendingPeriodType, Hours: u.SpendingPeriodHours}
	if rule.Period == "" {
		rule.Period = autorouter.PeriodDaily
	}
	e, ok := t.entries[upstreamID]
	if !ok {
		t.entries[upstreamID] = &entry{rule: rule}
		return
	}
	e.rule = rule
}

// Commit adds a billed cost to the upstream's counters.
func (t *Tracker) Commit(upstreamID string, cost float64, at time.Time) {
	if cost <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[upstreamID]
	if !ok {
		return // no rule configured, nothing to track
	}
	t.roll(e, at)
	switch e.rule.Period {
	case autorouter.PeriodDaily:
		e.daySpend += cost
	case autorouter.PeriodMonthly:
		e.monSpend += cost
	case autorouter.PeriodRolling:
		e.events = append(e.events, CostEvent{At: at, Cost: cost})
	}
}

// IsExceeded reports whether the upstream is currently over its limit.
// Upstreams without a rule are never exceeded.
func (t *Tracker) IsExceeded(upstreamID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[upstreamID]
	if !ok {
		return false
	}
	now := t.now()
	t.roll(e, now)
	return t.spend(e, now) >= e.rule.Limit
}

// Statuses returns the quota view for every tracked upstream.
func (t *Tracker) Statuses() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]Status, 0, len(t.entries))
	for id, e := range t.entries {
		t.roll(e, now)
		s := Status{
			UpstreamID: id,
			Period:     e.rule.Period,
			Limit:      e.rule.Limit,
			Spend:      t.spend(e, now),
		}
		s.Exceeded = s.Spend >= s.Limit
		if e.rule.Period == autorouter.PeriodRolling && len(e.events) > 0 {
			oldest := e.events[0]
			at := oldest.At.Add(e.rule.Window())
			s.NextRecoveryAt = &at
			s.RecoveryDrop = oldest.Cost
		}
		out = append(out, s)
	}
	return out
}

// Rebuild replaces all counters from persisted billing snapshots. Called at
// startup and on admin-forced resync.
func (t *Tracker) Rebuild(ctx context.Context, store SpendStore, upstreams []*autorouter.Upstream) error {
	now := t.now()
	fresh := make(map[string]*entry)

	for _, u := range upstreams {
		if u.SpendingLimit == nil || *u.SpendingLimit <= 0 {
			continue
		}
		rule := Rule{Limit: *u.SpendingLimit, Period: u.SpendingPeriodType, Hours: u.SpendingPeriodHours}
		if rule.Period == "" {
			rule.Period = autorouter.PeriodDaily
		}
		e := &entry{rule: rule, day: dayKey(now), month: monthKey(now)}

		switch rule.Period {
		case autorouter.PeriodDaily:
			sum, err := store.SumBilledCost(ctx, u.ID, startOfDay(now))
			if err != nil {
				return err
			}
			e.daySpend = sum
		case autorouter.PeriodMonthly:
			sum, err := store.SumBilledCost(ctx, u.ID, startOfMonth(now))
			if err != nil {
				return err
			}
			e.monSpend = sum
		case autorouter.PeriodRolling:
			events, err := store.ListBilledCosts(ctx, u.ID, now.Add(-rule.Window()))
			if err != nil {
				return err
			}
			e.events = events
		}
		fresh[u.ID] = e
	}

	t.mu.Lock()
	t.entries = fresh
	t.mu.Unlock()
	return nil
}

// roll resets calendar counters on period boundaries and prunes expired
// rolling events. Caller holds mu.
func (t *Tracker) roll(e *entry, now time.Time) {
	if d := dayKey(now); d != e.day {
		e.day = d
		e.daySpend = 0
	}
	if m := monthKey(now); m != e.month {
		e.month = m
		e.monSpend = 0
	}
	if e.rule.Period == autorouter.PeriodRolling {
		cutoff := now.Add(-e.rule.Window())
		i := 0
		for i < len(e.events) && !e.events[i].At.After(cutoff) {
			i++
		}
		if i > 0 {
			e.events = e.events[i:]
		}
	}
}

// spend returns the current counter for the entry's period. Caller holds mu.
func (t *Tracker) spend(e *entry, now time.Time) float64 {
	switch e.rule.Period {
	case autorouter.PeriodMonthly:
		return e.monSpend
	case autorouter.PeriodRolling:
		var sum float64
		for _, ev := range e.events {
			sum += ev.Cost
		}
		return sum
	default:
		return e.daySpend
	}
}

func dayKey(t time.Time) string   { return t.UTC().Format("2006-01-02") }
func monthKey(t time.Time) string { return t.UTC().Format("2006-01") }

func startOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfMonth(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}
