// Package compensate derives outbound headers from inbound headers and body
// fields according to admin-managed rules. The enabled-rule set is held as an
// atomically swapped snapshot so admin mutations never block the hot path.
package compensate

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"

	autorouter "github.com/g1331/autorouter/internal"
)

// RuleStore loads the enabled compensation rules.
type RuleStore interface {
	ListEnabledCompensationRules(ctx context.Context) ([]*autorouter.CompensationRule, error)
}

// Entry is one header produced by compensation.
type Entry struct {
	Target string // canonical header name
	Value  string
	Source string // the winning source spec, e.g. "body.metadata.session_id"
}

// Engine evaluates compensation rules against a request.
type Engine struct {
	store    RuleStore
	snapshot atomic.Pointer[[]*autorouter.CompensationRule]
}

// NewEngine returns an Engine backed by store. Rules load lazily on first
// Apply and after each Invalidate.
func NewEngine(store RuleStore) *Engine {
	return &Engine{store: store}
}

// Invalidate drops the rule snapshot; the next Apply reloads from the store.
func (e *Engine) Invalidate() {
	e.snapshot.Store(nil)
}

// rules returns the current snapshot, loading it when stale.
func (e *Engine) rules(ctx context.Context) ([]*autorouter.CompensationRule, error) {
	if p := e.snapshot.Load(); p != nil {
		return *p, nil
	}
	loaded, err := e.store.ListEnabledCompensationRules(ctx)
	if err != nil {
		return nil, err
	}
	e.snapshot.Store(&loaded)
	return loaded, nil
}

// Apply evaluates all rules matching the capability against the inbound
// headers and parsed body, returning the headers to emit. The result is a
// pure function of (snapshot, capability, headers, body).
func (e *Engine) Apply(ctx context.Context, cap autorouter.RouteCapability, headers http.Header, body []byte) ([]Entry, error) {
	rules, err := e.rules(ctx)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, rule := range rules {
		if !ruleCovers(rule, cap) {
			continue
		}
		// missing_only: the inbound request already carries the target.
		if rule.Mode == autorouter.ModeMissingOnly && headers.Get(rule.TargetHeader) != "" {
			continue
		}
		if value, source, ok := resolveSources(rule.Sources, headers, body); ok {
			out = append(out, Entry{
				Target: http.CanonicalHeaderKey(rule.TargetHeader),
				Value:  value,
				Source: source,
			})
		}
	}
	return out, nil
}

func ruleCovers(rule *autorouter.CompensationRule, cap autorouter.RouteCapability) bool {
	for _, c := range rule.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// resolveSources walks the ordered source list; the first one that yields a
// non-empty value wins.
func resolveSources(sources []string, headers http.Header, body []byte) (value, source string, ok bool) {
	for _, s := range sources {
		if name, found := strings.CutPrefix(s, "headers."); found {
			if v := strings.TrimSpace(headers.Get(name)); v != "" {
				return v, s, true
			}
			continue
		}
		if path, found := strings.CutPrefix(s, "body."); found {
			if v := gjson.GetBytes(body, path); v.Exists() {
				if str := strings.TrimSpace(v.String()); str != "" {
					return str, s, true
				}
			}
		}
	}
	return "", "", false
}
