package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/pricing"
	"github.com/g1331/autorouter/internal/quota"
)

type memStore struct {
	mu    sync.Mutex
	logs  []autorouter.RequestLog
	snaps map[string]*autorouter.BillingSnapshot
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]*autorouter.BillingSnapshot)}
}

func (m *memStore) InsertRequestLogs(_ context.Context, logs []autorouter.RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, logs...)
	return nil
}

func (m *memStore) UpsertBillingSnapshot(_ context.Context, s *autorouter.BillingSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.snaps[s.RequestLogID] = &cp
	return nil
}

func (m *memStore) snapshot(id string) *autorouter.BillingSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snaps[id]
}

type fakePriceStore struct {
	overrides map[string]*autorouter.PriceOverride
	catalog   map[string]*autorouter.ModelPrice
}

func (f *fakePriceStore) GetPriceOverride(_ context.Context, model string) (*autorouter.PriceOverride, error) {
	if o, ok := f.overrides[model]; ok {
		return o, nil
	}
	return nil, autorouter.ErrNotFound
}

func (f *fakePriceStore) GetModelPrice(_ context.Context, model string) (*autorouter.ModelPrice, error) {
	if p, ok := f.catalog[model]; ok {
		return p, nil
	}
	return nil, autorouter.ErrNotFound
}

func newTestRecorder(t *testing.T, prices *fakePriceStore) (*Recorder, *memStore, *quota.Tracker) {
	t.Helper()
	store := newMemStore()
	resolver := pricing.NewResolver(prices)
	quotas := quota.NewTracker()
	return NewRecorder(store, resolver, quotas), store, quotas
}

func baseEvent(id string) Event {
	return Event{
		Log: autorouter.RequestLog{
			ID:         id,
			APIKeyID:   "key-1",
			UpstreamID: "up-1",
			Model:      "gpt-4.1",
			Usage:      autorouter.Usage{PromptTokens: 1000, CompletionTokens: 500},
			CreatedAt:  time.Now().UTC(),
		},
		Upstream: &autorouter.Upstream{
			ID:                      "up-1",
			BillingInputMultiplier:  1.0,
			BillingOutputMultiplier: 1.0,
		},
	}
}

func TestSnapshotBilled(t *testing.T) {
	t.Parallel()
	prices := &fakePriceStore{catalog: map[string]*autorouter.ModelPrice{
		"gpt-4.1": {Model: "gpt-4.1", Source: autorouter.SourceLiteLLM,
			InputPerM: 2.0, OutputPerM: 8.0, IsActive: true},
	}}
	r, store, _ := newTestRecorder(t, prices)

	e := baseEvent("req-1")
	r.flush(context.Background(), []Event{e})

	snap := store.snapshot("req-1")
	if snap == nil {
		t.Fatal("snapshot missing")
	}
	if snap.Status != autorouter.Billed {
		t.Fatalf("status = %q, want billed", snap.Status)
	}
	// 1000/1e6*2.0 + 500/1e6*8.0 = 0.002 + 0.004
	want := 0.006
	if diff := snap.FinalCost - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("cost = %v, want %v", snap.FinalCost, want)
	}
	if snap.PriceSource != autorouter.SourceLiteLLM {
		t.Errorf("source = %q", snap.PriceSource)
	}
	if snap.Currency != "USD" {
		t.Errorf("currency = %q", snap.Currency)
	}
}

func TestSnapshotAppliesMultipliers(t *testing.T) {
	t.Parallel()
	prices := &fakePriceStore{catalog: map[string]*autorouter.ModelPrice{
		"gpt-4.1": {Model: "gpt-4.1", Source: autorouter.SourceLiteLLM,
			InputPerM: 2.0, OutputPerM: 8.0, IsActive: true},
	}}
	r, store, _ := newTestRecorder(t, prices)

	e := baseEvent("req-m")
	e.Upstream.BillingInputMultiplier = 2.0
	e.Upstream.BillingOutputMultiplier = 0.5
	r.flush(context.Background(), []Event{e})

	snap := store.snapshot("req-m")
	// 0.002*2 + 0.004*0.5 = 0.006
	want := 0.006
	if diff := snap.FinalCost - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("cost = %v, want %v", snap.FinalCost, want)
	}
	if snap.InputMultiplier != 2.0 || snap.OutputMultiplier != 0.5 {
		t.Errorf("multipliers = %v/%v", snap.InputMultiplier, snap.OutputMultiplier)
	}
}

func TestSnapshotCacheTokens(t *testing.T) {
	t.Parallel()
	cacheRead := 0.2
	prices := &fakePriceStore{catalog: map[string]*autorouter.ModelPrice{
		"claude-sonnet-4-5": {Model: "claude-sonnet-4-5", Source: autorouter.SourceLiteLLM,
			InputPerM: 3.0, OutputPerM: 15.0, CacheReadPerM: &cacheRead, IsActive: true},
	}}
	r, store, _ := newTestRecorder(t, prices)

	e := baseEvent("req-c")
	e.Log.Model = "claude-sonnet-4-5"
	e.Log.Usage = autorouter.Usage{
		PromptTokens: 1000, CompletionTokens: 100, CacheReadTokens: 10000,
	}
	r.flush(context.Background(), []Event{e})

	snap := store.snapshot("req-c")
	// 1000/1e6*3 + 100/1e6*15 + 10000/1e6*0.2 = 0.003 + 0.0015 + 0.002
	want := 0.0065
	if diff := snap.FinalCost - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("cost = %v, want %v", snap.FinalCost, want)
	}
}

func TestSnapshotUnbillableReasons(t *testing.T) {
	t.Parallel()
	prices := &fakePriceStore{catalog: map[string]*autorouter.ModelPrice{}}
	r, store, _ := newTestRecorder(t, prices)

	noModel := baseEvent("req-no-model")
	noModel.Log.Model = ""
	noUsage := baseEvent("req-no-usage")
	noUsage.Log.Usage = autorouter.Usage{}
	noPrice := baseEvent("req-no-price")
	noPrice.Log.Model = "unpriced-model"

	r.flush(context.Background(), []Event{noModel, noUsage, noPrice})

	cases := map[string]autorouter.UnbillableReason{
		"req-no-model": autorouter.ReasonModelMissing,
		"req-no-usage": autorouter.ReasonUsageMissing,
		"req-no-price": autorouter.ReasonPriceNotFound,
	}
	for id, reason := range cases {
		snap := store.snapshot(id)
		if snap == nil {
			t.Fatalf("%s: snapshot missing", id)
		}
		if snap.Status != autorouter.Unbilled {
			t.Errorf("%s: status = %q, want unbilled", id, snap.Status)
		}
		if snap.UnbillableReason != reason {
			t.Errorf("%s: reason = %q, want %q", id, snap.UnbillableReason, reason)
		}
		if snap.FinalCost != 0 {
			t.Errorf("%s: cost = %v, want 0", id, snap.FinalCost)
		}
	}
}

func TestFlushCommitsQuota(t *testing.T) {
	t.Parallel()
	prices := &fakePriceStore{catalog: map[string]*autorouter.ModelPrice{
		"gpt-4.1": {Model: "gpt-4.1", Source: autorouter.SourceLiteLLM,
			InputPerM: 2.0, OutputPerM: 8.0, IsActive: true},
	}}
	r, _, quotas := newTestRecorder(t, prices)

	limit := 0.005
	quotas.SetRule("up-1", &autorouter.Upstream{
		ID:                 "up-1",
		SpendingLimit:      &limit,
		SpendingPeriodType: autorouter.PeriodDaily,
	})

	r.flush(context.Background(), []Event{baseEvent("req-q")})

	if !quotas.IsExceeded("up-1") {
		t.Error("billed cost should push the upstream over its quota")
	}
}

func TestRunDrainsOnShutdown(t *testing.T) {
	t.Parallel()
	prices := &fakePriceStore{catalog: map[string]*autorouter.ModelPrice{
		"gpt-4.1": {Model: "gpt-4.1", Source: autorouter.SourceLiteLLM,
			InputPerM: 2.0, OutputPerM: 8.0, IsActive: true},
	}}
	r, store, _ := newTestRecorder(t, prices)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx) //nolint:errcheck
		close(done)
	}()

	r.Record(baseEvent("req-d1"))
	r.Record(baseEvent("req-d2"))
	cancel()
	<-done

	if store.snapshot("req-d1") == nil || store.snapshot("req-d2") == nil {
		t.Error("shutdown drain should flush queued events")
	}
}
