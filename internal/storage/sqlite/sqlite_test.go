package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUpstream(t *testing.T, s *Store, id, name string) *autorouter.Upstream {
	t.Helper()
	u := &autorouter.Upstream{
		ID:                      id,
		Name:                    name,
		BaseURL:                 "https://api.example.com",
		IsActive:                true,
		Priority:                0,
		Weight:                  1,
		Timeout:                 300,
		RouteCapabilities:       []autorouter.RouteCapability{autorouter.CapOpenAIChat},
		BillingInputMultiplier:  1.0,
		BillingOutputMultiplier: 1.0,
		Breaker:                 autorouter.DefaultBreakerConfig(),
		CreatedAt:               time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateUpstream(context.Background(), u); err != nil {
		t.Fatal("seed upstream:", err)
	}
	return u
}

func TestAPIKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u := seedUpstream(t, s, "up-1", "primary")
	key := &autorouter.APIKey{
		ID:          "key-1",
		KeyHash:     "abc123hash",
		KeyPrefix:   "ar-abc123def",
		Name:        "ci key",
		IsActive:    true,
		UpstreamIDs: []string{u.ID},
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}

	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetKeyByHash(ctx, "abc123hash")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.ID != key.ID {
		t.Errorf("id = %q, want %q", got.ID, key.ID)
	}
	if len(got.UpstreamIDs) != 1 || got.UpstreamIDs[0] != "up-1" {
		t.Errorf("bindings = %v, want [up-1]", got.UpstreamIDs)
	}

	keys, err := s.ListKeys(ctx, 0, 10)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(keys) != 1 {
		t.Fatalf("list count = %d, want 1", len(keys))
	}

	key.IsActive = false
	key.UpstreamIDs = nil
	if err := s.UpdateKey(ctx, key); err != nil {
		t.Fatal("update:", err)
	}
	got, _ = s.GetKey(ctx, "key-1")
	if got.IsActive {
		t.Error("is_active should be false after update")
	}
	if len(got.UpstreamIDs) != 0 {
		t.Errorf("bindings = %v, want empty", got.UpstreamIDs)
	}

	if err := s.TouchKeyUsed(ctx, "key-1"); err != nil {
		t.Fatal("touch:", err)
	}
	got, _ = s.GetKey(ctx, "key-1")
	if got.LastUsedAt == nil {
		t.Error("last_used_at should be set after touch")
	}

	if err := s.DeleteKey(ctx, "key-1"); err != nil {
		t.Fatal("delete:", err)
	}
	if _, err := s.GetKey(ctx, "key-1"); !errors.Is(err, autorouter.ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
}

func TestUpstreamRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	limit := 5.0
	u := &autorouter.Upstream{
		ID:                "up-rt",
		Name:              "round-trip",
		BaseURL:           "https://api.anthropic.com",
		CredentialEnc:     "ciphertext",
		IsActive:          true,
		Priority:          1,
		Weight:            3,
		Timeout:           120,
		RouteCapabilities: []autorouter.RouteCapability{autorouter.CapAnthropicMessages},
		AllowedModels:     []string{"claude-sonnet-4-5"},
		ModelRedirects:    map[string]string{"claude-3-5-sonnet": "claude-sonnet-4-5"},
		Affinity: &autorouter.AffinityConfig{
			Enabled:   true,
			Metric:    autorouter.MetricTokens,
			Threshold: 50000,
		},
		BillingInputMultiplier:  1.1,
		BillingOutputMultiplier: 0.9,
		SpendingLimit:           &limit,
		SpendingPeriodType:      autorouter.PeriodRolling,
		SpendingPeriodHours:     24,
		ExcludeStatusCodes:      []int{529},
		Breaker:                 autorouter.DefaultBreakerConfig(),
		CreatedAt:               time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateUpstream(ctx, u); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetUpstreamByName(ctx, "round-trip")
	if err != nil {
		t.Fatal("get by name:", err)
	}
	if got.CredentialEnc != "ciphertext" {
		t.Errorf("credential = %q", got.CredentialEnc)
	}
	if got.ModelRedirects["claude-3-5-sonnet"] != "claude-sonnet-4-5" {
		t.Errorf("redirects = %v", got.ModelRedirects)
	}
	if got.Affinity == nil || got.Affinity.Metric != autorouter.MetricTokens {
		t.Errorf("affinity = %+v", got.Affinity)
	}
	if got.SpendingLimit == nil || *got.SpendingLimit != 5.0 {
		t.Errorf("spending limit = %v", got.SpendingLimit)
	}
	if got.Breaker.FailureThreshold != 5 {
		t.Errorf("breaker config = %+v", got.Breaker)
	}

	got.Weight = 0
	got.IsActive = false
	if err := s.UpdateUpstream(ctx, got); err != nil {
		t.Fatal("update:", err)
	}
	again, _ := s.GetUpstream(ctx, "up-rt")
	if again.Weight != 0 || again.IsActive {
		t.Errorf("after update weight=%d active=%v", again.Weight, again.IsActive)
	}

	// Unique name
	dup := *u
	dup.ID = "up-dup"
	if err := s.CreateUpstream(ctx, &dup); err == nil {
		t.Error("duplicate name should fail")
	}
}

func TestBreakerStateUpsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u := seedUpstream(t, s, "up-br", "breaker")
	opened := time.Now().UTC().Truncate(time.Second)
	st := &autorouter.BreakerState{
		UpstreamID:   u.ID,
		State:        autorouter.CircuitOpen,
		FailureCount: 5,
		OpenedAt:     &opened,
		Config:       autorouter.DefaultBreakerConfig(),
		UpdatedAt:    opened,
	}
	if err := s.SaveBreakerState(ctx, st); err != nil {
		t.Fatal("save:", err)
	}

	// Second save replaces, does not duplicate
	st.State = autorouter.CircuitHalfOpen
	st.FailureCount = 0
	if err := s.SaveBreakerState(ctx, st); err != nil {
		t.Fatal("upsert:", err)
	}

	all, err := s.ListBreakerStates(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(all) != 1 {
		t.Fatalf("states = %d, want 1", len(all))
	}
	if all[0].State != autorouter.CircuitHalfOpen {
		t.Errorf("state = %q, want half_open", all[0].State)
	}
	if all[0].OpenedAt == nil || !all[0].OpenedAt.Equal(opened) {
		t.Errorf("opened_at = %v, want %v", all[0].OpenedAt, opened)
	}
	if all[0].Config.OpenDuration != 30*time.Second {
		t.Errorf("config open duration = %v", all[0].Config.OpenDuration)
	}
}

func TestRequestLogBatchAndFilter(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	ttft := int64(120)
	logs := []autorouter.RequestLog{
		{
			ID: "req-1", APIKeyID: "key-1", UpstreamID: "up-1",
			Method: "POST", Path: "/v1/chat/completions", Model: "gpt-4.1",
			Capability: autorouter.CapOpenAIChat, StatusCode: 200,
			DurationMs: 840, TTFTMs: &ttft, IsStream: true,
			RoutingType: "weighted", LBStrategy: "priority_weighted",
			FailoverAttempts: 2,
			FailoverHistory: []autorouter.FailoverAttempt{{
				UpstreamID: "up-0", UpstreamName: "flaky",
				AttemptedAt: now, ErrorType: autorouter.AttemptHTTP5xx,
				ErrorMessage: "upstream returned 502", StatusCode: 502,
			}},
			HeaderDiff: &autorouter.HeaderDiff{
				Dropped: []string{"Authorization"}, AuthReplaced: []string{"Authorization"},
				InboundCount: 6, OutboundCount: 5,
			},
			Usage:     autorouter.Usage{PromptTokens: 10, CompletionTokens: 42},
			CreatedAt: now,
		},
		{
			ID: "req-2", APIKeyID: "key-2", UpstreamID: "up-1",
			Method: "POST", Path: "/v1/messages",
			Capability: autorouter.CapAnthropicMessages, StatusCode: 503,
			RoutingType: "weighted", CreatedAt: now.Add(time.Second),
		},
	}
	if err := s.InsertRequestLogs(ctx, logs); err != nil {
		t.Fatal("insert:", err)
	}

	got, err := s.GetRequestLog(ctx, "req-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.TTFTMs == nil || *got.TTFTMs != 120 {
		t.Errorf("ttft = %v", got.TTFTMs)
	}
	if len(got.FailoverHistory) != 1 || got.FailoverHistory[0].ErrorType != autorouter.AttemptHTTP5xx {
		t.Errorf("history = %+v", got.FailoverHistory)
	}
	if got.HeaderDiff == nil || got.HeaderDiff.InboundCount != 6 {
		t.Errorf("header diff = %+v", got.HeaderDiff)
	}
	if got.Usage.CompletionTokens != 42 {
		t.Errorf("usage = %+v", got.Usage)
	}

	byKey, err := s.ListRequestLogs(ctx, storage.RequestLogFilter{APIKeyID: "key-1", Limit: 10})
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(byKey) != 1 || byKey[0].ID != "req-1" {
		t.Errorf("filter by key = %+v", byKey)
	}

	n, err := s.CountRequestLogs(ctx, storage.RequestLogFilter{UpstreamID: "up-1"})
	if err != nil {
		t.Fatal("count:", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestBillingSnapshotIdempotentUpsert(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	snap := &autorouter.BillingSnapshot{
		RequestLogID:     "req-1",
		APIKeyID:         "key-1",
		UpstreamID:       "up-1",
		Model:            "gpt-4.1",
		Status:           autorouter.Billed,
		PriceSource:      autorouter.SourceLiteLLM,
		InputPerM:        2.0,
		OutputPerM:       8.0,
		InputMultiplier:  1.0,
		OutputMultiplier: 1.0,
		Usage:            autorouter.Usage{PromptTokens: 1000, CompletionTokens: 500},
		FinalCost:        0.006,
		Currency:         "USD",
		CreatedAt:        now,
	}
	if err := s.UpsertBillingSnapshot(ctx, snap); err != nil {
		t.Fatal("upsert:", err)
	}
	// Re-delivery of the same event must not duplicate
	if err := s.UpsertBillingSnapshot(ctx, snap); err != nil {
		t.Fatal("second upsert:", err)
	}

	got, err := s.GetBillingSnapshot(ctx, "req-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.FinalCost != 0.006 || got.Status != autorouter.Billed {
		t.Errorf("snapshot = %+v", got)
	}

	total, err := s.SumBilledCost(ctx, "up-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatal("sum:", err)
	}
	if total != 0.006 {
		t.Errorf("sum = %f, want 0.006", total)
	}

	events, err := s.ListBilledCosts(ctx, "up-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatal("events:", err)
	}
	if len(events) != 1 || events[0].Cost != 0.006 {
		t.Errorf("events = %+v", events)
	}
}

func TestUnbilledSnapshotExcludedFromSums(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	snap := &autorouter.BillingSnapshot{
		RequestLogID:     "req-ub",
		APIKeyID:         "key-1",
		UpstreamID:       "up-1",
		Status:           autorouter.Unbilled,
		UnbillableReason: autorouter.ReasonPriceNotFound,
		Model:            "custom-model",
		Currency:         "USD",
		CreatedAt:        now,
	}
	if err := s.UpsertBillingSnapshot(ctx, snap); err != nil {
		t.Fatal("upsert:", err)
	}
	total, err := s.SumBilledCost(ctx, "up-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatal("sum:", err)
	}
	if total != 0 {
		t.Errorf("sum = %f, want 0 for unbilled", total)
	}

	got, _ := s.GetBillingSnapshot(ctx, "req-ub")
	if got.UnbillableReason != autorouter.ReasonPriceNotFound {
		t.Errorf("reason = %q", got.UnbillableReason)
	}
}

func TestPriceCatalogAndOverrides(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	cacheRead := 0.5
	price := &autorouter.ModelPrice{
		Model: "gpt-4.1", Source: autorouter.SourceLiteLLM,
		InputPerM: 2.0, OutputPerM: 8.0, CacheReadPerM: &cacheRead,
		IsActive: true, SyncedAt: now,
	}
	if err := s.UpsertModelPrice(ctx, price); err != nil {
		t.Fatal("upsert price:", err)
	}
	// Refresh replaces
	price.InputPerM = 2.5
	if err := s.UpsertModelPrice(ctx, price); err != nil {
		t.Fatal("refresh:", err)
	}
	got, err := s.GetModelPrice(ctx, "gpt-4.1")
	if err != nil {
		t.Fatal("get price:", err)
	}
	if got.InputPerM != 2.5 {
		t.Errorf("input per m = %f", got.InputPerM)
	}
	if got.CacheReadPerM == nil || *got.CacheReadPerM != 0.5 {
		t.Errorf("cache read = %v", got.CacheReadPerM)
	}

	o := &autorouter.PriceOverride{
		Model: "gpt-4.1", InputPerM: 1.0, OutputPerM: 4.0, UpdatedAt: now,
	}
	if err := s.UpsertPriceOverride(ctx, o); err != nil {
		t.Fatal("override:", err)
	}
	gotO, err := s.GetPriceOverride(ctx, "gpt-4.1")
	if err != nil {
		t.Fatal("get override:", err)
	}
	if gotO.InputPerM != 1.0 {
		t.Errorf("override input = %f", gotO.InputPerM)
	}

	if err := s.DeletePriceOverride(ctx, "gpt-4.1"); err != nil {
		t.Fatal("delete override:", err)
	}
	if _, err := s.GetPriceOverride(ctx, "gpt-4.1"); !errors.Is(err, autorouter.ErrNotFound) {
		t.Errorf("get deleted override = %v, want ErrNotFound", err)
	}
}

func TestCompensationRulesSeededAndCRUD(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	seeded, err := s.ListCompensationRules(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(seeded) == 0 {
		t.Fatal("migrations should seed built-in rules")
	}
	for _, r := range seeded {
		if !r.IsBuiltin {
			t.Errorf("seed rule %q should be builtin", r.Name)
		}
	}

	custom := &autorouter.CompensationRule{
		ID:           "rule-custom",
		Name:         "trace-header",
		Capabilities: []autorouter.RouteCapability{autorouter.CapOpenAIChat},
		TargetHeader: "X-Trace-Id",
		Sources:      []string{"headers.X-Trace-Id", "body.metadata.trace_id"},
		Mode:         autorouter.ModeMissingOnly,
		Enabled:      true,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateCompensationRule(ctx, custom); err != nil {
		t.Fatal("create:", err)
	}

	// Name collision
	dup := *custom
	dup.ID = "rule-dup"
	if err := s.CreateCompensationRule(ctx, &dup); err == nil {
		t.Error("duplicate name should fail")
	}

	custom.Enabled = false
	if err := s.UpdateCompensationRule(ctx, custom); err != nil {
		t.Fatal("update:", err)
	}
	enabled, err := s.ListEnabledCompensationRules(ctx)
	if err != nil {
		t.Fatal("list enabled:", err)
	}
	for _, r := range enabled {
		if r.ID == "rule-custom" {
			t.Error("disabled rule should not be listed as enabled")
		}
	}
}

func TestStatsAggregation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	logs := []autorouter.RequestLog{
		{ID: "r1", APIKeyID: "k", Method: "POST", Path: "/v1/chat/completions",
			Model: "gpt-4.1", Capability: autorouter.CapOpenAIChat, StatusCode: 200,
			DurationMs: 100, RoutingType: "weighted",
			Usage: autorouter.Usage{PromptTokens: 100, CompletionTokens: 50}, CreatedAt: now},
		{ID: "r2", APIKeyID: "k", Method: "POST", Path: "/v1/chat/completions",
			Model: "gpt-4.1", Capability: autorouter.CapOpenAIChat, StatusCode: 502,
			DurationMs: 300, RoutingType: "weighted", CreatedAt: now},
	}
	if err := s.InsertRequestLogs(ctx, logs); err != nil {
		t.Fatal("insert:", err)
	}
	snap := &autorouter.BillingSnapshot{
		RequestLogID: "r1", APIKeyID: "k", UpstreamID: "up-1", Model: "gpt-4.1",
		Status: autorouter.Billed, FinalCost: 0.01, Currency: "USD", CreatedAt: now,
	}
	if err := s.UpsertBillingSnapshot(ctx, snap); err != nil {
		t.Fatal("snapshot:", err)
	}

	o, err := s.StatsOverview(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatal("overview:", err)
	}
	if o.Requests != 2 || o.Errors != 1 {
		t.Errorf("overview = %+v", o)
	}
	if o.TotalCost != 0.01 {
		t.Errorf("total cost = %f", o.TotalCost)
	}

	ts, err := s.StatsTimeseries(ctx, now.Add(-time.Hour), true)
	if err != nil {
		t.Fatal("timeseries:", err)
	}
	if len(ts) == 0 {
		t.Fatal("timeseries empty")
	}
	if len(ts[0].Bucket) != 13 {
		t.Errorf("hour bucket = %q", ts[0].Bucket)
	}

	lb, err := s.StatsLeaderboard(ctx, now.Add(-time.Hour), 5)
	if err != nil {
		t.Fatal("leaderboard:", err)
	}
	if len(lb) != 1 || lb[0].Model != "gpt-4.1" || lb[0].Requests != 2 {
		t.Errorf("leaderboard = %+v", lb)
	}
}

func TestCascadeDeleteUpstream(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	u := seedUpstream(t, s, "up-c", "cascade")
	key := &autorouter.APIKey{
		ID: "key-c", KeyHash: "hash-c", KeyPrefix: "ar-cascade00",
		IsActive: true, UpstreamIDs: []string{u.ID},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create key:", err)
	}
	st := &autorouter.BreakerState{
		UpstreamID: u.ID, State: autorouter.CircuitClosed,
		Config: autorouter.DefaultBreakerConfig(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.SaveBreakerState(ctx, st); err != nil {
		t.Fatal("save state:", err)
	}

	if err := s.DeleteUpstream(ctx, u.ID); err != nil {
		t.Fatal("delete:", err)
	}
	got, err := s.GetKey(ctx, "key-c")
	if err != nil {
		t.Fatal("get key:", err)
	}
	if len(got.UpstreamIDs) != 0 {
		t.Errorf("bindings should cascade, got %v", got.UpstreamIDs)
	}
	states, _ := s.ListBreakerStates(ctx)
	if len(states) != 0 {
		t.Errorf("breaker state should cascade, got %d", len(states))
	}
}
