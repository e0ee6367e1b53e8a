package upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/circuitbreaker"
	"github.com/g1331/autorouter/internal/quota"
	"github.com/g1331/autorouter/internal/secret"
)

type fakeUpstreamStore struct {
	byID map[string]*autorouter.Upstream
}

func newFakeUpstreamStore() *fakeUpstreamStore {
	return &fakeUpstreamStore{byID: make(map[string]*autorouter.Upstream)}
}

func (f *fakeUpstreamStore) CreateUpstream(_ context.Context, u *autorouter.Upstream) error {
	cp := *u
	f.byID[u.ID] = &cp
	return nil
}

func (f *fakeUpstreamStore) GetUpstream(_ context.Context, id string) (*autorouter.Upstream, error) {
	if u, ok := f.byID[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, autorouter.ErrNotFound
}

func (f *fakeUpstreamStore) GetUpstreamByName(_ context.Context, name string) (*autorouter.Upstream, error) {
	for _, u := range f.byID {
		if u.Name == name {
			cp := *u
			return &cp, nil
		}
	}
	return nil, autorouter.ErrNotFound
}

func (f *fakeUpstreamStore) ListUpstreams(context.Context) ([]*autorouter.Upstream, error) {
	out := make([]*autorouter.Upstream, 0, len(f.byID))
	for _, u := range f.byID {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeUpstreamStore) UpdateUpstream(_ context.Context, u *autorouter.Upstream) error {
	if _, ok := f.byID[u.ID]; !ok {
		return autorouter.ErrNotFound
	}
	cp := *u
	f.byID[u.ID] = &cp
	return nil
}

func (f *fakeUpstreamStore) DeleteUpstream(_ context.Context, id string) error {
	if _, ok := f.byID[id]; !ok {
		return autorouter.ErrNotFound
	}
	delete(f.byID, id)
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeUpstreamStore, *circuitbreaker.Registry) {
	t.Helper()
	box, err := secret.New("test-key-material")
	if err != nil {
		t.Fatal(err)
	}
	store := newFakeUpstreamStore()
	breakers := circuitbreaker.NewRegistry(nil)
	r := NewRegistry(store, box, breakers, quota.NewTracker())
	return r, store, breakers
}

func TestCreateSealsCredential(t *testing.T) {
	t.Parallel()
	r, store, _ := newTestRegistry(t)

	u, err := r.Create(context.Background(), Input{
		Name:       "primary",
		BaseURL:    "https://api.openai.com",
		Credential: "sk-secret",
		Weight:     1,
	})
	if err != nil {
		t.Fatal(err)
	}
	saved := store.byID[u.ID]
	if saved.CredentialEnc == "" || saved.CredentialEnc == "sk-secret" {
		t.Errorf("credential not sealed: %q", saved.CredentialEnc)
	}
	got, err := r.Credential(saved)
	if err != nil {
		t.Fatal(err)
	}
	if got != "sk-secret" {
		t.Errorf("decrypted credential = %q", got)
	}
	if saved.Timeout != defaultTimeoutSeconds {
		t.Errorf("timeout default = %d", saved.Timeout)
	}
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   Input
	}{
		{"missing name", Input{BaseURL: "https://x.example", Credential: "c"}},
		{"missing base url", Input{Name: "a", Credential: "c"}},
		{"relative base url", Input{Name: "a", BaseURL: "/v1", Credential: "c"}},
		{"missing credential", Input{Name: "a", BaseURL: "https://x.example"}},
		{"negative weight", Input{Name: "a", BaseURL: "https://x.example", Credential: "c", Weight: -1}},
		{"mixed families", Input{Name: "a", BaseURL: "https://x.example", Credential: "c",
			RouteCapabilities: []autorouter.RouteCapability{
				autorouter.CapAnthropicMessages, autorouter.CapOpenAIChat,
			}}},
		{"unknown capability", Input{Name: "a", BaseURL: "https://x.example", Credential: "c",
			RouteCapabilities: []autorouter.RouteCapability{"bogus"}}},
		{"rolling without hours", Input{Name: "a", BaseURL: "https://x.example", Credential: "c",
			SpendingLimit: ptr(1.0), SpendingPeriodType: autorouter.PeriodRolling}},
		{"rolling hours too large", Input{Name: "a", BaseURL: "https://x.example", Credential: "c",
			SpendingLimit: ptr(1.0), SpendingPeriodType: autorouter.PeriodRolling,
			SpendingPeriodHours: 9000}},
		{"unknown period", Input{Name: "a", BaseURL: "https://x.example", Credential: "c",
			SpendingLimit: ptr(1.0), SpendingPeriodType: "weekly"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Create(ctx, tc.in)
			if !errors.Is(err, autorouter.ErrBadRequest) {
				t.Errorf("err = %v, want ErrBadRequest", err)
			}
		})
	}
}

func TestBreakerUnitNormalization(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		in        breakerInput
		wantOpen  time.Duration
		wantProbe time.Duration
	}{
		{"seconds", breakerInput{OpenDuration: 30, ProbeInterval: 10},
			30 * time.Second, 10 * time.Second},
		{"boundary seconds", breakerInput{OpenDuration: 300, ProbeInterval: 60},
			300 * time.Second, 60 * time.Second},
		{"legacy millis", breakerInput{OpenDuration: 30000, ProbeInterval: 10000},
			30 * time.Second, 10 * time.Second},
		{"just past boundary", breakerInput{OpenDuration: 301, ProbeInterval: 61},
			301 * time.Millisecond, 61 * time.Millisecond},
		{"zero keeps defaults", breakerInput{},
			30 * time.Second, 10 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := normalizeBreaker(tc.in)
			if cfg.OpenDuration != tc.wantOpen {
				t.Errorf("open duration = %v, want %v", cfg.OpenDuration, tc.wantOpen)
			}
			if cfg.ProbeInterval != tc.wantProbe {
				t.Errorf("probe interval = %v, want %v", cfg.ProbeInterval, tc.wantProbe)
			}
		})
	}
}

func TestUpdatePropagatesBreakerConfig(t *testing.T) {
	t.Parallel()
	r, _, breakers := newTestRegistry(t)
	ctx := context.Background()

	u, err := r.Create(ctx, Input{
		Name: "prop", BaseURL: "https://x.example", Credential: "c", Weight: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	b := breakers.GetOrCreate(u.ID, u.Breaker)

	_, err = r.Update(ctx, u.ID, Input{
		Name: "prop", BaseURL: "https://x.example", Weight: 1,
		Breaker: &breakerInput{FailureThreshold: 3, OpenDuration: 60},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := b.Snapshot().Config.FailureThreshold; got != 3 {
		t.Errorf("breaker failure threshold = %d, want 3", got)
	}
	if got := b.Snapshot().Config.OpenDuration; got != 60*time.Second {
		t.Errorf("breaker open duration = %v", got)
	}
}

func TestUpdateKeepsCredentialWhenEmpty(t *testing.T) {
	t.Parallel()
	r, store, _ := newTestRegistry(t)
	ctx := context.Background()

	u, err := r.Create(ctx, Input{
		Name: "keep", BaseURL: "https://x.example", Credential: "original", Weight: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	enc := store.byID[u.ID].CredentialEnc

	if _, err := r.Update(ctx, u.ID, Input{
		Name: "keep", BaseURL: "https://x.example", Weight: 2,
	}); err != nil {
		t.Fatal(err)
	}
	if store.byID[u.ID].CredentialEnc != enc {
		t.Error("credential should be unchanged on update without credential")
	}
	if store.byID[u.ID].Weight != 2 {
		t.Error("weight should be updated")
	}
}

func TestDeleteRemovesBreaker(t *testing.T) {
	t.Parallel()
	r, _, breakers := newTestRegistry(t)
	ctx := context.Background()

	u, err := r.Create(ctx, Input{
		Name: "gone", BaseURL: "https://x.example", Credential: "c", Weight: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	breakers.GetOrCreate(u.ID, u.Breaker)

	if err := r.Delete(ctx, u.ID); err != nil {
		t.Fatal(err)
	}
	if breakers.Get(u.ID) != nil {
		t.Error("breaker should be removed with its upstream")
	}
	if _, err := r.Get(ctx, u.ID); !errors.Is(err, autorouter.ErrNotFound) {
		t.Errorf("get after delete = %v", err)
	}
}

func ptr[T any](v T) *T { return &v }
