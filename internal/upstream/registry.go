// Package upstream manages the upstream registry: validation, credential
// sealing, and propagation of config changes to the breaker registry and
// quota tracker.
package upstream

import (
	"context"
	"fmt"
	"net/url"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/circuitbreaker"
	"github.com/g1331/autorouter/internal/quota"
	"github.com/g1331/autorouter/internal/secret"
	"github.com/g1331/autorouter/internal/storage"
	"github.com/google/uuid"
)

const (
	defaultTimeoutSeconds = 300
	maxRollingHours       = 8760 // one year
)

// Registry is the admin-facing upstream service.
type Registry struct {
	store    storage.UpstreamStore
	box      *secret.Box
	breakers *circuitbreaker.Registry
	quotas   *quota.Tracker
}

// NewRegistry returns an upstream Registry.
func NewRegistry(store storage.UpstreamStore, box *secret.Box, breakers *circuitbreaker.Registry, quotas *quota.Tracker) *Registry {
	return &Registry{store: store, box: box, breakers: breakers, quotas: quotas}
}

// Input carries admin-supplied upstream fields. Credential is plaintext and
// is sealed before persistence; empty means keep the existing one on update.
type Input struct {
	Name       string `json:"name"`
	BaseURL    string `json:"base_url"`
	Credential string `json:"credential,omitempty"`
	IsActive   *bool  `json:"is_active,omitempty"`

	Priority int `json:"priority"`
	Weight   int `json:"weight"`
	Timeout  int `json:"timeout,omitempty"`

	RouteCapabilities []autorouter.RouteCapability `json:"route_capabilities,omitempty"`
	AllowedModels     []string                     `json:"allowed_models,omitempty"`
	ModelRedirects    map[string]string            `json:"model_redirects,omitempty"`
	Affinity          *autorouter.AffinityConfig   `json:"affinity_migration,omitempty"`

	BillingInputMultiplier  *float64 `json:"billing_input_multiplier,omitempty"`
	BillingOutputMultiplier *float64 `json:"billing_output_multiplier,omitempty"`

	SpendingLimit       *float64                  `json:"spending_limit,omitempty"`
	SpendingPeriodType  autorouter.SpendingPeriod `json:"spending_period_type,omitempty"`
	SpendingPeriodHours int                       `json:"spending_period_hours,omitempty"`

	ExcludeStatusCodes []int `json:"exclude_status_codes,omitempty"`

	Breaker *breakerInput `json:"circuit_breaker_config,omitempty"`
}

// breakerInput accepts breaker durations as bare numbers. Values are
// normalized once at write time: openDuration <= 300 and probeInterval <= 60
// are read as seconds, anything larger as milliseconds (legacy payloads).
type breakerInput struct {
	FailureThreshold int     `json:"failure_threshold"`
	SuccessThreshold int     `json:"success_threshold"`
	OpenDuration     float64 `json:"open_duration"`
	ProbeInterval    float64 `json:"probe_interval"`
}

// Create validates, seals the credential, persists a new upstream, and
// registers its quota rule.
func (r *Registry) Create(ctx context.Context, in Input) (*autorouter.Upstream, error) {
	u := &autorouter.Upstream{
		ID:        uuid.Must(uuid.NewV7()).String(),
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
		Breaker:   autorouter.DefaultBreakerConfig(),
	}
	if err := r.apply(u, in); err != nil {
		return nil, err
	}
	if in.Credential == "" {
		return nil, fmt.Errorf("%w: credential is required", autorouter.ErrBadRequest)
	}
	if err := r.store.CreateUpstream(ctx, u); err != nil {
		return nil, err
	}
	r.quotas.SetRule(u.ID, u)
	return u, nil
}

// Update validates and persists mutations to an existing upstream, then
// pushes the new config to the breaker registry and quota tracker.
func (r *Registry) Update(ctx context.Context, id string, in Input) (*autorouter.Upstream, error) {
	u, err := r.store.GetUpstream(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.apply(u, in); err != nil {
		return nil, err
	}
	if err := r.store.UpdateUpstream(ctx, u); err != nil {
		return nil, err
	}
	r.breakers.Reconfigure(u.ID, u.Breaker)
	r.quotas.SetRule(u.ID, u)
	return u, nil
}

// Delete removes an upstream and its in-memory breaker and quota entries.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteUpstream(ctx, id); err != nil {
		return err
	}
	r.breakers.Remove(id)
	r.quotas.SetRule(id, nil)
	return nil
}

// Get returns one upstream by ID.
func (r *Registry) Get(ctx context.Context, id string) (*autorouter.Upstream, error) {
	return r.store.GetUpstream(ctx, id)
}

// List returns all upstreams ordered by priority.
func (r *Registry) List(ctx context.Context) ([]*autorouter.Upstream, error) {
	return r.store.ListUpstreams(ctx)
}

// Credential decrypts the upstream's sealed credential.
func (r *Registry) Credential(u *autorouter.Upstream) (string, error) {
	if u.CredentialEnc == "" {
		return "", nil
	}
	return r.box.Decrypt(u.CredentialEnc)
}

// apply merges input into u, validating as it goes.
func (r *Registry) apply(u *autorouter.Upstream, in Input) error {
	if in.Name != "" {
		u.Name = in.Name
	}
	if u.Name == "" {
		return fmt.Errorf("%w: name is required", autorouter.ErrBadRequest)
	}
	if in.BaseURL != "" {
		parsed, err := url.Parse(in.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%w: base_url must be an absolute URL", autorouter.ErrBadRequest)
		}
		u.BaseURL = in.BaseURL
	}
	if u.BaseURL == "" {
		return fmt.Errorf("%w: base_url is required", autorouter.ErrBadRequest)
	}
	if in.Credential != "" {
		enc, err := r.box.Encrypt(in.Credential)
		if err != nil {
			return fmt.Errorf("seal credential: %w", err)
		}
		u.CredentialEnc = enc
	}
	if in.IsActive != nil {
		u.IsActive = *in.IsActive
	}

	if in.Priority < 0 {
		return fmt.Errorf("%w: priority must be >= 0", autorouter.ErrBadRequest)
	}
	u.Priority = in.Priority
	if in.Weight < 0 {
		return fmt.Errorf("%w: weight must be >= 0", autorouter.ErrBadRequest)
	}
	u.Weight = in.Weight
	u.Timeout = in.Timeout
	if u.Timeout <= 0 {
		u.Timeout = defaultTimeoutSeconds
	}

	if err := validateCapabilities(in.RouteCapabilities); err != nil {
		return err
	}
	u.RouteCapabilities = in.RouteCapabilities
	u.AllowedModels = in.AllowedModels
	u.ModelRedirects = in.ModelRedirects
	if in.Affinity != nil {
		if in.Affinity.Metric != "" && in.Affinity.Metric != autorouter.MetricLength && in.Affinity.Metric != autorouter.MetricTokens {
			return fmt.Errorf("%w: affinity metric must be length or tokens", autorouter.ErrBadRequest)
		}
	}
	u.Affinity = in.Affinity

	u.BillingInputMultiplier = multiplierOrDefault(in.BillingInputMultiplier)
	u.BillingOutputMultiplier = multiplierOrDefault(in.BillingOutputMultiplier)

	if err := applySpending(u, in); err != nil {
		return err
	}
	u.ExcludeStatusCodes = in.ExcludeStatusCodes

	if in.Breaker != nil {
		u.Breaker = normalizeBreaker(*in.Breaker)
	}
	return nil
}

func applySpending(u *autorouter.Upstream, in Input) error {
	u.SpendingLimit = in.SpendingLimit
	u.SpendingPeriodType = in.SpendingPeriodType
	u.SpendingPeriodHours = in.SpendingPeriodHours
	if in.SpendingLimit == nil {
		return nil
	}
	if *in.SpendingLimit < 0 {
		return fmt.Errorf("%w: spending_limit must be >= 0", autorouter.ErrBadRequest)
	}
	switch in.SpendingPeriodType {
	case "", autorouter.PeriodDaily, autorouter.PeriodMonthly:
	case autorouter.PeriodRolling:
		if in.SpendingPeriodHours < 1 || in.SpendingPeriodHours > maxRollingHours {
			return fmt.Errorf("%w: spending_period_hours must be in [1, %d] for rolling quotas",
				autorouter.ErrBadRequest, maxRollingHours)
		}
	default:
		return fmt.Errorf("%w: unknown spending_period_type %q", autorouter.ErrBadRequest, in.SpendingPeriodType)
	}
	return nil
}

func validateCapabilities(caps []autorouter.RouteCapability) error {
	if len(caps) == 0 {
		return nil
	}
	family := caps[0].Family()
	for _, c := range caps {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown route capability %q", autorouter.ErrBadRequest, c)
		}
		if c.Family() != family {
			return fmt.Errorf("%w: capabilities %q and %q belong to different provider families",
				autorouter.ErrBadRequest, caps[0], c)
		}
	}
	return nil
}

// normalizeBreaker resolves the legacy dual-unit encoding. openDuration
// values <= 300 are seconds, larger ones milliseconds; probeInterval uses 60
// as the same cutoff. The stored config is always in time.Duration.
func normalizeBreaker(in breakerInput) autorouter.BreakerConfig {
	cfg := autorouter.DefaultBreakerConfig()
	if in.FailureThreshold > 0 {
		cfg.FailureThreshold = in.FailureThreshold
	}
	if in.SuccessThreshold > 0 {
		cfg.SuccessThreshold = in.SuccessThreshold
	}
	if in.OpenDuration > 0 {
		if in.OpenDuration <= 300 {
			cfg.OpenDuration = time.Duration(in.OpenDuration * float64(time.Second))
		} else {
			cfg.OpenDuration = time.Duration(in.OpenDuration * float64(time.Millisecond))
		}
	}
	if in.ProbeInterval > 0 {
		if in.ProbeInterval <= 60 {
			cfg.ProbeInterval = time.Duration(in.ProbeInterval * float64(time.Second))
		} else {
			cfg.ProbeInterval = time.Duration(in.ProbeInterval * float64(time.Millisecond))
		}
	}
	return cfg
}

func multiplierOrDefault(m *float64) float64 {
	if m == nil || *m <= 0 {
		return 1.0
	}
	return *m
}
