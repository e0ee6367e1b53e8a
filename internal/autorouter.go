// Package autorouter defines domain types and interfaces for the AutoRouter
// proxy. This package has no project imports -- it is the dependency root.
package autorouter

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// --- Route capabilities ---

// RouteCapability identifies the route family of an inbound request.
type RouteCapability string

const (
	CapAnthropicMessages  RouteCapability = "anthropic_messages"
	CapCodexResponses     RouteCapability = "codex_responses"
	CapOpenAIChat         RouteCapability = "openai_chat_compatible"
	CapOpenAIExtended     RouteCapability = "openai_extended"
	CapGeminiGenerate     RouteCapability = "gemini_native_generate"
	CapGeminiCodeAssist   RouteCapability = "gemini_code_assist_internal"
)

// ProviderFamily groups capabilities by upstream provider type.
// All capabilities declared on one upstream must share a family.
type ProviderFamily string

const (
	FamilyAnthropic ProviderFamily = "anthropic"
	FamilyOpenAI    ProviderFamily = "openai"
	FamilyGemini    ProviderFamily = "gemini"
)

// Family returns the provider family a capability belongs to.
func (c RouteCapability) Family() ProviderFamily {
	switch c {
	case CapAnthropicMessages:
		return FamilyAnthropic
	case CapGeminiGenerate, CapGeminiCodeAssist:
		return FamilyGemini
	default:
		return FamilyOpenAI
	}
}

// Valid reports whether c is one of the known capability tags.
func (c RouteCapability) Valid() bool {
	switch c {
	case CapAnthropicMessages, CapCodexResponses, CapOpenAIChat,
		CapOpenAIExtended, CapGeminiGenerate, CapGeminiCodeAssist:
		return true
	}
	return false
}

// DefaultCapabilities returns the capability set assumed for an upstream of
// the given family when it declares none.
func DefaultCapabilities(f ProviderFamily) []RouteCapability {
	switch f {
	case FamilyAnthropic:
		return []RouteCapability{CapAnthropicMessages}
	case FamilyGemini:
		return []RouteCapability{CapGeminiGenerate, CapGeminiCodeAssist}
	default:
		return []RouteCapability{CapOpenAIChat, CapOpenAIExtended, CapCodexResponses}
	}
}

// FamilyOfModel infers the provider family from a model name prefix.
func FamilyOfModel(model string) ProviderFamily {
	switch {
	case hasAnyPrefix(model, "claude"):
		return FamilyAnthropic
	case hasAnyPrefix(model, "gemini", "models/gemini"):
		return FamilyGemini
	default:
		return FamilyOpenAI
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

// --- Upstream ---

// SpendingPeriod is the quota accounting window type.
type SpendingPeriod string

const (
	PeriodDaily   SpendingPeriod = "daily"
	PeriodMonthly SpendingPeriod = "monthly"
	PeriodRolling SpendingPeriod = "rolling"
)

// AffinityMetric selects how session migration progress is measured.
type AffinityMetric string

const (
	MetricLength AffinityMetric = "length"
	MetricTokens AffinityMetric = "tokens"
)

// AffinityConfig controls sticky-session routing for an upstream.
type AffinityConfig struct {
	Enabled   bool           `json:"enabled"`
	Metric    AffinityMetric `json:"metric,omitempty"` // defaults to "length"
	Threshold int64          `json:"threshold"`        // drop affinity past this
}

// BreakerConfig holds circuit breaker parameters for one upstream.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	OpenDuration     time.Duration `json:"open_duration"`
	ProbeInterval    time.Duration `json:"probe_interval"`
}

// DefaultBreakerConfig returns the breaker defaults applied when an upstream
// has no explicit config.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
		ProbeInterval:    10 * time.Second,
	}
}

// Upstream is a concrete provider endpoint requests can be forwarded to.
type Upstream struct {
	ID            string `json:"id"`
	Name          string `json:"name"` // unique
	BaseURL       string `json:"base_url"`
	CredentialEnc string `json:"-"` // AES-GCM ciphertext, never exposed
	IsActive      bool   `json:"is_active"`

	Priority int `json:"priority"` // lower is preferred, 0 = top tier
	Weight   int `json:"weight"`   // weighted pick within a tier; 0 excludes
	Timeout  int `json:"timeout"`  // seconds; TTFT deadline and stream idle cap

	RouteCapabilities []RouteCapability `json:"route_capabilities"`
	AllowedModels     []string          `json:"allowed_models,omitempty"` // nil = all
	ModelRedirects    map[string]string `json:"model_redirects,omitempty"`
	Affinity          *AffinityConfig   `json:"affinity_migration,omitempty"`

	BillingInputMultiplier  float64 `json:"billing_input_multiplier"`
	BillingOutputMultiplier float64 `json:"billing_output_multiplier"`

	SpendingLimit       *float64       `json:"spending_limit,omitempty"` // USD
	SpendingPeriodType  SpendingPeriod `json:"spending_period_type,omitempty"`
	SpendingPeriodHours int            `json:"spending_period_hours,omitempty"` // rolling only

	ExcludeStatusCodes []int `json:"exclude_status_codes,omitempty"` // never failovered

	Breaker BreakerConfig `json:"circuit_breaker_config"`

	CreatedAt time.Time `json:"created_at"`
}

// Family returns the provider family of the upstream, derived from its
// declared capabilities (openai when none are declared).
func (u *Upstream) Family() ProviderFamily {
	if len(u.RouteCapabilities) == 0 {
		return FamilyOpenAI
	}
	return u.RouteCapabilities[0].Family()
}

// HasCapability reports whether the upstream serves the given capability,
// applying the default-by-family expansion for an empty declared set.
func (u *Upstream) HasCapability(c RouteCapability) bool {
	caps := u.RouteCapabilities
	if len(caps) == 0 {
		caps = DefaultCapabilities(u.Family())
	}
	for _, have := range caps {
		if have == c {
			return true
		}
	}
	return false
}

// RedirectModel applies the upstream's model redirect map to a requested
// model, returning the upstream-side model name.
func (u *Upstream) RedirectModel(model string) string {
	if to, ok := u.ModelRedirects[model]; ok && to != "" {
		return to
	}
	return model
}

// AffinityMetricOrDefault returns the configured migration metric,
// defaulting to length when unset.
func (u *Upstream) AffinityMetricOrDefault() AffinityMetric {
	if u.Affinity != nil && u.Affinity.Metric == MetricTokens {
		return MetricTokens
	}
	return MetricLength
}

// --- Circuit breaker persisted state ---

// CircuitState names a breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// BreakerState is the persisted state tuple of one upstream's breaker.
// Exactly one row exists per upstream; created lazily with defaults.
type BreakerState struct {
	UpstreamID    string        `json:"upstream_id"`
	State         CircuitState  `json:"state"`
	FailureCount  int           `json:"failure_count"`
	SuccessCount  int           `json:"success_count"`
	LastFailureAt *time.Time    `json:"last_failure_at,omitempty"`
	OpenedAt      *time.Time    `json:"opened_at,omitempty"`
	LastProbeAt   *time.Time    `json:"last_probe_at,omitempty"`
	Config        BreakerConfig `json:"config"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// --- API keys ---

// APIKey is the stable identity of a downstream principal.
type APIKey struct {
	ID           string     `json:"id"`
	KeyHash      string     `json:"-"`          // salted SHA-256 hex, never exposed
	KeyPrefix    string     `json:"key_prefix"` // first 12 chars, display only
	PlaintextEnc string     `json:"-"`          // AES-GCM ciphertext; set only when reveal is enabled
	Name         string     `json:"name"`
	IsActive     bool       `json:"is_active"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	UpstreamIDs  []string   `json:"upstream_ids"` // bound upstream set (join table)
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// BoundTo reports whether the key is authorized for the given upstream.
func (k *APIKey) BoundTo(upstreamID string) bool {
	for _, id := range k.UpstreamIDs {
		if id == upstreamID {
			return true
		}
	}
	return false
}

// KeyIDPrefix is the prefix for all AutoRouter API keys.
const KeyIDPrefix = "ar-"

// HashKey returns the hex-encoded salted SHA-256 hash of a raw API key.
// The salt is deployment-wide and stable so hash lookups stay indexable.
func HashKey(salt, raw string) string {
	h := sha256.New()
	h.Write([]byte(salt))
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}

// --- Usage and billing ---

// Usage holds token counters parsed from an upstream response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// IsZero reports whether every counter is zero.
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 &&
		u.CacheReadTokens == 0 && u.CacheWriteTokens == 0
}

// PriceSource identifies where a resolved price came from.
type PriceSource string

const (
	SourceManual     PriceSource = "manual"
	SourceLiteLLM    PriceSource = "litellm"
	SourceOpenRouter PriceSource = "openrouter"
)

// ModelPrice is a synced catalog row, keyed by (model, source).
type ModelPrice struct {
	Model          string      `json:"model"`
	Source         PriceSource `json:"source"`
	InputPerM      float64     `json:"input_price_per_million"`
	OutputPerM     float64     `json:"output_price_per_million"`
	CacheReadPerM  *float64    `json:"cache_read_price_per_million,omitempty"`
	CacheWritePerM *float64    `json:"cache_write_price_per_million,omitempty"`
	IsActive       bool        `json:"is_active"`
	SyncedAt       time.Time   `json:"synced_at"`
}

// PriceOverride is a per-model manual price. Beats any catalog row.
type PriceOverride struct {
	Model          string    `json:"model"`
	InputPerM      float64   `json:"input_price_per_million"`
	OutputPerM     float64   `json:"output_price_per_million"`
	CacheReadPerM  *float64  `json:"cache_read_price_per_million,omitempty"`
	CacheWritePerM *float64  `json:"cache_write_price_per_million,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ResolvedPrice is the outcome of a price lookup.
type ResolvedPrice struct {
	InputPerM      float64
	OutputPerM     float64
	CacheReadPerM  *float64
	CacheWritePerM *float64
	Source         PriceSource
}

// BillingStatus marks whether a snapshot carries a computed cost.
type BillingStatus string

const (
	Billed   BillingStatus = "billed"
	Unbilled BillingStatus = "unbilled"
)

// UnbillableReason explains an unbilled snapshot.
type UnbillableReason string

const (
	ReasonModelMissing  UnbillableReason = "model_missing"
	ReasonUsageMissing  UnbillableReason = "usage_missing"
	ReasonPriceNotFound UnbillableReason = "price_not_found"
)

// BillingSnapshot is the immutable cost record written once per completed
// request. 1:1 with RequestLog; the writer is idempotent on RequestLogID.
type BillingSnapshot struct {
	RequestLogID     string           `json:"request_log_id"`
	APIKeyID         string           `json:"api_key_id"`
	UpstreamID       string           `json:"upstream_id"`
	Model            string           `json:"model,omitempty"`
	Status           BillingStatus    `json:"billing_status"`
	UnbillableReason UnbillableReason `json:"unbillable_reason,omitempty"`
	PriceSource      PriceSource      `json:"price_source,omitempty"`
	InputPerM        float64          `json:"input_price_per_million"`
	OutputPerM       float64          `json:"output_price_per_million"`
	CacheReadPerM    float64          `json:"cache_read_price_per_million"`
	CacheWritePerM   float64          `json:"cache_write_price_per_million"`
	InputMultiplier  float64          `json:"input_multiplier"`
	OutputMultiplier float64          `json:"output_multiplier"`
	Usage            Usage            `json:"usage"`
	FinalCost        float64          `json:"final_cost"`
	Currency         string           `json:"currency"` // always "USD"
	CreatedAt        time.Time        `json:"created_at"`
}

// --- Request logging ---

// AttemptErrorType classifies one failed forward attempt.
type AttemptErrorType string

const (
	AttemptTimeout     AttemptErrorType = "timeout"
	AttemptHTTP5xx     AttemptErrorType = "http_5xx"
	AttemptHTTP429     AttemptErrorType = "http_429"
	AttemptConnError   AttemptErrorType = "connection_error"
	AttemptCircuitOpen AttemptErrorType = "circuit_open"
	AttemptStreamError AttemptErrorType = "stream_error"
)

// FailoverAttempt is one entry in a request's failover history.
type FailoverAttempt struct {
	UpstreamID   string           `json:"upstream_id"`
	UpstreamName string           `json:"upstream_name"`
	AttemptedAt  time.Time        `json:"attempted_at"`
	ErrorType    AttemptErrorType `json:"error_type"`
	ErrorMessage string           `json:"error_message"`
	StatusCode   int              `json:"status_code,omitempty"`
}

// HeaderDiff records how outbound headers were assembled from inbound ones.
// Invariant: OutboundCount == InboundCount - len(Dropped) + len(Compensated),
// with the auth replacement counted on both sides.
type HeaderDiff struct {
	Dropped       []string `json:"dropped"`
	AuthReplaced  []string `json:"auth_replaced"`
	Compensated   []string `json:"compensated"`
	Unchanged     []string `json:"unchanged"`
	InboundCount  int      `json:"inbound_count"`
	OutboundCount int      `json:"outbound_count"`
}

// RequestLog is the immutable record of one completed request.
type RequestLog struct {
	ID               string            `json:"id"`
	APIKeyID         string            `json:"api_key_id"`
	UpstreamID       string            `json:"upstream_id,omitempty"`
	Method           string            `json:"method"`
	Path             string            `json:"path"`
	Model            string            `json:"model,omitempty"`
	Capability       RouteCapability   `json:"capability"`
	StatusCode       int               `json:"status_code"`
	DurationMs       int64             `json:"duration_ms"`
	TTFTMs           *int64            `json:"ttft_ms,omitempty"`
	IsStream         bool              `json:"is_stream"`
	RoutingType      string            `json:"routing_type"` // "weighted", "affinity"
	LBStrategy       string            `json:"lb_strategy"`
	PriorityTier     int               `json:"priority_tier"`
	FailoverAttempts int               `json:"failover_attempts"`
	FailoverHistory  []FailoverAttempt `json:"failover_history,omitempty"`
	HeaderDiff       *HeaderDiff       `json:"header_diff,omitempty"`
	SessionKey       string            `json:"session_key,omitempty"`
	AffinityMigrated bool              `json:"affinity_migrated"`
	Usage            Usage             `json:"usage"`
	CreatedAt        time.Time         `json:"created_at"`
}

// --- Compensation rules ---

// CompensationMode governs when a rule emits its target header.
type CompensationMode string

// ModeMissingOnly skips emission when the target header is already present
// on the inbound request. Only mode today.
const ModeMissingOnly CompensationMode = "missing_only"

// CompensationRule derives a target header from ordered header/body sources.
// Built-in rules accept only Enabled mutations.
type CompensationRule struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Capabilities []RouteCapability `json:"capabilities"`
	TargetHeader string            `json:"target_header"`
	Sources      []string          `json:"sources"` // "headers.<name>" or "body.<dotted.path>"
	Mode         CompensationMode  `json:"mode"`
	IsBuiltin    bool              `json:"is_builtin"`
	Enabled      bool              `json:"enabled"`
	CreatedAt    time.Time         `json:"created_at"`
}
