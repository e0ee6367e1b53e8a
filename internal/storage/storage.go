// Package storage defines persistence interfaces for AutoRouter.
package storage

import (
	"context"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/quota"
)

// APIKeyStore manages API key persistence including upstream bindings.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *autorouter.APIKey) error
	GetKey(ctx context.Context, id string) (*autorouter.APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*autorouter.APIKey, error)
	ListKeys(ctx context.Context, offset, limit int) ([]*autorouter.APIKey, error)
	CountKeys(ctx context.Context) (int, error)
	UpdateKey(ctx context.Context, key *autorouter.APIKey) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// UpstreamStore manages upstream persistence.
type UpstreamStore interface {
	CreateUpstream(ctx context.Context, u *autorouter.Upstream) error
	GetUpstream(ctx context.Context, id string) (*autorouter.Upstream, error)
	GetUpstreamByName(ctx context.Context, name string) (*autorouter.Upstream, error)
	ListUpstreams(ctx context.Context) ([]*autorouter.Upstream, error)
	UpdateUpstream(ctx context.Context, u *autorouter.Upstream) error
	DeleteUpstream(ctx context.Context, id string) error
}

// BreakerStore persists circuit breaker state tuples.
type BreakerStore interface {
	SaveBreakerState(ctx context.Context, s *autorouter.BreakerState) error
	GetBreakerState(ctx context.Context, upstreamID string) (*autorouter.BreakerState, error)
	ListBreakerStates(ctx context.Context) ([]*autorouter.BreakerState, error)
}

// RequestLogFilter narrows request log queries.
type RequestLogFilter struct {
	APIKeyID    string
	UpstreamID  string
	RoutingType string
	Since       string // RFC3339
	Until       string
	Offset      int
	Limit       int
}

// RequestLogStore manages the per-request audit log.
type RequestLogStore interface {
	InsertRequestLogs(ctx context.Context, logs []autorouter.RequestLog) error
	GetRequestLog(ctx context.Context, id string) (*autorouter.RequestLog, error)
	ListRequestLogs(ctx context.Context, f RequestLogFilter) ([]autorouter.RequestLog, error)
	CountRequestLogs(ctx context.Context, f RequestLogFilter) (int, error)
}

// BillingStore manages billing snapshots. Upsert semantics keyed on
// RequestLogID make the writer idempotent.
type BillingStore interface {
	UpsertBillingSnapshot(ctx context.Context, s *autorouter.BillingSnapshot) error
	GetBillingSnapshot(ctx context.Context, requestLogID string) (*autorouter.BillingSnapshot, error)
	SumBilledCost(ctx context.Context, upstreamID string, since time.Time) (float64, error)
	ListBilledCosts(ctx context.Context, upstreamID string, since time.Time) ([]quota.CostEvent, error)
}

// PriceStore manages the synced price catalog and manual overrides.
type PriceStore interface {
	UpsertModelPrice(ctx context.Context, p *autorouter.ModelPrice) error
	GetModelPrice(ctx context.Context, model string) (*autorouter.ModelPrice, error)
	ListModelPrices(ctx context.Context, offset, limit int) ([]autorouter.ModelPrice, error)
	UpsertPriceOverride(ctx context.Context, o *autorouter.PriceOverride) error
	GetPriceOverride(ctx context.Context, model string) (*autorouter.PriceOverride, error)
	ListPriceOverrides(ctx context.Context) ([]autorouter.PriceOverride, error)
	DeletePriceOverride(ctx context.Context, model string) error
}

// CompensationStore manages compensation rules.
type CompensationStore interface {
	CreateCompensationRule(ctx context.Context, r *autorouter.CompensationRule) error
	GetCompensationRule(ctx context.Context, id string) (*autorouter.CompensationRule, error)
	ListCompensationRules(ctx context.Context) ([]*autorouter.CompensationRule, error)
	ListEnabledCompensationRules(ctx context.Context) ([]*autorouter.CompensationRule, error)
	UpdateCompensationRule(ctx context.Context, r *autorouter.CompensationRule) error
	DeleteCompensationRule(ctx context.Context, id string) error
}

// OverviewStats is the aggregate view for a stats range.
type OverviewStats struct {
	Requests      int     `json:"requests"`
	Errors        int     `json:"errors"` // status >= 500 or unset
	TotalCost     float64 `json:"total_cost"`
	PromptTokens  int64   `json:"prompt_tokens"`
	OutputTokens  int64   `json:"completion_tokens"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	StreamedCount int     `json:"streamed_count"`
}

// TimeseriesPoint is one bucket of the stats timeseries.
type TimeseriesPoint struct {
	Bucket   string  `json:"bucket"` // "2026-08-26T14:00" (hour) or "2026-08-26" (day)
	Requests int     `json:"requests"`
	Cost     float64 `json:"cost"`
	Tokens   int64   `json:"tokens"`
}

// LeaderboardRow ranks one model by spend within a stats range.
type LeaderboardRow struct {
	Model    string  `json:"model"`
	Requests int     `json:"requests"`
	Cost     float64 `json:"cost"`
	Tokens   int64   `json:"tokens"`
}

// StatsStore computes read-only reducers over logs and snapshots.
type StatsStore interface {
	StatsOverview(ctx context.Context, since time.Time) (*OverviewStats, error)
	StatsTimeseries(ctx context.Context, since time.Time, byHour bool) ([]TimeseriesPoint, error)
	StatsLeaderboard(ctx context.Context, since time.Time, limit int) ([]LeaderboardRow, error)
}

// Store combines all storage interfaces.
type Store interface {
	APIKeyStore
	UpstreamStore
	BreakerStore
	RequestLogStore
	BillingStore
	PriceStore
	CompensationStore
	StatsStore
	Ping(ctx context.Context) error
	Close() error
}
