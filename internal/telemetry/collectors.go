package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/quota"
)

// BreakerStates yields the live circuit breaker snapshots.
type BreakerStates interface {
	States(filter autorouter.CircuitState) []autorouter.BreakerState
}

// QuotaStatuses yields the live spending quota view.
type QuotaStatuses interface {
	Statuses() []quota.Status
}

var (
	breakerStateDesc = prometheus.NewDesc(
		"autorouter_circuit_breaker_state",
		"Circuit breaker state per upstream (0=closed, 1=half_open, 2=open).",
		[]string{"upstream_id"}, nil)
	breakerFailuresDesc = prometheus.NewDesc(
		"autorouter_circuit_breaker_failures",
		"Consecutive failure count per upstream breaker.",
		[]string{"upstream_id"}, nil)
	quotaSpendDesc = prometheus.NewDesc(
		"autorouter_quota_spend_usd",
		"Current spend against the quota window per upstream.",
		[]string{"upstream_id", "period"}, nil)
	quotaLimitDesc = prometheus.NewDesc(
		"autorouter_quota_limit_usd",
		"Configured spending limit per upstream.",
		[]string{"upstream_id", "period"}, nil)
)

// BreakerCollector exports breaker state gauges computed at scrape time.
type BreakerCollector struct {
	breakers BreakerStates
}

// NewBreakerCollector returns a collector over the live breaker registry.
func NewBreakerCollector(breakers BreakerStates) *BreakerCollector {
	return &BreakerCollector{breakers: breakers}
}

func (c *BreakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- breakerStateDesc
	ch <- breakerFailuresDesc
}

func (c *BreakerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.breakers.States("") {
		var state float64
		switch s.State {
		case autorouter.CircuitHalfOpen:
			state = 1
		case autorouter.CircuitOpen:
			state = 2
		}
		ch <- prometheus.MustNewConstMetric(breakerStateDesc,
			prometheus.GaugeValue, state, s.UpstreamID)
		ch <- prometheus.MustNewConstMetric(breakerFailuresDesc,
			prometheus.GaugeValue, float64(s.FailureCount), s.UpstreamID)
	}
}

// QuotaCollector exports spend and limit gauges computed at scrape time.
type QuotaCollector struct {
	quotas QuotaStatuses
}

// NewQuotaCollector returns a collector over the live quota tracker.
func NewQuotaCollector(quotas QuotaStatuses) *QuotaCollector {
	return &QuotaCollector{quotas: quotas}
}

func (c *QuotaCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- quotaSpendDesc
	ch <- quotaLimitDesc
}

func (c *QuotaCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.quotas.Statuses() {
		ch <- prometheus.MustNewConstMetric(quotaSpendDesc,
			prometheus.GaugeValue, s.Spend, s.UpstreamID, string(s.Period))
		ch <- prometheus.MustNewConstMetric(quotaLimitDesc,
			prometheus.GaugeValue, s.Limit, s.UpstreamID, string(s.Period))
	}
}
