package worker

import (
	"context"
	"log/slog"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/quota"
)

// UpstreamLister returns all upstreams eligible for quota tracking.
type UpstreamLister interface {
	List(ctx context.Context) ([]*autorouter.Upstream, error)
}

// QuotaResync periodically rebuilds in-memory spend counters from the
// billed costs in storage. The in-memory counters drift when the process
// restarts mid-window or when logs are written by another instance, so
// the rebuild re-anchors them against the durable ledger.
type QuotaResync struct {
	tracker   *quota.Tracker
	store     quota.SpendStore
	upstreams UpstreamLister
	interval  time.Duration
}

// NewQuotaResync creates a quota resync worker. interval must be positive.
func NewQuotaResync(tracker *quota.Tracker, store quota.SpendStore, upstreams UpstreamLister, interval time.Duration) *QuotaResync {
	return &QuotaResync{
		tracker:   tracker,
		store:     store,
		upstreams: upstreams,
		interval:  interval,
	}
}

func (w *QuotaResync) Name() string { return "quota_resync" }

// Run rebuilds spend counters immediately and then on every tick until
// the context is cancelled. Rebuild failures are logged and retried on
// the next tick rather than stopping the worker.
func (w *QuotaResync) Run(ctx context.Context) error {
	w.resync(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.resync(ctx)
		}
	}
}

func (w *QuotaResync) resync(ctx context.Context) {
	ups, err := w.upstreams.List(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "quota resync: list upstreams failed",
			slog.String("error", err.Error()))
		return
	}
	if err := w.tracker.Rebuild(ctx, w.store, ups); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "quota resync failed",
			slog.String("error", err.Error()))
		return
	}
	slog.LogAttrs(ctx, slog.LevelDebug, "quota resynced",
		slog.Int("upstreams", len(ups)))
}
