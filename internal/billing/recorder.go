// Package billing turns completed requests into immutable cost snapshots.
// Events are buffered on a channel and batch-flushed; the snapshot writer is
// idempotent on the request log ID so replays are safe.
package billing

import (
	"context"
	"log/slog"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/pricing"
	"github.com/g1331/autorouter/internal/quota"
)

const (
	eventChanSize   = 1000
	eventBatchSize  = 100
	eventFlushEvery = 2 * time.Second
	eventDrainTime  = 30 * time.Second
)

// Store is the persistence interface consumed by the Recorder. Request logs
// are inserted before their snapshots.
type Store interface {
	InsertRequestLogs(ctx context.Context, logs []autorouter.RequestLog) error
	UpsertBillingSnapshot(ctx context.Context, s *autorouter.BillingSnapshot) error
}

// Event is one completed request awaiting log + snapshot persistence.
// Upstream is nil when the request never reached one.
type Event struct {
	Log      autorouter.RequestLog
	Upstream *autorouter.Upstream
}

// Recorder buffers completed requests and batch-flushes logs and billing
// snapshots. Events are dropped if the channel is full.
type Recorder struct {
	ch       chan Event
	store    Store
	resolver *pricing.Resolver
	quotas   *quota.Tracker
}

// NewRecorder creates a Recorder.
func NewRecorder(store Store, resolver *pricing.Resolver, quotas *quota.Tracker) *Recorder {
	return &Recorder{
		ch:       make(chan Event, eventChanSize),
		store:    store,
		resolver: resolver,
		quotas:   quotas,
	}
}

// Name returns the worker identifier.
func (r *Recorder) Name() string { return "billing_recorder" }

// Record enqueues a completed request. It never blocks; drops on full channel.
func (r *Recorder) Record(e Event) {
	select {
	case r.ch <- e:
	default:
		slog.Warn("billing event dropped, channel full",
			slog.String("request_id", e.Log.ID))
	}
}

// Run processes events until ctx is cancelled, then drains the channel.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(eventFlushEvery)
	defer ticker.Stop()

	buf := make([]Event, 0, eventBatchSize)

	for {
		select {
		case e := <-r.ch:
			buf = append(buf, e)
			if len(buf) >= eventBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

func (r *Recorder) drain(buf []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), eventDrainTime)
	defer cancel()

	for {
		select {
		case e := <-r.ch:
			buf = append(buf, e)
			if len(buf) >= eventBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

// flush inserts the request logs, then writes one snapshot per event and
// commits billed costs to the quota tracker.
func (r *Recorder) flush(ctx context.Context, buf []Event) {
	logs := make([]autorouter.RequestLog, len(buf))
	for i := range buf {
		logs[i] = buf[i].Log
	}
	if err := r.store.InsertRequestLogs(ctx, logs); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "request log flush failed",
			slog.Int("count", len(logs)),
			slog.String("error", err.Error()),
		)
		return
	}

	for i := range buf {
		snap := r.snapshot(ctx, &buf[i])
		if err := r.store.UpsertBillingSnapshot(ctx, snap); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "billing snapshot write failed",
				slog.String("request_id", snap.RequestLogID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if snap.Status == autorouter.Billed && snap.UpstreamID != "" {
			r.quotas.Commit(snap.UpstreamID, snap.FinalCost, snap.CreatedAt)
		}
	}
}

// snapshot computes the billing outcome of one completed request.
func (r *Recorder) snapshot(ctx context.Context, e *Event) *autorouter.BillingSnapshot {
	log := &e.Log
	snap := &autorouter.BillingSnapshot{
		RequestLogID: log.ID,
		APIKeyID:     log.APIKeyID,
		UpstreamID:   log.UpstreamID,
		Model:        log.Model,
		Usage:        log.Usage,
		Currency:     "USD",
		CreatedAt:    log.CreatedAt,
	}
	if e.Upstream != nil {
		snap.InputMultiplier = e.Upstream.BillingInputMultiplier
		snap.OutputMultiplier = e.Upstream.BillingOutputMultiplier
	}

	switch {
	case log.Model == "":
		snap.Status = autorouter.Unbilled
		snap.UnbillableReason = autorouter.ReasonModelMissing
		return snap
	case log.Usage.IsZero():
		snap.Status = autorouter.Unbilled
		snap.UnbillableReason = autorouter.ReasonUsageMissing
		return snap
	}

	price, err := r.resolver.Resolve(ctx, log.Model)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "price resolve failed",
			slog.String("model", log.Model),
			slog.String("error", err.Error()),
		)
	}
	if price == nil {
		snap.Status = autorouter.Unbilled
		snap.UnbillableReason = autorouter.ReasonPriceNotFound
		return snap
	}

	snap.Status = autorouter.Billed
	snap.PriceSource = price.Source
	snap.InputPerM = price.InputPerM
	snap.OutputPerM = price.OutputPerM
	if snap.InputMultiplier <= 0 {
		snap.InputMultiplier = 1.0
	}
	if snap.OutputMultiplier <= 0 {
		snap.OutputMultiplier = 1.0
	}

	cost := float64(log.Usage.PromptTokens)/1e6*price.InputPerM*snap.InputMultiplier +
		float64(log.Usage.CompletionTokens)/1e6*price.OutputPerM*snap.OutputMultiplier
	if price.CacheReadPerM != nil {
		snap.CacheReadPerM = *price.CacheReadPerM
		cost += float64(log.Usage.CacheReadTokens) / 1e6 * *price.CacheReadPerM * snap.InputMultiplier
	}
	if price.CacheWritePerM != nil {
		snap.CacheWritePerM = *price.CacheWritePerM
		cost += float64(log.Usage.CacheWriteTokens) / 1e6 * *price.CacheWritePerM * snap.InputMultiplier
	}
	snap.FinalCost = cost
	return snap
}
