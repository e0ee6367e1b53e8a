// Package pricing resolves model prices. Manual overrides beat synced
// catalog rows; resolution results are cached to keep the billing path off
// the database.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	autorouter "github.com/g1331/autorouter/internal"
)

// PriceStore provides price rows for resolution.
type PriceStore interface {
	// GetPriceOverride returns the manual override for an exact model, or
	// ErrNotFound.
	GetPriceOverride(ctx context.Context, model string) (*autorouter.PriceOverride, error)
	// GetModelPrice returns the active catalog row for a model, preferring
	// the most recent synced_at, or ErrNotFound.
	GetModelPrice(ctx context.Context, model string) (*autorouter.ModelPrice, error)
}

// priceCacheTTL is how long resolved prices stay cached before re-reading
// from the store. Short enough to pick up admin overrides quickly.
const priceCacheTTL = 30 * time.Second

// Resolver looks up model prices with an otter cache in front of the store.
type Resolver struct {
	store PriceStore
	cache *otter.Cache[string, *autorouter.ResolvedPrice]
}

// NewResolver returns a Resolver backed by store.
func NewResolver(store PriceStore) *Resolver {
	cache := otter.Must(&otter.Options[string, *autorouter.ResolvedPrice]{
		MaximumSize:      4096,
		ExpiryCalculator: otter.ExpiryWriting[string, *autorouter.ResolvedPrice](priceCacheTTL),
	})
	return &Resolver{store: store, cache: cache}
}

// Resolve returns the price for a model, or (nil, nil) when no override and
// no catalog row exists.
func (r *Resolver) Resolve(ctx context.Context, model string) (*autorouter.ResolvedPrice, error) {
	if cached, ok := r.cache.GetIfPresent(model); ok {
		return cached, nil
	}

	ov, err := r.store.GetPriceOverride(ctx, model)
	if err == nil {
		p := &autorouter.ResolvedPrice{
			InputPerM:      ov.InputPerM,
			OutputPerM:     ov.OutputPerM,
			CacheReadPerM:  ov.CacheReadPerM,
			CacheWritePerM: ov.CacheWritePerM,
			Source:         autorouter.SourceManual,
		}
		r.cache.Set(model, p)
		return p, nil
	}
	if !errors.Is(err, autorouter.ErrNotFound) {
		return nil, fmt.Errorf("resolve override %q: %w", model, err)
	}

	row, err := r.store.GetModelPrice(ctx, model)
	if errors.Is(err, autorouter.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve price %q: %w", model, err)
	}
	p := &autorouter.ResolvedPrice{
		InputPerM:      row.InputPerM,
		OutputPerM:     row.OutputPerM,
		CacheReadPerM:  row.CacheReadPerM,
		CacheWritePerM: row.CacheWritePerM,
		Source:         row.Source,
	}
	r.cache.Set(model, p)
	return p, nil
}

// Invalidate drops the cached price for a model after an admin mutation.
func (r *Resolver) Invalidate(model string) {
	r.cache.Invalidate(model)
}
