package config

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/secret"
	"github.com/g1331/autorouter/internal/storage"
	"github.com/g1331/autorouter/internal/upstream"
)

// Bootstrap seeds upstreams and API keys from the config file. Seeding is
// idempotent: records that already exist by name or hash are skipped.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store, registry *upstream.Registry, box *secret.Box) error {
	byName := make(map[string]string, len(cfg.Upstreams))

	for _, e := range cfg.Upstreams {
		if existing, err := store.GetUpstreamByName(ctx, e.Name); err == nil {
			byName[e.Name] = existing.ID
			continue
		} else if !errors.Is(err, autorouter.ErrNotFound) {
			return err
		}

		caps := make([]autorouter.RouteCapability, 0, len(e.Capabilities))
		for _, c := range e.Capabilities {
			caps = append(caps, autorouter.RouteCapability(c))
		}
		u, err := registry.Create(ctx, upstream.Input{
			Name:                e.Name,
			BaseURL:             e.BaseURL,
			Credential:          e.Credential,
			Priority:            e.Priority,
			Weight:              max(1, e.Weight),
			Timeout:             e.Timeout,
			RouteCapabilities:   caps,
			AllowedModels:       e.AllowedModels,
			ModelRedirects:      e.ModelRedirects,
			ExcludeStatusCodes:  e.ExcludeStatusCodes,
			SpendingLimit:       e.SpendingLimit,
			SpendingPeriodType:  autorouter.SpendingPeriod(e.SpendingPeriod),
			SpendingPeriodHours: e.SpendingPeriodHours,
		})
		if err != nil {
			return err
		}
		byName[e.Name] = u.ID
		slog.Info("bootstrapped upstream", "name", u.Name)
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := autorouter.HashKey(box.Salt(), k.Key)
		if existing, err := store.GetKeyByHash(ctx, hash); err == nil && existing != nil {
			continue
		} else if err != nil && !errors.Is(err, autorouter.ErrNotFound) {
			return err
		}

		prefix := k.Key
		if len(prefix) > 12 {
			prefix = prefix[:12]
		}
		var upstreamIDs []string
		for _, name := range k.Upstreams {
			if id, ok := byName[name]; ok {
				upstreamIDs = append(upstreamIDs, id)
			} else if u, err := store.GetUpstreamByName(ctx, name); err == nil {
				upstreamIDs = append(upstreamIDs, u.ID)
			}
		}

		key := &autorouter.APIKey{
			ID:          uuid.Must(uuid.NewV7()).String(),
			KeyHash:     hash,
			KeyPrefix:   prefix,
			Name:        k.Name,
			IsActive:    true,
			UpstreamIDs: upstreamIDs,
			CreatedAt:   time.Now().UTC(),
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped api key", "name", k.Name, "prefix", prefix)
	}

	return nil
}
