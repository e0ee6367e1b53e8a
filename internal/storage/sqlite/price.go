package sqlite

import (
	"context"
	"database/sql"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
)

// UpsertModelPrice writes one synced catalog row, keyed by (model, source).
func (s *Store) UpsertModelPrice(ctx context.Context, p *autorouter.ModelPrice) error {
	_, err := s.wdb.ExecContext(ctx,
		`INSERT INTO model_prices (model, source, input_price_per_m, output_price_per_m,
		 cache_read_price_per_m, cache_write_price_per_m, is_active, synced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model, source) DO UPDATE SET
		 input_price_per_m=excluded.input_price_per_m,
		 output_price_per_m=excluded.output_price_per_m,
		 cache_read_price_per_m=excluded.cache_read_price_per_m,
		 cache_write_price_per_m=excluded.cache_write_price_per_m,
		 is_active=excluded.is_active, synced_at=excluded.synced_at`,
		p.Model, string(p.Source), p.InputPerM, p.OutputPerM,
		nullFloat(p.CacheReadPerM), nullFloat(p.CacheWritePerM),
		boolToInt(p.IsActive), p.SyncedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetModelPrice returns the newest active catalog row for a model.
func (s *Store) GetModelPrice(ctx context.Context, model string) (*autorouter.ModelPrice, error) {
	row := s.rdb.QueryRowContext(ctx,
		selectModelPrice+` WHERE model = ? AND is_active = 1 ORDER BY synced_at DESC LIMIT 1`,
		model)
	return scanModelPrice(row)
}

// ListModelPrices returns catalog rows ordered by model name.
func (s *Store) ListModelPrices(ctx context.Context, offset, limit int) ([]autorouter.ModelPrice, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.rdb.QueryContext(ctx,
		selectModelPrice+` ORDER BY model ASC, source ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []autorouter.ModelPrice
	for rows.Next() {
		p, err := scanModelPrice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpsertPriceOverride writes a manual per-model price.
func (s *Store) UpsertPriceOverride(ctx context.Context, o *autorouter.PriceOverride) error {
	_, err := s.wdb.ExecContext(ctx,
		`INSERT INTO price_overrides (model, input_price_per_m, output_price_per_m,
		 cache_read_price_per_m, cache_write_price_per_m, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(model) DO UPDATE SET
		 input_price_per_m=excluded.input_price_per_m,
		 output_price_per_m=excluded.output_price_per_m,
		 cache_read_price_per_m=excluded.cache_read_price_per_m,
		 cache_write_price_per_m=excluded.cache_write_price_per_m,
		 updated_at=excluded.updated_at`,
		o.Model, o.InputPerM, o.OutputPerM,
		nullFloat(o.CacheReadPerM), nullFloat(o.CacheWritePerM),
		o.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetPriceOverride retrieves the manual override for a model.
func (s *Store) GetPriceOverride(ctx context.Context, model string) (*autorouter.PriceOverride, error) {
	row := s.rdb.QueryRowContext(ctx,
		`SELECT model, input_price_per_m, output_price_per_m, cache_read_price_per_m,
		 cache_write_price_per_m, updated_at FROM price_overrides WHERE model = ?`, model)
	return scanPriceOverride(row)
}

// ListPriceOverrides returns all manual overrides ordered by model.
func (s *Store) ListPriceOverrides(ctx context.Context) ([]autorouter.PriceOverride, error) {
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT model, input_price_per_m, output_price_per_m, cache_read_price_per_m,
		 cache_write_price_per_m, updated_at FROM price_overrides ORDER BY model ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []autorouter.PriceOverride
	for rows.Next() {
		o, err := scanPriceOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// DeletePriceOverride removes a manual override.
func (s *Store) DeletePriceOverride(ctx context.Context, model string) error {
	result, err := s.wdb.ExecContext(ctx, `DELETE FROM price_overrides WHERE model = ?`, model)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "price override")
}

const selectModelPrice = `SELECT model, source, input_price_per_m, output_price_per_m,
 cache_read_price_per_m, cache_write_price_per_m, is_active, synced_at
 FROM model_prices`

func scanModelPrice(s scanner) (*autorouter.ModelPrice, error) {
	var p autorouter.ModelPrice
	var source string
	var cacheRead, cacheWrite sql.NullFloat64
	var syncedAt sql.NullString
	var active int

	err := s.Scan(&p.Model, &source, &p.InputPerM, &p.OutputPerM,
		&cacheRead, &cacheWrite, &active, &syncedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	p.Source = autorouter.PriceSource(source)
	p.CacheReadPerM = floatPtr(cacheRead)
	p.CacheWritePerM = floatPtr(cacheWrite)
	p.IsActive = active != 0
	if t := parseTime(syncedAt); t != nil {
		p.SyncedAt = *t
	}
	return &p, nil
}

func scanPriceOverride(s scanner) (*autorouter.PriceOverride, error) {
	var o autorouter.PriceOverride
	var cacheRead, cacheWrite sql.NullFloat64
	var updatedAt sql.NullString

	err := s.Scan(&o.Model, &o.InputPerM, &o.OutputPerM, &cacheRead, &cacheWrite, &updatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	o.CacheReadPerM = floatPtr(cacheRead)
	o.CacheWritePerM = floatPtr(cacheWrite)
	if t := parseTime(updatedAt); t != nil {
		o.UpdatedAt = *t
	}
	return &o, nil
}
