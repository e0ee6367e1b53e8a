package sqlite

import (
	"context"
	"database/sql"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/quota"
)

// UpsertBillingSnapshot writes the cost record for one request. Keyed on
// request_log_id so re-delivery of the same billing event is a no-op rewrite
// of identical values.
func (s *Store) UpsertBillingSnapshot(ctx context.Context, snap *autorouter.BillingSnapshot) error {
	usage, err := marshalJSON(snap.Usage)
	if err != nil {
		return err
	}
	_, err = s.wdb.ExecContext(ctx,
		`INSERT INTO request_billing_snapshots (request_log_id, api_key_id, upstream_id,
		 model, billing_status, unbillable_reason, price_source,
		 input_price_per_m, output_price_per_m, cache_read_price_per_m, cache_write_price_per_m,
		 input_multiplier, output_multiplier, usage, final_cost, currency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_log_id) DO UPDATE SET
		 billing_status=excluded.billing_status, unbillable_reason=excluded.unbillable_reason,
		 price_source=excluded.price_source,
		 input_price_per_m=excluded.input_price_per_m, output_price_per_m=excluded.output_price_per_m,
		 cache_read_price_per_m=excluded.cache_read_price_per_m,
		 cache_write_price_per_m=excluded.cache_write_price_per_m,
		 input_multiplier=excluded.input_multiplier, output_multiplier=excluded.output_multiplier,
		 usage=excluded.usage, final_cost=excluded.final_cost`,
		snap.RequestLogID, snap.APIKeyID, nullStr(snap.UpstreamID),
		nullStr(snap.Model), string(snap.Status), nullStr(string(snap.UnbillableReason)),
		nullStr(string(snap.PriceSource)),
		snap.InputPerM, snap.OutputPerM, snap.CacheReadPerM, snap.CacheWritePerM,
		snap.InputMultiplier, snap.OutputMultiplier, usage, snap.FinalCost,
		snap.Currency, snap.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetBillingSnapshot retrieves the snapshot for a request log.
func (s *Store) GetBillingSnapshot(ctx context.Context, requestLogID string) (*autorouter.BillingSnapshot, error) {
	row := s.rdb.QueryRowContext(ctx,
		`SELECT request_log_id, api_key_id, upstream_id, model, billing_status,
		 unbillable_reason, price_source, input_price_per_m, output_price_per_m,
		 cache_read_price_per_m, cache_write_price_per_m, input_multiplier,
		 output_multiplier, usage, final_cost, currency, created_at
		 FROM request_billing_snapshots WHERE request_log_id = ?`, requestLogID)

	var snap autorouter.BillingSnapshot
	var upstreamID, model, reason, source, createdAt sql.NullString
	var usage sql.NullString
	var status string

	err := row.Scan(
		&snap.RequestLogID, &snap.APIKeyID, &upstreamID, &model, &status,
		&reason, &source, &snap.InputPerM, &snap.OutputPerM,
		&snap.CacheReadPerM, &snap.CacheWritePerM, &snap.InputMultiplier,
		&snap.OutputMultiplier, &usage, &snap.FinalCost, &snap.Currency, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	snap.UpstreamID = upstreamID.String
	snap.Model = model.String
	snap.Status = autorouter.BillingStatus(status)
	snap.UnbillableReason = autorouter.UnbillableReason(reason.String)
	snap.PriceSource = autorouter.PriceSource(source.String)
	if err := unmarshalInto(usage, &snap.Usage); err != nil {
		return nil, err
	}
	if t := parseTime(createdAt); t != nil {
		snap.CreatedAt = *t
	}
	return &snap, nil
}

// SumBilledCost returns the total billed cost for an upstream since a cutoff.
func (s *Store) SumBilledCost(ctx context.Context, upstreamID string, since time.Time) (float64, error) {
	var total float64
	err := s.rdb.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(final_cost), 0) FROM request_billing_snapshots
		 WHERE upstream_id = ? AND billing_status = 'billed' AND created_at >= ?`,
		upstreamID, since.UTC().Format(time.RFC3339),
	).Scan(&total)
	return total, err
}

// ListBilledCosts returns individual billed cost events for an upstream since
// a cutoff, oldest first. Used to rebuild rolling quota windows at startup.
func (s *Store) ListBilledCosts(ctx context.Context, upstreamID string, since time.Time) ([]quota.CostEvent, error) {
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT created_at, final_cost FROM request_billing_snapshots
		 WHERE upstream_id = ? AND billing_status = 'billed' AND created_at >= ?
		 ORDER BY created_at ASC`,
		upstreamID, since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.CostEvent
	for rows.Next() {
		var createdAt string
		var cost float64
		if err := rows.Scan(&createdAt, &cost); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			continue
		}
		out = append(out, quota.CostEvent{At: t, Cost: cost})
	}
	return out, rows.Err()
}
