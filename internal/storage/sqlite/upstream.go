package sqlite

import (
	"context"
	"database/sql"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
)

// CreateUpstream inserts a new upstream.
func (s *Store) CreateUpstream(ctx context.Context, u *autorouter.Upstream) error {
	caps, err := marshalJSON(u.RouteCapabilities)
	if err != nil {
		return err
	}
	models, err := marshalJSON(u.AllowedModels)
	if err != nil {
		return err
	}
	redirects, err := marshalJSON(u.ModelRedirects)
	if err != nil {
		return err
	}
	affinity, err := marshalJSON(u.Affinity)
	if err != nil {
		return err
	}
	excluded, err := marshalJSON(u.ExcludeStatusCodes)
	if err != nil {
		return err
	}
	breaker, err := marshalJSON(u.Breaker)
	if err != nil {
		return err
	}
	_, err = s.wdb.ExecContext(ctx,
		`INSERT INTO upstreams (id, name, base_url, credential_enc, is_active,
		 priority, weight, timeout_seconds, route_capabilities, allowed_models,
		 model_redirects, affinity_config, billing_input_multiplier,
		 billing_output_multiplier, spending_limit, spending_period_type,
		 spending_period_hours, exclude_status_codes, breaker_config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.BaseURL, nullStr(u.CredentialEnc), boolToInt(u.IsActive),
		u.Priority, u.Weight, u.Timeout, caps, models,
		redirects, affinity, u.BillingInputMultiplier,
		u.BillingOutputMultiplier, nullFloat(u.SpendingLimit), nullStr(string(u.SpendingPeriodType)),
		u.SpendingPeriodHours, excluded, breaker,
		u.CreatedAt.UTC().Format(time.RFC3339),
	)
	return conflictErr(err)
}

// GetUpstream retrieves an upstream by ID.
func (s *Store) GetUpstream(ctx context.Context, id string) (*autorouter.Upstream, error) {
	row := s.rdb.QueryRowContext(ctx, selectUpstream+` WHERE id = ?`, id)
	return scanUpstream(row)
}

// GetUpstreamByName retrieves an upstream by its unique name.
func (s *Store) GetUpstreamByName(ctx context.Context, name string) (*autorouter.Upstream, error) {
	row := s.rdb.QueryRowContext(ctx, selectUpstream+` WHERE name = ?`, name)
	return scanUpstream(row)
}

// ListUpstreams returns all upstreams ordered by priority then name.
func (s *Store) ListUpstreams(ctx context.Context) ([]*autorouter.Upstream, error) {
	rows, err := s.rdb.QueryContext(ctx, selectUpstream+` ORDER BY priority ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*autorouter.Upstream
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpdateUpstream replaces every mutable field of an upstream.
func (s *Store) UpdateUpstream(ctx context.Context, u *autorouter.Upstream) error {
	caps, err := marshalJSON(u.RouteCapabilities)
	if err != nil {
		return err
	}
	models, err := marshalJSON(u.AllowedModels)
	if err != nil {
		return err
	}
	redirects, err := marshalJSON(u.ModelRedirects)
	if err != nil {
		return err
	}
	affinity, err := marshalJSON(u.Affinity)
	if err != nil {
		return err
	}
	excluded, err := marshalJSON(u.ExcludeStatusCodes)
	if err != nil {
		return err
	}
	breaker, err := marshalJSON(u.Breaker)
	if err != nil {
		return err
	}
	result, err := s.wdb.ExecContext(ctx,
		`UPDATE upstreams SET name=?, base_url=?, credential_enc=?, is_active=?,
		 priority=?, weight=?, timeout_seconds=?, route_capabilities=?, allowed_models=?,
		 model_redirects=?, affinity_config=?, billing_input_multiplier=?,
		 billing_output_multiplier=?, spending_limit=?, spending_period_type=?,
		 spending_period_hours=?, exclude_status_codes=?, breaker_config=?
		 WHERE id=?`,
		u.Name, u.BaseURL, nullStr(u.CredentialEnc), boolToInt(u.IsActive),
		u.Priority, u.Weight, u.Timeout, caps, models,
		redirects, affinity, u.BillingInputMultiplier,
		u.BillingOutputMultiplier, nullFloat(u.SpendingLimit), nullStr(string(u.SpendingPeriodType)),
		u.SpendingPeriodHours, excluded, breaker, u.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream")
}

// DeleteUpstream removes an upstream. Key bindings and breaker state cascade.
func (s *Store) DeleteUpstream(ctx context.Context, id string) error {
	result, err := s.wdb.ExecContext(ctx, `DELETE FROM upstreams WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "upstream")
}

const selectUpstream = `SELECT id, name, base_url, credential_enc, is_active,
 priority, weight, timeout_seconds, route_capabilities, allowed_models,
 model_redirects, affinity_config, billing_input_multiplier,
 billing_output_multiplier, spending_limit, spending_period_type,
 spending_period_hours, exclude_status_codes, breaker_config, created_at
 FROM upstreams`

func scanUpstream(s scanner) (*autorouter.Upstream, error) {
	var u autorouter.Upstream
	var credentialEnc, caps, models, redirects, affinity, excluded, breaker sql.NullString
	var periodType, createdAt sql.NullString
	var spendLimit sql.NullFloat64
	var active int

	err := s.Scan(
		&u.ID, &u.Name, &u.BaseURL, &credentialEnc, &active,
		&u.Priority, &u.Weight, &u.Timeout, &caps, &models,
		&redirects, &affinity, &u.BillingInputMultiplier,
		&u.BillingOutputMultiplier, &spendLimit, &periodType,
		&u.SpendingPeriodHours, &excluded, &breaker, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	u.IsActive = active != 0
	u.CredentialEnc = credentialEnc.String
	u.SpendingLimit = floatPtr(spendLimit)
	u.SpendingPeriodType = autorouter.SpendingPeriod(periodType.String)
	if err := unmarshalInto(caps, &u.RouteCapabilities); err != nil {
		return nil, err
	}
	if err := unmarshalInto(models, &u.AllowedModels); err != nil {
		return nil, err
	}
	if err := unmarshalInto(redirects, &u.ModelRedirects); err != nil {
		return nil, err
	}
	if err := unmarshalInto(affinity, &u.Affinity); err != nil {
		return nil, err
	}
	if err := unmarshalInto(excluded, &u.ExcludeStatusCodes); err != nil {
		return nil, err
	}
	if err := unmarshalInto(breaker, &u.Breaker); err != nil {
		return nil, err
	}
	if t := parseTime(createdAt); t != nil {
		u.CreatedAt = *t
	}
	return &u, nil
}
