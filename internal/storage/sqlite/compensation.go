package sqlite

import (
	"context"
	"database/sql"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
)

// CreateCompensationRule inserts a user-defined rule.
func (s *Store) CreateCompensationRule(ctx context.Context, r *autorouter.CompensationRule) error {
	caps, err := marshalJSON(r.Capabilities)
	if err != nil {
		return err
	}
	sources, err := marshalJSON(r.Sources)
	if err != nil {
		return err
	}
	_, err = s.wdb.ExecContext(ctx,
		`INSERT INTO compensation_rules (id, name, capabilities, target_header,
		 sources, mode, is_builtin, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, caps, r.TargetHeader,
		sources, string(r.Mode), boolToInt(r.IsBuiltin), boolToInt(r.Enabled),
		r.CreatedAt.UTC().Format(time.RFC3339),
	)
	return conflictErr(err)
}

// GetCompensationRule retrieves a rule by ID.
func (s *Store) GetCompensationRule(ctx context.Context, id string) (*autorouter.CompensationRule, error) {
	row := s.rdb.QueryRowContext(ctx, selectCompensationRule+` WHERE id = ?`, id)
	return scanCompensationRule(row)
}

// ListCompensationRules returns all rules, built-ins first.
func (s *Store) ListCompensationRules(ctx context.Context) ([]*autorouter.CompensationRule, error) {
	return s.queryCompensationRules(ctx,
		selectCompensationRule+` ORDER BY is_builtin DESC, name ASC`)
}

// ListEnabledCompensationRules returns only enabled rules.
func (s *Store) ListEnabledCompensationRules(ctx context.Context) ([]*autorouter.CompensationRule, error) {
	return s.queryCompensationRules(ctx,
		selectCompensationRule+` WHERE enabled = 1 ORDER BY is_builtin DESC, name ASC`)
}

// UpdateCompensationRule updates an existing rule. Built-in guard rails are
// enforced at the service layer, not here.
func (s *Store) UpdateCompensationRule(ctx context.Context, r *autorouter.CompensationRule) error {
	caps, err := marshalJSON(r.Capabilities)
	if err != nil {
		return err
	}
	sources, err := marshalJSON(r.Sources)
	if err != nil {
		return err
	}
	result, err := s.wdb.ExecContext(ctx,
		`UPDATE compensation_rules SET name=?, capabilities=?, target_header=?,
		 sources=?, mode=?, enabled=? WHERE id=?`,
		r.Name, caps, r.TargetHeader, sources, string(r.Mode), boolToInt(r.Enabled), r.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "compensation rule")
}

// DeleteCompensationRule removes a rule.
func (s *Store) DeleteCompensationRule(ctx context.Context, id string) error {
	result, err := s.wdb.ExecContext(ctx, `DELETE FROM compensation_rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "compensation rule")
}

func (s *Store) queryCompensationRules(ctx context.Context, query string) ([]*autorouter.CompensationRule, error) {
	rows, err := s.rdb.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*autorouter.CompensationRule
	for rows.Next() {
		r, err := scanCompensationRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const selectCompensationRule = `SELECT id, name, capabilities, target_header,
 sources, mode, is_builtin, enabled, created_at FROM compensation_rules`

func scanCompensationRule(s scanner) (*autorouter.CompensationRule, error) {
	var r autorouter.CompensationRule
	var caps, sources, createdAt sql.NullString
	var mode string
	var builtin, enabled int

	err := s.Scan(&r.ID, &r.Name, &caps, &r.TargetHeader,
		&sources, &mode, &builtin, &enabled, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	r.Mode = autorouter.CompensationMode(mode)
	r.IsBuiltin = builtin != 0
	r.Enabled = enabled != 0
	if err := unmarshalInto(caps, &r.Capabilities); err != nil {
		return nil, err
	}
	if err := unmarshalInto(sources, &r.Sources); err != nil {
		return nil, err
	}
	if t := parseTime(createdAt); t != nil {
		r.CreatedAt = *t
	}
	return &r, nil
}
