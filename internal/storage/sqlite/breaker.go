package sqlite

import (
	"context"
	"database/sql"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
)

// SaveBreakerState upserts the breaker state tuple for an upstream.
func (s *Store) SaveBreakerState(ctx context.Context, st *autorouter.BreakerState) error {
	cfg, err := marshalJSON(st.Config)
	if err != nil {
		return err
	}
	_, err = s.wdb.ExecContext(ctx,
		`INSERT INTO circuit_breaker_states (upstream_id, state, failure_count,
		 success_count, last_failure_at, opened_at, last_probe_at, config, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(upstream_id) DO UPDATE SET
		 state=excluded.state, failure_count=excluded.failure_count,
		 success_count=excluded.success_count, last_failure_at=excluded.last_failure_at,
		 opened_at=excluded.opened_at, last_probe_at=excluded.last_probe_at,
		 config=excluded.config, updated_at=excluded.updated_at`,
		st.UpstreamID, string(st.State), st.FailureCount,
		st.SuccessCount, timeToStr(st.LastFailureAt), timeToStr(st.OpenedAt),
		timeToStr(st.LastProbeAt), cfg, st.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetBreakerState retrieves the breaker state for one upstream.
func (s *Store) GetBreakerState(ctx context.Context, upstreamID string) (*autorouter.BreakerState, error) {
	row := s.rdb.QueryRowContext(ctx, selectBreakerState+` WHERE upstream_id = ?`, upstreamID)
	return scanBreakerState(row)
}

// ListBreakerStates returns all persisted breaker tuples.
func (s *Store) ListBreakerStates(ctx context.Context) ([]*autorouter.BreakerState, error) {
	rows, err := s.rdb.QueryContext(ctx, selectBreakerState)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*autorouter.BreakerState
	for rows.Next() {
		st, err := scanBreakerState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

const selectBreakerState = `SELECT upstream_id, state, failure_count, success_count,
 last_failure_at, opened_at, last_probe_at, config, updated_at
 FROM circuit_breaker_states`

func scanBreakerState(s scanner) (*autorouter.BreakerState, error) {
	var st autorouter.BreakerState
	var state string
	var lastFailure, opened, lastProbe, updated, cfg sql.NullString

	err := s.Scan(
		&st.UpstreamID, &state, &st.FailureCount, &st.SuccessCount,
		&lastFailure, &opened, &lastProbe, &cfg, &updated,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	st.State = autorouter.CircuitState(state)
	st.LastFailureAt = parseTime(lastFailure)
	st.OpenedAt = parseTime(opened)
	st.LastProbeAt = parseTime(lastProbe)
	if err := unmarshalInto(cfg, &st.Config); err != nil {
		return nil, err
	}
	if t := parseTime(updated); t != nil {
		st.UpdatedAt = *t
	}
	return &st, nil
}
