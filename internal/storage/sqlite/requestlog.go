package sqlite

import (
	"context"
	"database/sql"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
	"github.com/g1331/autorouter/internal/storage"
)

// InsertRequestLogs writes a batch of request logs in one transaction.
func (s *Store) InsertRequestLogs(ctx context.Context, logs []autorouter.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.wdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO request_logs (id, api_key_id, upstream_id, method, path, model,
		 capability, status_code, duration_ms, ttft_ms, is_stream, routing_type,
		 lb_strategy, priority_tier, failover_attempts, failover_history, header_diff,
		 session_key, affinity_migrated, prompt_tokens, completion_tokens,
		 cache_read_tokens, cache_write_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range logs {
		l := &logs[i]
		history, err := marshalJSON(l.FailoverHistory)
		if err != nil {
			return err
		}
		diff, err := marshalJSON(l.HeaderDiff)
		if err != nil {
			return err
		}
		var ttft sql.NullInt64
		if l.TTFTMs != nil {
			ttft = sql.NullInt64{Int64: *l.TTFTMs, Valid: true}
		}
		_, err = stmt.ExecContext(ctx,
			l.ID, l.APIKeyID, nullStr(l.UpstreamID), l.Method, l.Path, nullStr(l.Model),
			string(l.Capability), l.StatusCode, l.DurationMs, ttft, boolToInt(l.IsStream),
			l.RoutingType, l.LBStrategy, l.PriorityTier, l.FailoverAttempts, history, diff,
			nullStr(l.SessionKey), boolToInt(l.AffinityMigrated),
			l.Usage.PromptTokens, l.Usage.CompletionTokens,
			l.Usage.CacheReadTokens, l.Usage.CacheWriteTokens,
			l.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetRequestLog retrieves one request log by ID.
func (s *Store) GetRequestLog(ctx context.Context, id string) (*autorouter.RequestLog, error) {
	row := s.rdb.QueryRowContext(ctx, selectRequestLog+` WHERE id = ?`, id)
	return scanRequestLog(row)
}

// ListRequestLogs returns logs matching the filter, newest first.
func (s *Store) ListRequestLogs(ctx context.Context, f storage.RequestLogFilter) ([]autorouter.RequestLog, error) {
	where, args := requestLogWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.rdb.QueryContext(ctx,
		selectRequestLog+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []autorouter.RequestLog
	for rows.Next() {
		l, err := scanRequestLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// CountRequestLogs returns the number of logs matching the filter.
func (s *Store) CountRequestLogs(ctx context.Context, f storage.RequestLogFilter) (int, error) {
	where, args := requestLogWhere(f)
	var n int
	err := s.rdb.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_logs`+where, args...).Scan(&n)
	return n, err
}

func requestLogWhere(f storage.RequestLogFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any
	if f.APIKeyID != "" {
		where += ` AND api_key_id = ?`
		args = append(args, f.APIKeyID)
	}
	if f.UpstreamID != "" {
		where += ` AND upstream_id = ?`
		args = append(args, f.UpstreamID)
	}
	if f.RoutingType != "" {
		where += ` AND routing_type = ?`
		args = append(args, f.RoutingType)
	}
	if f.Since != "" {
		where += ` AND created_at >= ?`
		args = append(args, f.Since)
	}
	if f.Until != "" {
		where += ` AND created_at < ?`
		args = append(args, f.Until)
	}
	return where, args
}

const selectRequestLog = `SELECT id, api_key_id, upstream_id, method, path, model,
 capability, status_code, duration_ms, ttft_ms, is_stream, routing_type,
 lb_strategy, priority_tier, failover_attempts, failover_history, header_diff,
 session_key, affinity_migrated, prompt_tokens, completion_tokens,
 cache_read_tokens, cache_write_tokens, created_at
 FROM request_logs`

func scanRequestLog(s scanner) (*autorouter.RequestLog, error) {
	var l autorouter.RequestLog
	var upstreamID, model, sessionKey, createdAt sql.NullString
	var history, diff sql.NullString
	var ttft sql.NullInt64
	var isStream, migrated int

	err := s.Scan(
		&l.ID, &l.APIKeyID, &upstreamID, &l.Method, &l.Path, &model,
		&l.Capability, &l.StatusCode, &l.DurationMs, &ttft, &isStream, &l.RoutingType,
		&l.LBStrategy, &l.PriorityTier, &l.FailoverAttempts, &history, &diff,
		&sessionKey, &migrated, &l.Usage.PromptTokens, &l.Usage.CompletionTokens,
		&l.Usage.CacheReadTokens, &l.Usage.CacheWriteTokens, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	l.UpstreamID = upstreamID.String
	l.Model = model.String
	l.SessionKey = sessionKey.String
	l.IsStream = isStream != 0
	l.AffinityMigrated = migrated != 0
	if ttft.Valid {
		v := ttft.Int64
		l.TTFTMs = &v
	}
	if err := unmarshalInto(history, &l.FailoverHistory); err != nil {
		return nil, err
	}
	if err := unmarshalInto(diff, &l.HeaderDiff); err != nil {
		return nil, err
	}
	if t := parseTime(createdAt); t != nil {
		l.CreatedAt = *t
	}
	return &l, nil
}
