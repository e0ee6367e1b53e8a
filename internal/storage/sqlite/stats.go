package sqlite

import (
	"context"
	"time"

	"github.com/g1331/autorouter/internal/storage"
)

// StatsOverview aggregates request logs and billing snapshots since a cutoff.
func (s *Store) StatsOverview(ctx context.Context, since time.Time) (*storage.OverviewStats, error) {
	cutoff := since.UTC().Format(time.RFC3339)
	var o storage.OverviewStats

	err := s.rdb.QueryRowContext(ctx,
		`SELECT COUNT(*),
		 COALESCE(SUM(CASE WHEN status_code >= 500 OR status_code = 0 THEN 1 ELSE 0 END), 0),
		 COALESCE(SUM(prompt_tokens), 0),
		 COALESCE(SUM(completion_tokens), 0),
		 COALESCE(AVG(duration_ms), 0),
		 COALESCE(SUM(is_stream), 0)
		 FROM request_logs WHERE created_at >= ?`, cutoff,
	).Scan(&o.Requests, &o.Errors, &o.PromptTokens, &o.OutputTokens,
		&o.AvgDurationMs, &o.StreamedCount)
	if err != nil {
		return nil, err
	}

	err = s.rdb.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(final_cost), 0) FROM request_billing_snapshots
		 WHERE billing_status = 'billed' AND created_at >= ?`, cutoff,
	).Scan(&o.TotalCost)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// StatsTimeseries buckets requests by hour or day since a cutoff.
// Timestamps are stored RFC3339, so substr gives the bucket key directly.
func (s *Store) StatsTimeseries(ctx context.Context, since time.Time, byHour bool) ([]storage.TimeseriesPoint, error) {
	bucketLen := 10 // "2006-01-02"
	if byHour {
		bucketLen = 13 // "2006-01-02T15"
	}
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT substr(l.created_at, 1, ?) AS bucket,
		 COUNT(*),
		 COALESCE(SUM(b.final_cost), 0),
		 COALESCE(SUM(l.prompt_tokens + l.completion_tokens), 0)
		 FROM request_logs l
		 LEFT JOIN request_billing_snapshots b
		   ON b.request_log_id = l.id AND b.billing_status = 'billed'
		 WHERE l.created_at >= ?
		 GROUP BY bucket ORDER BY bucket ASC`,
		bucketLen, since.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.TimeseriesPoint
	for rows.Next() {
		var p storage.TimeseriesPoint
		if err := rows.Scan(&p.Bucket, &p.Requests, &p.Cost, &p.Tokens); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// StatsLeaderboard ranks models by billed spend since a cutoff.
func (s *Store) StatsLeaderboard(ctx context.Context, since time.Time, limit int) ([]storage.LeaderboardRow, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT l.model, COUNT(*),
		 COALESCE(SUM(b.final_cost), 0),
		 COALESCE(SUM(l.prompt_tokens + l.completion_tokens), 0)
		 FROM request_logs l
		 LEFT JOIN request_billing_snapshots b
		   ON b.request_log_id = l.id AND b.billing_status = 'billed'
		 WHERE l.created_at >= ? AND l.model IS NOT NULL
		 GROUP BY l.model ORDER BY SUM(COALESCE(b.final_cost, 0)) DESC, COUNT(*) DESC
		 LIMIT ?`,
		since.UTC().Format(time.RFC3339), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.LeaderboardRow
	for rows.Next() {
		var r storage.LeaderboardRow
		if err := rows.Scan(&r.Model, &r.Requests, &r.Cost, &r.Tokens); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
