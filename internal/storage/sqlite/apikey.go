package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	autorouter "github.com/g1331/autorouter/internal"
)

// CreateKey inserts a new API key and its upstream bindings.
func (s *Store) CreateKey(ctx context.Context, key *autorouter.APIKey) error {
	tx, err := s.wdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO api_keys (id, key_hash, key_prefix, plaintext_enc, name,
		 is_active, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.KeyHash, key.KeyPrefix, nullStr(key.PlaintextEnc), key.Name,
		boolToInt(key.IsActive), timeToStr(key.ExpiresAt),
		key.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return conflictErr(err)
	}
	if err := replaceKeyBindings(ctx, tx, key.ID, key.UpstreamIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// GetKey retrieves an API key by its ID.
func (s *Store) GetKey(ctx context.Context, id string) (*autorouter.APIKey, error) {
	row := s.rdb.QueryRowContext(ctx, selectKey+` WHERE id = ?`, id)
	k, err := scanKey(row)
	if err != nil {
		return nil, err
	}
	return s.loadKeyBindings(ctx, k)
}

// GetKeyByHash retrieves an API key by its salted SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*autorouter.APIKey, error) {
	row := s.rdb.QueryRowContext(ctx, selectKey+` WHERE key_hash = ?`, hash)
	k, err := scanKey(row)
	if err != nil {
		return nil, err
	}
	return s.loadKeyBindings(ctx, k)
}

// ListKeys returns API keys ordered by creation time, newest first.
func (s *Store) ListKeys(ctx context.Context, offset, limit int) ([]*autorouter.APIKey, error) {
	rows, err := s.rdb.QueryContext(ctx,
		selectKey+` ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*autorouter.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if _, err := s.loadKeyBindings(ctx, k); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// CountKeys returns the total number of API keys.
func (s *Store) CountKeys(ctx context.Context) (int, error) {
	var n int
	err := s.rdb.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&n)
	return n, err
}

// UpdateKey updates an existing API key and replaces its bindings.
// Hash, prefix, and plaintext are immutable after creation.
func (s *Store) UpdateKey(ctx context.Context, key *autorouter.APIKey) error {
	tx, err := s.wdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE api_keys SET name=?, is_active=?, expires_at=? WHERE id=?`,
		key.Name, boolToInt(key.IsActive), timeToStr(key.ExpiresAt), key.ID,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(result, "api key"); err != nil {
		return err
	}
	if err := replaceKeyBindings(ctx, tx, key.ID, key.UpstreamIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteKey removes an API key. Bindings cascade.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.wdb.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.wdb.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=? WHERE id=?`,
		time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

const selectKey = `SELECT id, key_hash, key_prefix, plaintext_enc, name,
 is_active, expires_at, last_used_at, created_at FROM api_keys`

func scanKey(s scanner) (*autorouter.APIKey, error) {
	var k autorouter.APIKey
	var plaintextEnc sql.NullString
	var expiresAt, lastUsedAt, createdAt sql.NullString
	var active int

	err := s.Scan(
		&k.ID, &k.KeyHash, &k.KeyPrefix, &plaintextEnc, &k.Name,
		&active, &expiresAt, &lastUsedAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.IsActive = active != 0
	k.PlaintextEnc = plaintextEnc.String
	k.ExpiresAt = parseTime(expiresAt)
	k.LastUsedAt = parseTime(lastUsedAt)
	if t := parseTime(createdAt); t != nil {
		k.CreatedAt = *t
	}
	return &k, nil
}

func (s *Store) loadKeyBindings(ctx context.Context, k *autorouter.APIKey) (*autorouter.APIKey, error) {
	rows, err := s.rdb.QueryContext(ctx,
		`SELECT upstream_id FROM api_key_upstreams WHERE api_key_id = ? ORDER BY upstream_id`, k.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	k.UpstreamIDs = nil
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		k.UpstreamIDs = append(k.UpstreamIDs, id)
	}
	return k, rows.Err()
}

func replaceKeyBindings(ctx context.Context, tx *sql.Tx, keyID string, upstreamIDs []string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM api_key_upstreams WHERE api_key_id = ?`, keyID); err != nil {
		return err
	}
	for _, uid := range upstreamIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO api_key_upstreams (api_key_id, upstream_id) VALUES (?, ?)`,
			keyID, uid); err != nil {
			return fmt.Errorf("bind upstream %s: %w", uid, err)
		}
	}
	return nil
}
