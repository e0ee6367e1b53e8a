// Package sqlite persists the router's control plane: upstreams, API keys,
// breaker rows, request logs, and billing snapshots. It uses the pure-Go
// modernc.org/sqlite driver, so builds stay CGO-free.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements storage.Store on a SQLite file.
//
// Writes go through wdb, capped at one connection: SQLite allows a single
// writer, and funneling through one conn turns SQLITE_BUSY churn into plain
// queueing. Reads fan out over rdb under WAL, so the admin API and stats
// reducers never sit behind the billing recorder's inserts.
type Store struct {
	wdb *sql.DB
	rdb *sql.DB
}

// New opens (creating if needed) the database at dsn, applies pending
// migrations, and returns the store. Pass ":memory:" for an ephemeral store.
func New(dsn string) (*Store, error) {
	// busy_timeout covers the window where a reader upgrades to a write tx;
	// synchronous=NORMAL is safe under WAL and halves fsync traffic.
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	fullDSN := "file:" + dsn + "?" + pragmas
	if dsn == ":memory:" {
		// Both pools must see one shared in-memory database, not two.
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	}

	wdb, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	wdb.SetMaxOpenConns(1)

	rdb, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		wdb.Close()
		return nil, fmt.Errorf("open reader pool: %w", err)
	}
	rdb.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := migrate(wdb); err != nil {
		wdb.Close()
		rdb.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &Store{wdb: wdb, rdb: rdb}, nil
}

// migrate applies the embedded goose migrations on the writer connection.
func migrate(db *sql.DB) error {
	// fs.Sub strips the "migrations/" prefix so goose sees files at the root.
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// Ping reports whether the reader pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.PingContext(ctx)
}

// Close closes both pools.
func (s *Store) Close() error {
	return errors.Join(s.wdb.Close(), s.rdb.Close())
}
