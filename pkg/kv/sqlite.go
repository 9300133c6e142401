package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore backs the shared store with a WAL-mode SQLite file so multiple
// gateway instances on one host share counters. Atomicity of Incr is
// delegated to the database; the gateway holds no locks of its own.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create kv dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=1000",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	const schema = `
CREATE TABLE IF NOT EXISTS kv (
	k          TEXT PRIMARY KEY,
	num        INTEGER NOT NULL DEFAULT 0,
	str        TEXT NOT NULL DEFAULT '',
	expires_at INTEGER NOT NULL DEFAULT 0
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create kv schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Incr(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	nowMS := s.now().UnixMilli()
	expMS := int64(0)
	if ttl > 0 {
		expMS = nowMS + ttl.Milliseconds()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin incr: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cur int64
	var exp int64
	err = tx.QueryRowContext(ctx, `SELECT num, expires_at FROM kv WHERE k = ?`, key).Scan(&cur, &exp)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		cur = delta
		_, err = tx.ExecContext(ctx,
			`INSERT INTO kv (k, num, expires_at) VALUES (?, ?, ?)`, key, cur, expMS)
	case err != nil:
		return 0, fmt.Errorf("read counter: %w", err)
	case exp > 0 && exp <= nowMS:
		// Expired counter: restart it, re-arming the ttl.
		cur = delta
		_, err = tx.ExecContext(ctx,
			`UPDATE kv SET num = ?, expires_at = ? WHERE k = ?`, cur, expMS, key)
	default:
		cur += delta
		_, err = tx.ExecContext(ctx, `UPDATE kv SET num = ? WHERE k = ?`, cur, key)
	}
	if err != nil {
		return 0, fmt.Errorf("write counter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit incr: %w", err)
	}
	return cur, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	expMS := int64(0)
	if ttl > 0 {
		expMS = s.now().UnixMilli() + ttl.Milliseconds()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (k, str, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(k) DO UPDATE SET str = excluded.str, expires_at = excluded.expires_at`,
		key, value, expMS)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	var exp int64
	err := s.db.QueryRowContext(ctx, `SELECT str, expires_at FROM kv WHERE k = ?`, key).Scan(&val, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get: %w", err)
	}
	if exp > 0 && exp <= s.now().UnixMilli() {
		return "", false, nil
	}
	return val, true, nil
}
