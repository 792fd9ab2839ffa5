package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is a KV stored in a local SQLite file, for running the service
// without Redis.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection so the pragmas apply to every statement.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) nowUnix() int64 {
	return s.now().UnixMilli()
}

// purge removes key if its TTL has passed.
func (s *SQLite) purge(ctx context.Context, tx *sql.Tx, key string) error {
	var expires sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT expires_at FROM kv_keys WHERE key = ?`, key).Scan(&expires)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if expires.Valid && expires.Int64 <= s.nowUnix() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_fields WHERE key = ?`, key); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv_keys WHERE key = ?`, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) SetHash(ctx context.Context, key string, fields map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.purge(ctx, tx, key); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO kv_keys (key) VALUES (?)`, key); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	for f, v := range fields {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv_fields (key, field, value) VALUES (?, ?, ?)
			 ON CONFLICT(key, field) DO UPDATE SET value = excluded.value`, key, f, v); err != nil {
			return fmt.Errorf("set %s.%s: %w", key, f, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) GetHash(ctx context.Context, key string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.field, f.value FROM kv_fields f
		 JOIN kv_keys k ON k.key = f.key
		 WHERE f.key = ? AND (k.expires_at IS NULL OR k.expires_at > ?)`, key, s.nowUnix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var f, v string
		if err := rows.Scan(&f, &v); err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		out[f] = v
	}
	return out, rows.Err()
}

func (s *SQLite) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `UPDATE kv_keys SET expires_at = ? WHERE key = ?`,
		s.now().Add(ttl).UnixMilli(), key)
	return err
}

func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_keys WHERE key LIKE ? ESCAPE '\' AND (expires_at IS NULL OR expires_at > ?)`,
		escaped+"%", s.nowUnix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, rows.Err()
}

// Vacuum deletes every expired key.
func (s *SQLite) Vacuum(ctx context.Context) error {
	now := s.nowUnix()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_fields WHERE key IN (SELECT key FROM kv_keys WHERE expires_at IS NOT NULL AND expires_at <= ?)`, now); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_keys WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	return err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
