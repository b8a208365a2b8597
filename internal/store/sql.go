package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLConfig holds connection settings for the SQL-backed store. Driver is
// "postgres" in deployments and "sqlite3" for local development; the schema
// and queries are shared.
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// SQLStore implements Store on top of a relational database through sqlx.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS kv_records (
    key        TEXT PRIMARY KEY,
    value      BYTEA,
    version    BIGINT NOT NULL DEFAULT 1,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_records (
    key        TEXT PRIMARY KEY,
    value      BLOB,
    version    INTEGER NOT NULL DEFAULT 1,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// NewSQLStore opens the database, configures the pool and ensures the
// schema exists.
func NewSQLStore(cfg SQLConfig, logger *zap.Logger) (*SQLStore, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	schema := sqlSchema
	if cfg.Driver == "sqlite3" {
		schema = sqliteSchema
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	logger.Info("Store initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("max_connections", cfg.MaxConnections),
	)
	return &SQLStore{db: db, logger: logger}, nil
}

// NewSQLStoreFromDB wraps an existing connection. Used by tests.
func NewSQLStoreFromDB(db *sql.DB, driver string, logger *zap.Logger) *SQLStore {
	return &SQLStore{db: sqlx.NewDb(db, driver), logger: logger}
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte) error {
	q := s.db.Rebind(`
		INSERT INTO kv_records (key, value, version, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value,
			version = kv_records.version + 1, updated_at = excluded.updated_at`)
	_, err := s.db.ExecContext(ctx, q, key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) PutMulti(ctx context.Context, entries map[string][]byte) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	q := s.db.Rebind(`
		INSERT INTO kv_records (key, value, version, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value,
			version = kv_records.version + 1, updated_at = excluded.updated_at`)
	now := time.Now().UTC()
	for key, value := range entries {
		if _, err := tx.ExecContext(ctx, q, key, value, now); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
			}
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (Record, error) {
	var rec Record
	q := s.db.Rebind(`SELECT key, value, version FROM kv_records WHERE key = ?`)
	row := s.db.QueryRowxContext(ctx, q, key)
	if err := row.Scan(&rec.Key, &rec.Value, &rec.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get %s: %w", key, err)
	}
	return rec, nil
}

func (s *SQLStore) ScanPrefix(ctx context.Context, prefix string) ([]Record, error) {
	q := s.db.Rebind(`SELECT key, value, version FROM kv_records WHERE key LIKE ? ESCAPE '\' ORDER BY key`)
	rows, err := s.db.QueryxContext(ctx, q, likeEscape(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.Version); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) CompareAndSwap(ctx context.Context, key string, value []byte, expect int64) (int64, error) {
	now := time.Now().UTC()
	if expect == 0 {
		q := s.db.Rebind(`
			INSERT INTO kv_records (key, value, version, updated_at) VALUES (?, ?, 1, ?)
			ON CONFLICT (key) DO NOTHING`)
		res, err := s.db.ExecContext(ctx, q, key, value, now)
		if err != nil {
			return 0, fmt.Errorf("cas insert %s: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("cas insert %s: %w", key, err)
		}
		if n == 0 {
			return 0, ErrConflict
		}
		return 1, nil
	}

	q := s.db.Rebind(`
		UPDATE kv_records SET value = ?, version = version + 1, updated_at = ?
		WHERE key = ? AND version = ?`)
	res, err := s.db.ExecContext(ctx, q, value, now, key, expect)
	if err != nil {
		return 0, fmt.Errorf("cas update %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cas update %s: %w", key, err)
	}
	if n == 0 {
		return 0, ErrConflict
	}
	return expect + 1, nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	q := s.db.Rebind(`DELETE FROM kv_records WHERE key = ?`)
	if _, err := s.db.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	s.logger.Info("Closing store")
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db.DB }

// likeEscape escapes LIKE metacharacters so prefixes containing '_' or '%'
// scan literally.
func likeEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
