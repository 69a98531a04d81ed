// Package storage provides persistent storage using SQLite: a durable
// backend for the execution cache, an audit log of every dispatch, and the
// last observed snapshot of each order.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultFileName is the database file inside the data directory.
const DefaultFileName = "swapd.db"

// Storage provides persistent storage for the swapd daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	now    func() time.Time
}

// Config holds storage configuration.
type Config struct {
	DataDir  string
	FileName string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	name := cfg.FileName
	if name == "" {
		name = DefaultFileName
	}
	dbPath := filepath.Join(dataDir, name)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Execution idempotency cache (cache.Cache backend)
	CREATE TABLE IF NOT EXISTS cache_entries (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0, -- unix millis, 0 = never
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);

	CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at)
		WHERE expires_at > 0;

	-- Dispatch audit log. Not used for idempotency.
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		action TEXT NOT NULL,
		chain TEXT NOT NULL,
		leg TEXT NOT NULL,
		result TEXT NOT NULL,           -- success, error, skipped
		tx_hash TEXT,
		error_kind TEXT,
		error_message TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_order ON executions(order_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_executions_result ON executions(result);

	-- Last observed state of each tracked order
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		source_chain TEXT NOT NULL,
		destination_chain TEXT NOT NULL,
		status TEXT NOT NULL,
		data TEXT NOT NULL,             -- MatchedOrder JSON
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	CREATE INDEX IF NOT EXISTS idx_orders_updated ON orders(updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
