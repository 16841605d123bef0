package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteConfig configures the SQLite storage backend.
type SQLiteConfig struct {
	Path string

	// CacheSize is the SQLite page cache size in pages.
	CacheSize int

	// JournalMode controls the SQLite journal (WAL recommended).
	JournalMode string

	// Synchronous controls fsync behaviour (NORMAL recommended for WAL).
	Synchronous string

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	BusyTimeout int

	// MaxConnections bounds the connection pool.
	MaxConnections int
}

// SQLiteBackend stores blobs in a SQLite database. Archived batches and
// saved models land in an ordinary table, so standard SQLite tools can
// inspect them.
type SQLiteBackend struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool

	insertStmt *sql.Stmt
	selectStmt *sql.Stmt
	deleteStmt *sql.Stmt
	existsStmt *sql.Stmt
}

// NewSQLiteBackend opens (creating if needed) the database at cfg.Path and
// prepares the blob table.
func NewSQLiteBackend(cfg SQLiteConfig) (*SQLiteBackend, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 2000
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.Synchronous == "" {
		cfg.Synchronous = "NORMAL"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		cfg.Path, cfg.CacheSize, cfg.JournalMode, cfg.Synchronous, cfg.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections / 2)

	backend := &SQLiteBackend{db: db}

	if err := backend.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := backend.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return backend, nil
}

func (s *SQLiteBackend) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS blobs (
			key TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			size INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_blobs_created ON blobs(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteBackend) prepareStatements() error {
	var err error

	s.insertStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO blobs (key, data, created_at, updated_at, size)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}

	s.selectStmt, err = s.db.Prepare(`SELECT data FROM blobs WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("prepare select: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM blobs WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}

	s.existsStmt, err = s.db.Prepare(`SELECT 1 FROM blobs WHERE key = ? LIMIT 1`)
	if err != nil {
		return fmt.Errorf("prepare exists: %w", err)
	}

	return nil
}

func (s *SQLiteBackend) Write(ctx context.Context, key string, data []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	now := time.Now().UnixNano()
	if _, err := s.insertStmt.ExecContext(ctx, key, data, now, now, len(data)); err != nil {
		return fmt.Errorf("sqlite write %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteBackend) Read(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.selectStmt.QueryRowContext(ctx, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite read %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite read %s: %w", key, err)
	}
	return data, nil
}

func (s *SQLiteBackend) Delete(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.deleteStmt.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("sqlite delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM blobs WHERE key LIKE ? ORDER BY key`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("sqlite list %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlite scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	var one int
	err := s.existsStmt.QueryRowContext(ctx, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite exists %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.insertStmt, s.selectStmt, s.deleteStmt, s.existsStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

func (s *SQLiteBackend) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("sqlite backend is closed")
	}
	return nil
}
