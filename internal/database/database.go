package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound          = errors.New("operation not found")
	ErrNotDismissable    = errors.New("only FAILED_TERMINAL operations can be dismissed")
	ErrNotRetryable      = errors.New("only FAILED_TERMINAL operations can be retried manually")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// DB is the local queue store. It owns the sqlite file for one client session.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
	clock  clockwork.Clock

	// mu serializes enqueue so created_at stays strictly increasing.
	mu          sync.Mutex
	lastCreated int64
}

// dsnParams make every committed write durable before Exec returns.
const dsnParams = "_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on"

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	// Создаем директорию для БД, если её нет
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", path+"?"+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Одна запись за раз: sqlite не любит параллельных писателей
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	db := &DB{
		DB:     sqlDB,
		path:   path,
		logger: logger,
		clock:  clockwork.NewRealClock(),
	}

	if err := sqlDB.QueryRow(`SELECT COALESCE(MAX(created_at), 0) FROM sync_queue`).Scan(&db.lastCreated); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to read queue watermark: %w", err)
	}

	logger.Info().Str("path", path).Msg("Queue database initialized")
	return db, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
            seq INTEGER PRIMARY KEY AUTOINCREMENT,
            id TEXT NOT NULL UNIQUE,
            kind TEXT NOT NULL,
            target TEXT NOT NULL,
            payload TEXT NOT NULL,
            created_at INTEGER NOT NULL,
            attempt_count INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'PENDING',
            last_error TEXT,
            next_attempt_at INTEGER
        )`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_order ON sync_queue(created_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status)`,
		// Не больше одной операции в полёте
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queue_single_in_flight ON sync_queue(status) WHERE status = 'IN_FLIGHT'`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// SetClock replaces the clock used for created_at stamps.
func (db *DB) SetClock(c clockwork.Clock) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.clock = c
}

// Path returns the sqlite file location.
func (db *DB) Path() string {
	return db.path
}

// nextCreatedAt must be called with mu held.
func (db *DB) nextCreatedAt() time.Time {
	now := db.clock.Now().UnixNano()
	if now <= db.lastCreated {
		now = db.lastCreated + int64(time.Microsecond)
	}
	db.lastCreated = now
	return time.Unix(0, now).UTC()
}
