// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/swapserver/pkg/logging"
)

// DBFileName is the database file created inside the data directory.
const DBFileName = "swapserver.db"

// settingKeyIndex holds the next unused swap key index.
const settingKeyIndex = "next_key_index"

// Storage provides persistent storage for the swap server.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	log    *logging.Logger
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

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
		log:    logging.GetDefault().Component("storage"),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.log.Debug("Opened database", "path", dbPath)
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

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- One row per swap, keyed by the hex payment hash.
	CREATE TABLE IF NOT EXISTS swaps (
		payment_hash TEXT PRIMARY KEY,
		preimage TEXT,
		direction TEXT NOT NULL,
		state TEXT NOT NULL,

		lightning_amount INTEGER NOT NULL,
		onchain_amount INTEGER NOT NULL,

		-- Hex-encoded compressed public keys
		counterparty_pubkey TEXT NOT NULL,
		service_pubkey TEXT NOT NULL,
		service_key_index INTEGER NOT NULL,

		redeem_script TEXT NOT NULL,
		lockup_address TEXT NOT NULL,
		locktime INTEGER NOT NULL,

		invoice TEXT,
		prepay_invoice TEXT,
		htlc_accepted INTEGER NOT NULL DEFAULT 0,

		lockup_txid TEXT,
		lockup_vout INTEGER DEFAULT 0,
		lockup_amount INTEGER DEFAULT 0,
		lockup_tx_hex TEXT,
		spend_txid TEXT,

		failure_reason TEXT,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_state ON swaps(state);
	CREATE INDEX IF NOT EXISTS idx_swaps_lockup_address ON swaps(lockup_address);
	CREATE INDEX IF NOT EXISTS idx_swaps_updated ON swaps(updated_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.runMigrations()
}

// runMigrations adds columns introduced after the first schema. Errors
// are ignored since columns may already exist.
func (s *Storage) runMigrations() error {
	migrations := []string{
		"ALTER TABLE swaps ADD COLUMN spend_txid TEXT",
	}
	for _, migration := range migrations {
		_, _ = s.db.Exec(migration)
	}
	return nil
}

// GetSetting returns a stored setting, or "" if it is unset.
func (s *Storage) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value sql.NullString
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value.String, nil
}

// SetSetting stores a setting.
func (s *Storage) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	return err
}

// NextKeyIndex returns the next unused swap key index and advances the
// counter in the same transaction.
func (s *Storage) NextKeyIndex() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var value sql.NullString
	err = tx.QueryRow("SELECT value FROM settings WHERE key = ?", settingKeyIndex).Scan(&value)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	var index uint64
	if value.Valid && value.String != "" {
		index, err = strconv.ParseUint(value.String, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("corrupt key index %q: %w", value.String, err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, settingKeyIndex, strconv.FormatUint(index+1, 10), time.Now().Unix())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return uint32(index), nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
