// Package database provides the SQLite persistence layer for routerguard.
// It stores detection events, block entries, device status snapshots and
// traffic samples, and runs retention, optimization and backup maintenance.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeRetries    = 5
	writeRetryDelay = 50 * time.Millisecond
)

// DB represents the database connection. Writes from every device worker are
// serialized through the embedded mutex and a single connection.
type DB struct {
	*sql.DB
	Path   string // Exported for integration tests
	logger *zerolog.Logger
	sync.Mutex
}

// New creates a new database connection
func New(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports only one writer at a time
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	logger := log.With().Str("component", "database").Logger()

	dbInstance := &DB{
		DB:     db,
		Path:   path,
		logger: &logger,
	}

	if err := dbInstance.initializeDB(); err != nil {
		db.Close()
		return nil, err
	}

	if err := dbInstance.optimizeDB(); err != nil {
		logger.Warn().Err(err).Msg("Failed to set some database optimization parameters")
	}

	return dbInstance, nil
}

// Initialize database schema. Timestamps are stored as Unix nanoseconds.
func (db *DB) initializeDB() error {
	db.logger.Info().Msg("Initializing database schema")

	schema := `
	-- Detection events
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		attack_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		source TEXT,
		metric TEXT,
		value REAL NOT NULL,
		threshold REAL NOT NULL,
		detected_at INTEGER NOT NULL
	);

	-- Block entries
	CREATE TABLE IF NOT EXISTS blocks (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		address TEXT NOT NULL,
		reason TEXT,
		severity TEXT NOT NULL,
		origin TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		updated_at INTEGER NOT NULL
	);

	-- Latest status per device
	CREATE TABLE IF NOT EXISTS device_status (
		device_id TEXT PRIMARY KEY,
		name TEXT,
		state TEXT NOT NULL,
		connectivity TEXT NOT NULL,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_success INTEGER,
		last_poll INTEGER,
		last_error TEXT,
		active_blocks INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	-- Per-poll traffic samples
	CREATE TABLE IF NOT EXISTS samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		total_connections INTEGER NOT NULL,
		new_connections INTEGER NOT NULL,
		syn_packets INTEGER NOT NULL,
		udp_packets INTEGER NOT NULL,
		icmp_packets INTEGER NOT NULL,
		source_count INTEGER NOT NULL,
		sampled_at INTEGER NOT NULL
	);

	-- Create indexes
	CREATE INDEX IF NOT EXISTS idx_events_device_time ON events(device_id, detected_at);
	CREATE INDEX IF NOT EXISTS idx_blocks_device_status ON blocks(device_id, status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_blocks_one_active ON blocks(device_id, address) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_samples_device_time ON samples(device_id, sampled_at);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return nil
}

// optimizeDB sets SQLite optimization parameters
func (db *DB) optimizeDB() error {
	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return err
	}

	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return err
	}

	if _, err := db.Exec("PRAGMA cache_size=-20000"); err != nil { // Approx 20MB cache
		db.logger.Warn().Err(err).Msg("Failed to set cache_size PRAGMA")
	}

	// Set busy timeout to avoid "database is locked" errors
	if _, err := db.Exec("PRAGMA busy_timeout=10000"); err != nil { // 10 seconds
		db.logger.Warn().Err(err).Msg("Failed to set busy_timeout PRAGMA")
	}

	return nil
}

// ExecuteWithRetry runs operation, backing off exponentially from retryDelay
// while SQLite reports the database as locked or busy. Other errors are
// returned immediately.
func (db *DB) ExecuteWithRetry(maxRetries int, retryDelay time.Duration, operation func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		err := operation()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(bo, uint64(max(maxRetries-1, 0))), func(err error, wait time.Duration) {
		db.logger.Warn().
			Err(err).
			Int("attempt", attempts).
			Int("maxRetries", maxRetries).
			Dur("wait", wait).
			Msg("Retrying database operation")
	})

	if err != nil && isBusy(err) {
		return fmt.Errorf("database operation failed after %d attempts: %w", attempts, err)
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// OptimizeDatabase performs database maintenance operations
func (db *DB) OptimizeDatabase() error {
	db.Lock()
	defer db.Unlock()

	db.logger.Info().Msg("Optimizing database")

	if _, err := db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}

	if _, err := db.Exec("ANALYZE"); err != nil {
		return fmt.Errorf("failed to analyze database: %w", err)
	}

	// Refresh PRAGMA settings as they may reset after VACUUM
	if err := db.optimizeDB(); err != nil {
		db.logger.Warn().Err(err).Msg("Failed to reset optimization parameters after vacuum")
	}

	return nil
}

// BackupDatabase writes a consistent copy of the database into backupDir.
// An empty backupDir places backups next to the database file.
func (db *DB) BackupDatabase(backupDir string) (string, error) {
	db.Lock()
	defer db.Unlock()

	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(db.Path), "backups")
	}
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	now := time.Now()
	timestamp := fmt.Sprintf("%s_%06d", now.Format("20060102_150405"), now.Nanosecond()/1000)
	base := filepath.Base(db.Path)
	ext := filepath.Ext(base)
	backupPath := filepath.Join(backupDir, fmt.Sprintf("%s_%s%s", strings.TrimSuffix(base, ext), timestamp, ext))

	if _, err := db.Exec("PRAGMA wal_checkpoint(FULL)"); err != nil {
		db.logger.Warn().Err(err).Msg("Failed to checkpoint WAL before backup")
	}

	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		return "", fmt.Errorf("failed to backup database: %w", err)
	}

	db.logger.Info().Str("path", backupPath).Msg("Database backup created")

	return backupPath, nil
}

// CleanOldData removes events, samples and finished block entries older than the retention period
func (db *DB) CleanOldData(retentionDays int) (int, error) {
	db.Lock()
	defer db.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixNano()

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.Exec("DELETE FROM events WHERE detected_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	eventCount, _ := res.RowsAffected()

	res, err = tx.Exec("DELETE FROM samples WHERE sampled_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old samples: %w", err)
	}
	sampleCount, _ := res.RowsAffected()

	// Active blocks are kept regardless of age
	res, err = tx.Exec("DELETE FROM blocks WHERE status != 'active' AND updated_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old blocks: %w", err)
	}
	blockCount, _ := res.RowsAffected()

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	tx = nil

	total := int(eventCount + sampleCount + blockCount)

	db.logger.Info().
		Int("events", int(eventCount)).
		Int("samples", int(sampleCount)).
		Int("blocks", int(blockCount)).
		Int("total", total).
		Msg("Cleaned old data")

	return total, nil
}

// GetDatabaseStats returns statistics about the database
func (db *DB) GetDatabaseStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	counts := []struct {
		key   string
		query string
	}{
		{"eventCount", "SELECT COUNT(*) FROM events"},
		{"activeBlockCount", "SELECT COUNT(*) FROM blocks WHERE status = 'active'"},
		{"blockCount", "SELECT COUNT(*) FROM blocks"},
		{"deviceCount", "SELECT COUNT(*) FROM device_status"},
		{"sampleCount", "SELECT COUNT(*) FROM samples"},
	}
	for _, c := range counts {
		var n int
		if err := db.QueryRow(c.query).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to get %s: %w", c.key, err)
		}
		stats[c.key] = n
	}

	var lastEvent sql.NullInt64
	if err := db.QueryRow("SELECT MAX(detected_at) FROM events").Scan(&lastEvent); err != nil {
		return nil, fmt.Errorf("failed to get last event time: %w", err)
	}
	stats["lastEventTime"] = fromNullNanos(lastEvent)

	fileInfo, err := os.Stat(db.Path)
	if err != nil {
		db.logger.Warn().Err(err).Msg("Failed to get database file size")
		stats["sizeBytes"] = int64(0)
	} else {
		stats["sizeBytes"] = fileInfo.Size()
	}

	return stats, nil
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64)
	return &t
}
