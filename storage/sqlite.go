package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the database connections for metadata and the default event
// store. Separate read and write pools leverage WAL mode: unlimited
// concurrent readers plus exactly one writer.
type SQLite struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Path    string
	Logger  *zap.SugaredLogger
}

// configureSQLiteConnection enables WAL, foreign keys and a busy timeout.
func configureSQLiteConnection(db *sql.DB, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	// In-memory databases report "memory", not "wal".
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got %s), crash recovery will not work", journalMode)
	}
	return nil
}

// NewSQLite opens the database at dbPath, creating the directory and schema
// as needed.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// In-memory databases need shared cache so both pools see one database.
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	if err := configureSQLiteConnection(writeDB, dbPath); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}
	// WAL allows exactly one writer at a time.
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	if err := configureSQLiteConnection(readDB, dbPath); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(0)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}

	logger.Infow("SQLite storage initialized", "path", dbPath)
	return s, nil
}

// migrate creates the schema. All statements are idempotent.
func (s *SQLite) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events_enriched (
			event_id   TEXT PRIMARY KEY,
			raw_id     TEXT NOT NULL,
			ts         INTEGER NOT NULL,
			source     TEXT NOT NULL,
			host       TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message    TEXT NOT NULL,
			fields     TEXT NOT NULL,
			enrichment TEXT NOT NULL,
			metadata   TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_enriched_ts ON events_enriched(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_events_enriched_type_ts ON events_enriched(event_type, ts)`,

		`CREATE TABLE IF NOT EXISTS alert_rules (
			id                TEXT PRIMARY KEY,
			name              TEXT NOT NULL,
			description       TEXT NOT NULL DEFAULT '',
			type              TEXT NOT NULL,
			filter_expression TEXT NOT NULL,
			threshold_count   INTEGER NOT NULL,
			time_window_secs  INTEGER NOT NULL,
			cooldown_secs     INTEGER NOT NULL DEFAULT 0,
			recipients        TEXT NOT NULL DEFAULT '[]',
			is_active         INTEGER NOT NULL DEFAULT 1,
			created_at        INTEGER NOT NULL,
			updated_at        INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS alert_events (
			id                  TEXT PRIMARY KEY,
			rule_id             TEXT NOT NULL,
			rule_name           TEXT NOT NULL,
			triggered_at        INTEGER NOT NULL,
			matched_event_ids   TEXT NOT NULL,
			event_count         INTEGER NOT NULL,
			notification_status TEXT NOT NULL DEFAULT 'pending'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_events_status ON alert_events(notification_status, triggered_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_events_triggered ON alert_events(triggered_at)`,

		`CREATE TABLE IF NOT EXISTS quarantine_events (
			id             TEXT PRIMARY KEY,
			raw            TEXT NOT NULL,
			reason         TEXT NOT NULL,
			error_message  TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'pending',
			retry_count    INTEGER NOT NULL DEFAULT 0,
			quarantined_at INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quarantine_status ON quarantine_events(status)`,

		`CREATE TABLE IF NOT EXISTS partitions (
			id               TEXT PRIMARY KEY,
			table_name       TEXT NOT NULL,
			range_start      INTEGER NOT NULL,
			range_end        INTEGER NOT NULL,
			tier             TEXT NOT NULL,
			storage_location TEXT NOT NULL DEFAULT '',
			UNIQUE(table_name, range_start)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_partitions_tier ON partitions(tier, range_end)`,
	}

	for _, stmt := range statements {
		if _, err := s.WriteDB.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes both connection pools.
func (s *SQLite) Close() error {
	var firstErr error
	if err := s.WriteDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.ReadDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
