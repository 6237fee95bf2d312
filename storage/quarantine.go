package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"argus/core"
	"go.uber.org/zap"
)

// ErrQuarantineNotFound is returned when a quarantine id does not exist.
var ErrQuarantineNotFound = errors.New("quarantined event not found")

// QuarantineStore parks events the pipeline could not process. Parking is
// terminal for the hot path; operators list, replay or discard entries out
// of band.
type QuarantineStore interface {
	Add(ctx context.Context, q *core.QuarantinedEvent) error
	Get(ctx context.Context, id string) (*core.QuarantinedEvent, error)
	List(ctx context.Context, status string, limit int) ([]*core.QuarantinedEvent, error)
	UpdateStatus(ctx context.Context, id, status string) error
	IncrementRetries(ctx context.Context, id string) error
}

// SQLiteQuarantineStore stores quarantined events in the shared database.
type SQLiteQuarantineStore struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteQuarantineStore creates a quarantine store over an open database.
func NewSQLiteQuarantineStore(db *SQLite, logger *zap.SugaredLogger) *SQLiteQuarantineStore {
	return &SQLiteQuarantineStore{db: db, logger: logger}
}

// Add parks one event. Re-parking the same raw event id is a no-op so a
// redelivered poison message does not pile up duplicates.
func (s *SQLiteQuarantineStore) Add(ctx context.Context, q *core.QuarantinedEvent) error {
	raw, err := json.Marshal(q.Raw)
	if err != nil {
		return fmt.Errorf("failed to marshal raw event: %w", err)
	}
	_, err = s.db.WriteDB.ExecContext(ctx, `
		INSERT OR IGNORE INTO quarantine_events
			(id, raw, reason, error_message, status, retry_count, quarantined_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, string(raw), q.Reason, q.ErrorMessage, q.Status, q.RetryCount,
		q.QuarantinedAt.UnixNano(), q.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to quarantine event %s: %w", q.ID, err)
	}
	return nil
}

// Get returns one quarantined event.
func (s *SQLiteQuarantineStore) Get(ctx context.Context, id string) (*core.QuarantinedEvent, error) {
	row := s.db.ReadDB.QueryRowContext(ctx, quarantineSelect+` WHERE id = ?`, id)
	q, err := scanQuarantined(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuarantineNotFound
	}
	return q, err
}

// List returns quarantined events, optionally filtered by status.
func (s *SQLiteQuarantineStore) List(ctx context.Context, status string, limit int) ([]*core.QuarantinedEvent, error) {
	query := quarantineSelect
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY quarantined_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantined events: %w", err)
	}
	defer rows.Close()

	var events []*core.QuarantinedEvent
	for rows.Next() {
		q, err := scanQuarantined(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, q)
	}
	return events, rows.Err()
}

// UpdateStatus marks an entry replayed or discarded.
func (s *SQLiteQuarantineStore) UpdateStatus(ctx context.Context, id, status string) error {
	switch status {
	case core.QuarantineStatusPending, core.QuarantineStatusReplayed, core.QuarantineStatusDiscarded:
	default:
		return fmt.Errorf("invalid quarantine status: %q", status)
	}
	res, err := s.db.WriteDB.ExecContext(ctx,
		`UPDATE quarantine_events SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to update quarantine %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrQuarantineNotFound
	}
	return nil
}

// IncrementRetries bumps the replay attempt counter.
func (s *SQLiteQuarantineStore) IncrementRetries(ctx context.Context, id string) error {
	res, err := s.db.WriteDB.ExecContext(ctx,
		`UPDATE quarantine_events SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to increment retries for %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrQuarantineNotFound
	}
	return nil
}

const quarantineSelect = `
	SELECT id, raw, reason, error_message, status, retry_count, quarantined_at, updated_at
	FROM quarantine_events`

func scanQuarantined(row rowScanner) (*core.QuarantinedEvent, error) {
	var (
		q                     core.QuarantinedEvent
		raw                   string
		parkedNanos, updNanos int64
	)
	err := row.Scan(&q.ID, &raw, &q.Reason, &q.ErrorMessage, &q.Status,
		&q.RetryCount, &parkedNanos, &updNanos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan quarantined event: %w", err)
	}
	q.QuarantinedAt = time.Unix(0, parkedNanos).UTC()
	q.UpdatedAt = time.Unix(0, updNanos).UTC()
	if err := json.Unmarshal([]byte(raw), &q.Raw); err != nil {
		return nil, fmt.Errorf("failed to decode raw event for %s: %w", q.ID, err)
	}
	return &q, nil
}
