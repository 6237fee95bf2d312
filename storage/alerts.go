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

// ErrAlertNotFound is returned when an alert id does not exist.
var ErrAlertNotFound = errors.New("alert not found")

// AlertStore persists triggered alerts and their notification status. An
// alert is written with status pending before any delivery attempt, so a
// crash between trigger and delivery is recoverable by ListPendingBefore.
type AlertStore interface {
	Insert(ctx context.Context, alert *core.Alert) error
	Get(ctx context.Context, id string) (*core.Alert, error)
	UpdateNotificationStatus(ctx context.Context, id, from, to string) error
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*core.Alert, error)
	ListByRule(ctx context.Context, ruleID string, limit int) ([]*core.Alert, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SQLiteAlertStore stores alerts in the shared SQLite database.
type SQLiteAlertStore struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteAlertStore creates an alert store over an open database.
func NewSQLiteAlertStore(db *SQLite, logger *zap.SugaredLogger) *SQLiteAlertStore {
	return &SQLiteAlertStore{db: db, logger: logger}
}

// Insert persists a new alert. Inserting the same alert id twice is a no-op:
// the engine may retry persistence after a partial failure.
func (s *SQLiteAlertStore) Insert(ctx context.Context, alert *core.Alert) error {
	ids, err := json.Marshal(alert.MatchedEventIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal matched event ids: %w", err)
	}
	_, err = s.db.WriteDB.ExecContext(ctx, `
		INSERT OR IGNORE INTO alert_events
			(id, rule_id, rule_name, triggered_at, matched_event_ids, event_count, notification_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.RuleID, alert.RuleName, alert.TriggeredAt.UnixNano(),
		string(ids), alert.EventCount, alert.NotificationStatus)
	if err != nil {
		return fmt.Errorf("failed to insert alert %s: %w", alert.ID, err)
	}
	return nil
}

// Get returns one alert by id.
func (s *SQLiteAlertStore) Get(ctx context.Context, id string) (*core.Alert, error) {
	row := s.db.ReadDB.QueryRowContext(ctx, alertSelect+` WHERE id = ?`, id)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	return alert, err
}

// UpdateNotificationStatus transitions an alert's status with a
// compare-and-swap on the expected current status, so a recovery sweep and a
// live delivery cannot both claim the same alert.
func (s *SQLiteAlertStore) UpdateNotificationStatus(ctx context.Context, id, from, to string) error {
	res, err := s.db.WriteDB.ExecContext(ctx,
		`UPDATE alert_events SET notification_status = ? WHERE id = ? AND notification_status = ?`,
		to, id, from)
	if err != nil {
		return fmt.Errorf("failed to update alert %s status: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("alert %s is not in status %q: %w", id, from, ErrAlertNotFound)
	}
	return nil
}

// ListPendingBefore returns alerts still pending that triggered before the
// cutoff. The recovery sweep resends these.
func (s *SQLiteAlertStore) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]*core.Alert, error) {
	return s.list(ctx, alertSelect+
		` WHERE notification_status = ? AND triggered_at < ? ORDER BY triggered_at`,
		core.NotificationPending, cutoff.UnixNano())
}

// ListByRule returns the most recent alerts for one rule.
func (s *SQLiteAlertStore) ListByRule(ctx context.Context, ruleID string, limit int) ([]*core.Alert, error) {
	return s.list(ctx, alertSelect+
		` WHERE rule_id = ? ORDER BY triggered_at DESC LIMIT ?`, ruleID, limit)
}

// DeleteBefore removes alerts that triggered before the cutoff.
func (s *SQLiteAlertStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.WriteDB.ExecContext(ctx,
		`DELETE FROM alert_events WHERE triggered_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old alerts: %w", err)
	}
	return res.RowsAffected()
}

const alertSelect = `
	SELECT id, rule_id, rule_name, triggered_at, matched_event_ids, event_count, notification_status
	FROM alert_events`

func (s *SQLiteAlertStore) list(ctx context.Context, query string, args ...interface{}) ([]*core.Alert, error) {
	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*core.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func scanAlert(row rowScanner) (*core.Alert, error) {
	var (
		alert          core.Alert
		triggeredNanos int64
		ids            string
	)
	err := row.Scan(&alert.ID, &alert.RuleID, &alert.RuleName, &triggeredNanos,
		&ids, &alert.EventCount, &alert.NotificationStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan alert: %w", err)
	}
	alert.TriggeredAt = time.Unix(0, triggeredNanos).UTC()
	if err := json.Unmarshal([]byte(ids), &alert.MatchedEventIDs); err != nil {
		return nil, fmt.Errorf("failed to decode matched event ids for alert %s: %w", alert.ID, err)
	}
	return &alert, nil
}
