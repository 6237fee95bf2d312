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

// ErrRuleNotFound is returned when a rule id does not exist.
var ErrRuleNotFound = errors.New("alert rule not found")

// RuleStore persists alert rules. The correlation engine polls ListActive;
// rule mutations happen through the administrative surface only.
type RuleStore interface {
	Create(ctx context.Context, rule *core.AlertRule) error
	Update(ctx context.Context, rule *core.AlertRule) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*core.AlertRule, error)
	ListActive(ctx context.Context) ([]*core.AlertRule, error)
	ListAll(ctx context.Context) ([]*core.AlertRule, error)
}

// SQLiteRuleStore stores rules in the shared SQLite database.
type SQLiteRuleStore struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteRuleStore creates a rule store over an open database.
func NewSQLiteRuleStore(db *SQLite, logger *zap.SugaredLogger) *SQLiteRuleStore {
	return &SQLiteRuleStore{db: db, logger: logger}
}

// Create inserts a validated rule.
func (s *SQLiteRuleStore) Create(ctx context.Context, rule *core.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	recipients, err := json.Marshal(rule.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	_, err = s.db.WriteDB.ExecContext(ctx, `
		INSERT INTO alert_rules
			(id, name, description, type, filter_expression, threshold_count,
			 time_window_secs, cooldown_secs, recipients, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, rule.Description, rule.Type, rule.FilterExpression,
		rule.ThresholdCount, int64(rule.TimeWindow.Seconds()), int64(rule.Cooldown.Seconds()),
		string(recipients), boolToInt(rule.IsActive),
		rule.CreatedAt.UnixNano(), rule.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create rule %s: %w", rule.ID, err)
	}
	return nil
}

// Update replaces a rule's definition and bumps UpdatedAt so polling engines
// pick up the change.
func (s *SQLiteRuleStore) Update(ctx context.Context, rule *core.AlertRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	recipients, err := json.Marshal(rule.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	rule.UpdatedAt = time.Now().UTC()

	res, err := s.db.WriteDB.ExecContext(ctx, `
		UPDATE alert_rules SET
			name = ?, description = ?, type = ?, filter_expression = ?,
			threshold_count = ?, time_window_secs = ?, cooldown_secs = ?,
			recipients = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		rule.Name, rule.Description, rule.Type, rule.FilterExpression,
		rule.ThresholdCount, int64(rule.TimeWindow.Seconds()), int64(rule.Cooldown.Seconds()),
		string(recipients), boolToInt(rule.IsActive), rule.UpdatedAt.UnixNano(),
		rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule %s: %w", rule.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// Delete removes a rule.
func (s *SQLiteRuleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.WriteDB.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// Get returns one rule by id.
func (s *SQLiteRuleStore) Get(ctx context.Context, id string) (*core.AlertRule, error) {
	row := s.db.ReadDB.QueryRowContext(ctx, ruleSelect+` WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return rule, err
}

// ListActive returns all enabled rules.
func (s *SQLiteRuleStore) ListActive(ctx context.Context) ([]*core.AlertRule, error) {
	return s.list(ctx, ruleSelect+` WHERE is_active = 1 ORDER BY id`)
}

// ListAll returns every rule regardless of state.
func (s *SQLiteRuleStore) ListAll(ctx context.Context) ([]*core.AlertRule, error) {
	return s.list(ctx, ruleSelect+` ORDER BY id`)
}

const ruleSelect = `
	SELECT id, name, description, type, filter_expression, threshold_count,
	       time_window_secs, cooldown_secs, recipients, is_active, created_at, updated_at
	FROM alert_rules`

func (s *SQLiteRuleStore) list(ctx context.Context, query string) ([]*core.AlertRule, error) {
	rows, err := s.db.ReadDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*core.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*core.AlertRule, error) {
	var (
		rule                       core.AlertRule
		windowSecs, cooldownSecs   int64
		recipients                 string
		active                     int
		createdNanos, updatedNanos int64
	)
	err := row.Scan(&rule.ID, &rule.Name, &rule.Description, &rule.Type,
		&rule.FilterExpression, &rule.ThresholdCount,
		&windowSecs, &cooldownSecs, &recipients, &active,
		&createdNanos, &updatedNanos)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}

	rule.TimeWindow = time.Duration(windowSecs) * time.Second
	rule.Cooldown = time.Duration(cooldownSecs) * time.Second
	rule.IsActive = active == 1
	rule.CreatedAt = time.Unix(0, createdNanos).UTC()
	rule.UpdatedAt = time.Unix(0, updatedNanos).UTC()
	if err := json.Unmarshal([]byte(recipients), &rule.Recipients); err != nil {
		return nil, fmt.Errorf("failed to decode recipients for rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
