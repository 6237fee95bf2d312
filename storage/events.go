package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"argus/core"
	"argus/metrics"
	"go.uber.org/zap"
)

// EventFilter narrows a time-range query with equality tests. Zero values
// match anything.
type EventFilter struct {
	EventType string
	Source    string
	Host      string
	ThreatTag string
}

// EventStore is the durable home of enriched events. Writes must be
// idempotent on EventID: the queue delivers at least once and the ack comes
// after the write. A backend that buffers writes must make every prior
// insert durable before Flush returns nil; the pipeline flushes before
// acking.
type EventStore interface {
	InsertEnriched(ctx context.Context, ev *core.EnrichedEvent) error
	Flush(ctx context.Context) error
	Query(ctx context.Context, start, end time.Time, filter EventFilter) ([]*core.EnrichedEvent, error)
	QueryRange(ctx context.Context, start, end time.Time) ([]*core.EnrichedEvent, error)
	CountRange(ctx context.Context, start, end time.Time) (int64, error)
	DeleteRange(ctx context.Context, start, end time.Time) (int64, error)
	Close() error
}

// SQLiteEventStore stores enriched events in the shared SQLite database.
type SQLiteEventStore struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteEventStore creates an event store over an open database.
func NewSQLiteEventStore(db *SQLite, logger *zap.SugaredLogger) *SQLiteEventStore {
	return &SQLiteEventStore{db: db, logger: logger}
}

// InsertEnriched persists one enriched event. A redelivered event with the
// same id is a no-op, which is what makes ack-after-write safe.
func (s *SQLiteEventStore) InsertEnriched(ctx context.Context, ev *core.EnrichedEvent) error {
	fields, err := json.Marshal(ev.Event.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal event fields: %w", err)
	}
	enrichment, err := json.Marshal(ev.Enrichment)
	if err != nil {
		return fmt.Errorf("failed to marshal enrichment: %w", err)
	}
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.WriteDB.ExecContext(ctx, `
		INSERT OR IGNORE INTO events_enriched
			(event_id, raw_id, ts, source, host, event_type, message, fields, enrichment, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.Event.RawID, ev.Event.Timestamp.UnixNano(),
		ev.Event.Source, ev.Event.Host, ev.Event.EventType, ev.Event.Message,
		string(fields), string(enrichment), string(metadata))
	if err != nil {
		metrics.StorageWriteRetries.WithLabelValues("sqlite").Inc()
		return fmt.Errorf("failed to insert enriched event %s: %w", ev.EventID, err)
	}
	return nil
}

// Flush is a no-op: InsertEnriched commits synchronously.
func (s *SQLiteEventStore) Flush(ctx context.Context) error { return nil }

// Query returns events with ts in [start, end) matching the filter, ordered
// by timestamp. Threat-tag matching unpacks the enrichment JSON with
// json_each, so it stays on the read connection without a schema change.
func (s *SQLiteEventStore) Query(ctx context.Context, start, end time.Time, filter EventFilter) ([]*core.EnrichedEvent, error) {
	query := `
		SELECT event_id, raw_id, ts, source, host, event_type, message, fields, enrichment, metadata
		FROM events_enriched
		WHERE ts >= ? AND ts < ?`
	args := []interface{}{start.UnixNano(), end.UnixNano()}

	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if filter.Host != "" {
		query += ` AND host = ?`
		args = append(args, filter.Host)
	}
	if filter.ThreatTag != "" {
		query += ` AND EXISTS (
			SELECT 1 FROM json_each(events_enriched.enrichment, '$.threat_tags')
			WHERE json_each.value = ?)`
		args = append(args, filter.ThreatTag)
	}
	query += ` ORDER BY ts`

	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*core.EnrichedEvent
	for rows.Next() {
		ev, err := scanEnriched(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// QueryRange returns all events with ts in [start, end), ordered by timestamp.
func (s *SQLiteEventStore) QueryRange(ctx context.Context, start, end time.Time) ([]*core.EnrichedEvent, error) {
	return s.Query(ctx, start, end, EventFilter{})
}

// CountRange counts events with ts in [start, end).
func (s *SQLiteEventStore) CountRange(ctx context.Context, start, end time.Time) (int64, error) {
	var n int64
	err := s.db.ReadDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events_enriched WHERE ts >= ? AND ts < ?`,
		start.UnixNano(), end.UnixNano()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// DeleteRange removes events with ts in [start, end) and reports how many.
func (s *SQLiteEventStore) DeleteRange(ctx context.Context, start, end time.Time) (int64, error) {
	res, err := s.db.WriteDB.ExecContext(ctx,
		`DELETE FROM events_enriched WHERE ts >= ? AND ts < ?`,
		start.UnixNano(), end.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	return res.RowsAffected()
}

// Close is a no-op: the underlying database is shared and closed by its owner.
func (s *SQLiteEventStore) Close() error { return nil }

func scanEnriched(rows *sql.Rows) (*core.EnrichedEvent, error) {
	var (
		ev                           core.EnrichedEvent
		tsNanos                      int64
		fields, enrichment, metadata string
	)
	if err := rows.Scan(&ev.EventID, &ev.Event.RawID, &tsNanos,
		&ev.Event.Source, &ev.Event.Host, &ev.Event.EventType, &ev.Event.Message,
		&fields, &enrichment, &metadata); err != nil {
		return nil, fmt.Errorf("failed to scan enriched event: %w", err)
	}
	ev.Event.Timestamp = time.Unix(0, tsNanos).UTC()
	if err := json.Unmarshal([]byte(fields), &ev.Event.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode event fields: %w", err)
	}
	if err := json.Unmarshal([]byte(enrichment), &ev.Enrichment); err != nil {
		return nil, fmt.Errorf("failed to decode enrichment: %w", err)
	}
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &ev, nil
}
