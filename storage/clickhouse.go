package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"argus/config"
	"argus/core"
	"argus/metrics"
	"argus/util/goroutine"
	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// ClickHouseEventStore is the high-volume alternative to the SQLite event
// store. Writes are buffered and flushed in batches; the ReplacingMergeTree
// engine keyed on event_id gives the same idempotency that INSERT OR IGNORE
// gives SQLite, just eventually rather than immediately. Flush is the
// durability barrier the pipeline calls before acking; a timer flushes
// trickles that never fill a batch.
type ClickHouseEventStore struct {
	conn       driver.Conn
	batchSize  int
	flushEvery time.Duration
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	buffer []*core.EnrichedEvent
	// sendMu serializes batch sends so Flush returning nil means every event
	// buffered before the call has been sent.
	sendMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewClickHouseEventStore connects, verifies the server and creates the
// events table.
func NewClickHouseEventStore(cfg *config.Config, logger *zap.SugaredLogger) (*ClickHouseEventStore, error) {
	options := &clickhouse.Options{
		Addr: []string{cfg.Storage.ClickHouse.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Storage.ClickHouse.Database,
			Username: cfg.Storage.ClickHouse.Username,
			Password: cfg.Storage.ClickHouse.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:     cfg.Storage.ClickHouse.MaxPoolSize,
		MaxIdleConns:     cfg.Storage.ClickHouse.MaxPoolSize / 2,
		ConnMaxLifetime:  1 * time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			d.Timeout = 10 * time.Second
			d.KeepAlive = 30 * time.Second
			return d.DialContext(ctx, "tcp", addr)
		},
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	batchSize := cfg.Storage.ClickHouse.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	flushEvery := cfg.Storage.ClickHouse.FlushInterval
	if flushEvery <= 0 {
		flushEvery = time.Second
	}

	s := &ClickHouseEventStore{
		conn:       conn,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
	if err := s.createTable(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.wg.Add(1)
	go s.flushLoop()

	logger.Infow("ClickHouse event store initialized",
		"addr", cfg.Storage.ClickHouse.Addr, "batch_size", batchSize, "flush_interval", flushEvery)
	return s, nil
}

// flushLoop drives time-based flushes so buffered events become durable and
// queryable even when traffic never fills a batch.
func (s *ClickHouseEventStore) flushLoop() {
	defer s.wg.Done()
	defer goroutine.Recover("clickhouse-flush", s.logger)
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := s.Flush(ctx); err != nil {
				s.logger.Warnw("Periodic flush failed, events stay buffered", "error", err)
			}
			cancel()
		}
	}
}

func (s *ClickHouseEventStore) createTable(ctx context.Context) error {
	table := `
	CREATE TABLE IF NOT EXISTS events_enriched (
		event_id   String,
		raw_id     String,
		ts         DateTime64(9, 'UTC'),
		source     LowCardinality(String),
		host       LowCardinality(String),
		event_type LowCardinality(String),
		message    String,
		fields     String,
		enrichment String,
		metadata   String,
		INDEX idx_event_type event_type TYPE set(0) GRANULARITY 1,
		INDEX idx_host host TYPE bloom_filter(0.01) GRANULARITY 1
	) ENGINE = ReplacingMergeTree()
	PARTITION BY toYYYYMMDD(ts)
	ORDER BY (ts, event_id)
	SETTINGS index_granularity = 8192
	`
	if err := s.conn.Exec(ctx, table); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	return nil
}

// InsertEnriched buffers one event, flushing when the buffer fills. The
// event is durable only after a flush; callers that ack on a nil return must
// call Flush first.
func (s *ClickHouseEventStore) InsertEnriched(ctx context.Context, ev *core.EnrichedEvent) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, ev)
	full := len(s.buffer) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes the buffered events in one batch. Sends are serialized: a
// concurrent flush that failed has re-buffered its events before this call
// drains the buffer, so a nil return covers every event inserted before the
// call. On error the events go back into the buffer for the next attempt.
func (s *ClickHouseEventStore) Flush(ctx context.Context) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	pending := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	if err := s.insertBatch(ctx, pending); err != nil {
		metrics.StorageWriteRetries.WithLabelValues("clickhouse").Inc()
		s.mu.Lock()
		s.buffer = append(pending, s.buffer...)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *ClickHouseEventStore) insertBatch(ctx context.Context, events []*core.EnrichedEvent) error {
	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO events_enriched
			(event_id, raw_id, ts, source, host, event_type, message, fields, enrichment, metadata)`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, ev := range events {
		fields, err := json.Marshal(ev.Event.Fields)
		if err != nil {
			return fmt.Errorf("failed to marshal fields for %s: %w", ev.EventID, err)
		}
		enrichment, err := json.Marshal(ev.Enrichment)
		if err != nil {
			return fmt.Errorf("failed to marshal enrichment for %s: %w", ev.EventID, err)
		}
		metadata, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata for %s: %w", ev.EventID, err)
		}
		if err := batch.Append(
			ev.EventID, ev.Event.RawID, ev.Event.Timestamp,
			ev.Event.Source, ev.Event.Host, ev.Event.EventType, ev.Event.Message,
			string(fields), string(enrichment), string(metadata)); err != nil {
			return fmt.Errorf("failed to append event %s: %w", ev.EventID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch of %d events: %w", len(events), err)
	}
	s.logger.Debugw("ClickHouse batch flushed", "events", len(events))
	return nil
}

// Query returns events with ts in [start, end) matching the filter, ordered
// by timestamp. FINAL collapses ReplacingMergeTree duplicates that have not
// merged yet.
func (s *ClickHouseEventStore) Query(ctx context.Context, start, end time.Time, filter EventFilter) ([]*core.EnrichedEvent, error) {
	query := `
		SELECT event_id, raw_id, ts, source, host, event_type, message, fields, enrichment, metadata
		FROM events_enriched FINAL
		WHERE ts >= ? AND ts < ?`
	args := []interface{}{start.UTC(), end.UTC()}

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
		query += ` AND has(JSONExtract(enrichment, 'threat_tags', 'Array(String)'), ?)`
		args = append(args, filter.ThreatTag)
	}
	query += ` ORDER BY ts`

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*core.EnrichedEvent
	for rows.Next() {
		var (
			ev                           core.EnrichedEvent
			ts                           time.Time
			fields, enrichment, metadata string
		)
		if err := rows.Scan(&ev.EventID, &ev.Event.RawID, &ts,
			&ev.Event.Source, &ev.Event.Host, &ev.Event.EventType, &ev.Event.Message,
			&fields, &enrichment, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Event.Timestamp = ts.UTC()
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
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// QueryRange returns all events with ts in [start, end), ordered by timestamp.
func (s *ClickHouseEventStore) QueryRange(ctx context.Context, start, end time.Time) ([]*core.EnrichedEvent, error) {
	return s.Query(ctx, start, end, EventFilter{})
}

// CountRange counts distinct events with ts in [start, end).
func (s *ClickHouseEventStore) CountRange(ctx context.Context, start, end time.Time) (int64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx,
		`SELECT count() FROM events_enriched FINAL WHERE ts >= ? AND ts < ?`,
		start.UTC(), end.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return int64(n), nil
}

// DeleteRange drops events with ts in [start, end) via lightweight delete.
// ClickHouse does not report affected rows, so the pre-delete count stands in.
func (s *ClickHouseEventStore) DeleteRange(ctx context.Context, start, end time.Time) (int64, error) {
	n, err := s.CountRange(ctx, start, end)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	err = s.conn.Exec(ctx,
		`DELETE FROM events_enriched WHERE ts >= ? AND ts < ?`,
		start.UTC(), end.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	return n, nil
}

// Close stops the flush loop, flushes pending events and closes the
// connection.
func (s *ClickHouseEventStore) Close() error {
	close(s.stopCh)
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		s.logger.Errorw("Failed to flush events on close, data may be lost", "error", err)
	}
	return s.conn.Close()
}
