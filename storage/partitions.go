package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"argus/core"
	"go.uber.org/zap"
)

var (
	// ErrPartitionNotFound is returned when a partition id does not exist.
	ErrPartitionNotFound = errors.New("partition not found")
	// ErrPartitionTierConflict is returned when a compare-and-swap tier
	// transition finds the partition no longer in the expected tier.
	ErrPartitionTierConflict = errors.New("partition tier changed concurrently")
)

// PartitionStore tracks the time-range partitions of the event tables and
// their storage tier. Tier transitions are compare-and-swap on the expected
// current tier: two overlapping scheduler runs cannot double-process a
// partition.
type PartitionStore interface {
	EnsureDaily(ctx context.Context, table string, day time.Time) (*core.Partition, error)
	Get(ctx context.Context, id string) (*core.Partition, error)
	ListByTier(ctx context.Context, tier string) ([]*core.Partition, error)
	ListByTierEndingBefore(ctx context.Context, tier string, cutoff time.Time) ([]*core.Partition, error)
	TransitionTier(ctx context.Context, id, fromTier, toTier, storageLocation string) error
}

// SQLitePartitionStore stores partition metadata in the shared database.
type SQLitePartitionStore struct {
	db     *SQLite
	logger *zap.SugaredLogger
}

// NewSQLitePartitionStore creates a partition store over an open database.
func NewSQLitePartitionStore(db *SQLite, logger *zap.SugaredLogger) *SQLitePartitionStore {
	return &SQLitePartitionStore{db: db, logger: logger}
}

// EnsureDaily creates (or returns) the hot partition covering the UTC day of
// the given time. Creation is idempotent on (table, range_start).
func (s *SQLitePartitionStore) EnsureDaily(ctx context.Context, table string, day time.Time) (*core.Partition, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.Add(24 * time.Hour)
	id := fmt.Sprintf("%s_%s", table, start.Format("2006_01_02"))

	_, err := s.db.WriteDB.ExecContext(ctx, `
		INSERT OR IGNORE INTO partitions (id, table_name, range_start, range_end, tier, storage_location)
		VALUES (?, ?, ?, ?, ?, '')`,
		id, table, start.UnixNano(), end.UnixNano(), core.TierHot)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure partition %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

// Get returns one partition by id.
func (s *SQLitePartitionStore) Get(ctx context.Context, id string) (*core.Partition, error) {
	row := s.db.ReadDB.QueryRowContext(ctx, partitionSelect+` WHERE id = ?`, id)
	p, err := scanPartition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPartitionNotFound
	}
	return p, err
}

// ListByTier returns all partitions currently in a tier.
func (s *SQLitePartitionStore) ListByTier(ctx context.Context, tier string) ([]*core.Partition, error) {
	return s.list(ctx, partitionSelect+` WHERE tier = ? ORDER BY range_start`, tier)
}

// ListByTierEndingBefore returns partitions in a tier whose range ended
// before the cutoff: the candidates for the next lifecycle step.
func (s *SQLitePartitionStore) ListByTierEndingBefore(ctx context.Context, tier string, cutoff time.Time) ([]*core.Partition, error) {
	return s.list(ctx, partitionSelect+
		` WHERE tier = ? AND range_end <= ? ORDER BY range_start`, tier, cutoff.UnixNano())
}

// TransitionTier moves a partition between tiers, guarded by the expected
// current tier. storageLocation records where the archived copy lives; pass
// the existing value through on transitions that do not change it.
func (s *SQLitePartitionStore) TransitionTier(ctx context.Context, id, fromTier, toTier, storageLocation string) error {
	res, err := s.db.WriteDB.ExecContext(ctx,
		`UPDATE partitions SET tier = ?, storage_location = ? WHERE id = ? AND tier = ?`,
		toTier, storageLocation, id, fromTier)
	if err != nil {
		return fmt.Errorf("failed to transition partition %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := s.Get(ctx, id); errors.Is(getErr, ErrPartitionNotFound) {
			return ErrPartitionNotFound
		}
		return fmt.Errorf("partition %s: %w", id, ErrPartitionTierConflict)
	}
	s.logger.Infow("Partition tier transition", "partition", id, "from", fromTier, "to", toTier)
	return nil
}

const partitionSelect = `
	SELECT id, table_name, range_start, range_end, tier, storage_location
	FROM partitions`

func (s *SQLitePartitionStore) list(ctx context.Context, query string, args ...interface{}) ([]*core.Partition, error) {
	rows, err := s.db.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	var parts []*core.Partition
	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func scanPartition(row rowScanner) (*core.Partition, error) {
	var (
		p                    core.Partition
		startNanos, endNanos int64
	)
	err := row.Scan(&p.ID, &p.Table, &startNanos, &endNanos, &p.Tier, &p.StorageLocation)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan partition: %w", err)
	}
	p.RangeStart = time.Unix(0, startNanos).UTC()
	p.RangeEnd = time.Unix(0, endNanos).UTC()
	return &p, nil
}
