package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"argus/config"
	"argus/core"
	"argus/metrics"
	"argus/util/goroutine"
	"go.uber.org/zap"
)

// eventsTableName is the logical table the partition manager tracks.
const eventsTableName = "events_enriched"

// PartitionManager drives the hot -> archive -> deleted lifecycle off the
// hot path. Every step is idempotent and guarded by a tier compare-and-swap,
// so a crash mid-cycle is recovered by simply running the next cycle.
type PartitionManager struct {
	partitions PartitionStore
	events     EventStore
	alerts     AlertStore
	sink       ArchiveSink
	cfg        config.RetentionSettings
	logger     *zap.SugaredLogger

	nowFn  func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPartitionManager wires the lifecycle over the given stores and sink.
func NewPartitionManager(partitions PartitionStore, events EventStore, alerts AlertStore,
	sink ArchiveSink, cfg config.RetentionSettings, logger *zap.SugaredLogger) *PartitionManager {
	return &PartitionManager{
		partitions: partitions,
		events:     events,
		alerts:     alerts,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
		nowFn:      time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start runs one cycle immediately, then on every check interval.
func (m *PartitionManager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer goroutine.Recover("partition-manager", m.logger)

		m.runCycle(ctx)
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.runCycle(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the scheduler and waits for an in-flight cycle.
func (m *PartitionManager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *PartitionManager) runCycle(ctx context.Context) {
	if err := m.RunOnce(ctx); err != nil {
		m.logger.Errorw("Retention cycle failed", "error", err)
	}
}

// RunOnce executes one full retention cycle: create upcoming partitions,
// archive expired hot partitions, drop expired archives, purge old alerts.
// Errors in one phase do not block the others.
func (m *PartitionManager) RunOnce(ctx context.Context) error {
	now := m.nowFn().UTC()
	var firstErr error

	for _, err := range []error{
		m.ensureUpcoming(ctx, now),
		m.archiveExpired(ctx, now),
		m.sweepArchivedResidue(ctx, now),
		m.dropExpiredArchives(ctx, now),
		m.purgeOldAlerts(ctx, now),
	} {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ensureUpcoming creates hot partitions for today plus the configured number
// of days ahead.
func (m *PartitionManager) ensureUpcoming(ctx context.Context, now time.Time) error {
	for i := 0; i <= m.cfg.PartitionsAhead; i++ {
		day := now.Add(time.Duration(i) * 24 * time.Hour)
		if _, err := m.partitions.EnsureDaily(ctx, eventsTableName, day); err != nil {
			return fmt.Errorf("failed to ensure partition for %s: %w", day.Format("2006-01-02"), err)
		}
	}
	metrics.PartitionTransitions.WithLabelValues("ensure").Inc()
	return nil
}

// archiveExpired moves hot partitions older than the hot retention window to
// the archive tier: export, verify, swap tier, then drop the hot rows. The
// tier swap happens only after the archived copy is verified, so hot data is
// never deleted without a good copy elsewhere.
func (m *PartitionManager) archiveExpired(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-time.Duration(m.cfg.HotDays) * 24 * time.Hour)
	candidates, err := m.partitions.ListByTierEndingBefore(ctx, core.TierHot, cutoff)
	if err != nil {
		return err
	}

	var firstErr error
	for _, p := range candidates {
		if err := m.archiveOne(ctx, p); err != nil {
			m.logger.Errorw("Failed to archive partition", "partition", p.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *PartitionManager) archiveOne(ctx context.Context, p *core.Partition) error {
	count, err := m.events.CountRange(ctx, p.RangeStart, p.RangeEnd)
	if err != nil {
		return err
	}

	location := ""
	if count > 0 {
		events, err := m.events.QueryRange(ctx, p.RangeStart, p.RangeEnd)
		if err != nil {
			return err
		}
		location, err = m.sink.Store(ctx, p.ID, events)
		if err != nil {
			return err
		}
		if err := m.sink.Verify(ctx, location, count); err != nil {
			return err
		}
	}

	if err := m.partitions.TransitionTier(ctx, p.ID, core.TierHot, core.TierArchive, location); err != nil {
		if errors.Is(err, ErrPartitionTierConflict) {
			// Another run got there first. The residue sweep handles the rows.
			return nil
		}
		return err
	}
	metrics.PartitionTransitions.WithLabelValues("archive").Inc()

	deleted, err := m.events.DeleteRange(ctx, p.RangeStart, p.RangeEnd)
	if err != nil {
		// The partition is already archived; the residue sweep retries the
		// delete on the next cycle.
		return err
	}
	m.logger.Infow("Partition archived",
		"partition", p.ID, "events", count, "deleted", deleted, "location", location)
	return nil
}

// sweepArchivedResidue deletes hot rows left behind when a previous run
// crashed between the tier swap and the row delete.
func (m *PartitionManager) sweepArchivedResidue(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-time.Duration(m.cfg.HotDays) * 24 * time.Hour)
	archived, err := m.partitions.ListByTierEndingBefore(ctx, core.TierArchive, cutoff)
	if err != nil {
		return err
	}

	var firstErr error
	for _, p := range archived {
		count, err := m.events.CountRange(ctx, p.RangeStart, p.RangeEnd)
		if err != nil || count == 0 {
			if err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted, err := m.events.DeleteRange(ctx, p.RangeStart, p.RangeEnd)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.logger.Warnw("Removed leftover hot rows for archived partition",
			"partition", p.ID, "deleted", deleted)
	}
	return firstErr
}

// dropExpiredArchives removes archive objects past the archive retention
// window and marks their partitions deleted.
func (m *PartitionManager) dropExpiredArchives(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-time.Duration(m.cfg.ArchiveDays) * 24 * time.Hour)
	candidates, err := m.partitions.ListByTierEndingBefore(ctx, core.TierArchive, cutoff)
	if err != nil {
		return err
	}

	var firstErr error
	for _, p := range candidates {
		if p.StorageLocation != "" {
			if err := m.sink.Delete(ctx, p.StorageLocation); err != nil {
				m.logger.Errorw("Failed to delete archive object",
					"partition", p.ID, "location", p.StorageLocation, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		}
		if err := m.partitions.TransitionTier(ctx, p.ID, core.TierArchive, core.TierDeleted, ""); err != nil {
			if errors.Is(err, ErrPartitionTierConflict) {
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.PartitionTransitions.WithLabelValues("delete").Inc()
		m.logger.Infow("Partition deleted", "partition", p.ID)
	}
	return firstErr
}

// purgeOldAlerts drops alerts past the alert retention window.
func (m *PartitionManager) purgeOldAlerts(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-time.Duration(m.cfg.AlertDays) * 24 * time.Hour)
	n, err := m.alerts.DeleteBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Infow("Purged old alerts", "deleted", n)
	}
	return nil
}
