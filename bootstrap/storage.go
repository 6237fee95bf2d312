package bootstrap

import (
	"fmt"

	"argus/config"
	"argus/storage"
	"go.uber.org/zap"
)

// Stores bundles the persistent stores the services share.
type Stores struct {
	DB         *storage.SQLite
	Events     storage.EventStore
	Rules      storage.RuleStore
	Alerts     storage.AlertStore
	Quarantine storage.QuarantineStore
	Partitions storage.PartitionStore
}

// InitStores opens the metadata database and the configured event backend.
// Rule, alert, quarantine and partition metadata always live in SQLite; only
// the event store is switchable to ClickHouse.
func InitStores(cfg *config.Config, sugar *zap.SugaredLogger) (*Stores, error) {
	db, err := storage.NewSQLite(cfg.GetSQLitePath(), sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	var events storage.EventStore
	switch cfg.Storage.Backend {
	case config.StorageBackendClickHouse:
		events, err = storage.NewClickHouseEventStore(cfg, sugar)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize ClickHouse event store: %w", err)
		}
	default:
		events = storage.NewSQLiteEventStore(db, sugar)
	}

	return &Stores{
		DB:         db,
		Events:     events,
		Rules:      storage.NewSQLiteRuleStore(db, sugar),
		Alerts:     storage.NewSQLiteAlertStore(db, sugar),
		Quarantine: storage.NewSQLiteQuarantineStore(db, sugar),
		Partitions: storage.NewSQLitePartitionStore(db, sugar),
	}, nil
}

// InitArchiveSink creates the configured cold-storage sink.
func InitArchiveSink(cfg *config.Config, sugar *zap.SugaredLogger) (storage.ArchiveSink, error) {
	switch cfg.Archive.Backend {
	case config.ArchiveBackendS3:
		sink, err := storage.NewS3ArchiveSink(
			cfg.Archive.S3.Region, cfg.Archive.S3.Endpoint,
			cfg.Archive.S3.Bucket, cfg.Archive.S3.Prefix, sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 archive sink: %w", err)
		}
		return sink, nil
	default:
		sink, err := storage.NewLocalArchiveSink(cfg.DataPaths.ArchiveDir, sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local archive sink: %w", err)
		}
		return sink, nil
	}
}
