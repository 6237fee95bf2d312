package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StartupMode defines how Argus handles initialization failures.
type StartupMode string

const (
	// StartupModeStrict fails fast on any initialization error (default).
	StartupModeStrict StartupMode = "strict"
	// StartupModeGraceful starts with degraded functionality, logging warnings.
	StartupModeGraceful StartupMode = "graceful"
)

// Storage backends for enriched events.
const (
	StorageBackendSQLite     = "sqlite"
	StorageBackendClickHouse = "clickhouse"
)

// Archive backends for cold partition data.
const (
	ArchiveBackendLocal = "local"
	ArchiveBackendS3    = "s3"
)

// DataPaths holds data directory and file path configuration.
type DataPaths struct {
	// DataDir is the base data directory (ARGUS_DATA_DIR, default: ./data)
	DataDir string `mapstructure:"data_dir"`
	// SQLitePath is the SQLite database file path (default: ${DataDir}/argus.db)
	SQLitePath string `mapstructure:"sqlite_path"`
	// ArchiveDir is where local archive objects go (default: ${DataDir}/archive)
	ArchiveDir string `mapstructure:"archive_dir"`
}

// EngineSettings controls the correlation engine.
type EngineSettings struct {
	ChannelBufferSize int           `mapstructure:"channel_buffer_size"`
	WorkerCount       int           `mapstructure:"worker_count"`
	RulePollInterval  time.Duration `mapstructure:"rule_poll_interval"`
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	// MaxWindowEvents caps per-rule window state against runaway rules.
	MaxWindowEvents int `mapstructure:"max_window_events"`
	// PendingResendAfter is how long an alert may stay pending before the
	// recovery sweep resends its notification.
	PendingResendAfter   time.Duration `mapstructure:"pending_resend_after"`
	PendingSweepInterval time.Duration `mapstructure:"pending_sweep_interval"`
}

// NotificationSettings controls outbound alert delivery.
type NotificationSettings struct {
	RateLimit float64 `mapstructure:"rate_limit"` // notifications per second
	RateBurst int     `mapstructure:"rate_burst"`

	Email struct {
		Enabled  bool   `mapstructure:"enabled"`
		SMTPHost string `mapstructure:"smtp_host"`
		SMTPPort int    `mapstructure:"smtp_port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		From     string `mapstructure:"from"`
	} `mapstructure:"email"`

	Webhook struct {
		Enabled bool          `mapstructure:"enabled"`
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"webhook"`

	CircuitBreaker struct {
		MaxFailures         int `mapstructure:"max_failures"`
		TimeoutSeconds      int `mapstructure:"timeout_seconds"`
		MaxHalfOpenRequests int `mapstructure:"max_half_open_requests"`
	} `mapstructure:"circuit_breaker"`
}

// RetentionSettings controls the partition lifecycle scheduler.
type RetentionSettings struct {
	HotDays       int           `mapstructure:"hot_days"`
	ArchiveDays   int           `mapstructure:"archive_days"`
	AlertDays     int           `mapstructure:"alert_days"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	// PartitionsAhead is how many future daily partitions to pre-create.
	PartitionsAhead int `mapstructure:"partitions_ahead"`
}

// Config holds all configuration for the Argus pipeline.
type Config struct {
	StartupMode StartupMode `mapstructure:"startup_mode"`

	DataPaths DataPaths `mapstructure:"data_paths"`

	Queue struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		PoolSize int    `mapstructure:"pool_size"`

		RawStream      string `mapstructure:"raw_stream"`
		EnrichedStream string `mapstructure:"enriched_stream"`
		Group          string `mapstructure:"group"`
		Consumer       string `mapstructure:"consumer"`

		BatchSize     int           `mapstructure:"batch_size"`
		BlockInterval time.Duration `mapstructure:"block_interval"`
		// ReclaimInterval is how often pending entries of dead consumers are
		// reclaimed with XAUTOCLAIM.
		ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
		ReclaimMinIdle  time.Duration `mapstructure:"reclaim_min_idle"`
		// MaxDeliveries quarantines a message redelivered this many times.
		MaxDeliveries int64 `mapstructure:"max_deliveries"`
		MaxStreamLen  int64 `mapstructure:"max_stream_len"`
	} `mapstructure:"queue"`

	Normalizer struct {
		Workers         int    `mapstructure:"workers"`
		QueueSize       int    `mapstructure:"queue_size"`
		PatternFile     string `mapstructure:"pattern_file"`
		MaxPayloadBytes int    `mapstructure:"max_payload_bytes"`
		RegexTimeoutMs  int    `mapstructure:"regex_timeout_ms"`
	} `mapstructure:"normalizer"`

	Enricher struct {
		LookupTimeout time.Duration `mapstructure:"lookup_timeout"`

		GeoIP struct {
			Enabled bool   `mapstructure:"enabled"`
			DBPath  string `mapstructure:"db_path"`
		} `mapstructure:"geoip"`

		DNS struct {
			Enabled   bool          `mapstructure:"enabled"`
			Timeout   time.Duration `mapstructure:"timeout"`
			CacheSize int           `mapstructure:"cache_size"`
			CacheTTL  time.Duration `mapstructure:"cache_ttl"`
		} `mapstructure:"dns"`

		Threat struct {
			Enabled        bool          `mapstructure:"enabled"`
			FeedFile       string        `mapstructure:"feed_file"`
			ReloadInterval time.Duration `mapstructure:"reload_interval"`
		} `mapstructure:"threat"`
	} `mapstructure:"enricher"`

	Engine EngineSettings `mapstructure:"engine"`

	Notifications NotificationSettings `mapstructure:"notifications"`

	Retention RetentionSettings `mapstructure:"retention"`

	Storage struct {
		Backend string `mapstructure:"backend"` // sqlite or clickhouse

		ClickHouse struct {
			Addr        string `mapstructure:"addr"`
			Database    string `mapstructure:"database"`
			Username    string `mapstructure:"username"`
			Password    string `mapstructure:"password"`
			MaxPoolSize int    `mapstructure:"max_pool_size"`
			BatchSize   int    `mapstructure:"batch_size"`
			// FlushInterval bounds how long a buffered event may wait before
			// the time-based flush makes it durable.
			FlushInterval time.Duration `mapstructure:"flush_interval"`
		} `mapstructure:"clickhouse"`
	} `mapstructure:"storage"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Archive struct {
		Backend string `mapstructure:"backend"` // local or s3

		S3 struct {
			Bucket   string `mapstructure:"bucket"`
			Region   string `mapstructure:"region"`
			Prefix   string `mapstructure:"prefix"`
			Endpoint string `mapstructure:"endpoint"`
		} `mapstructure:"s3"`
	} `mapstructure:"archive"`
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("startup_mode", string(StartupModeStrict))

	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "")
	viper.SetDefault("data_paths.archive_dir", "")

	viper.SetDefault("queue.addr", "localhost:6379")
	viper.SetDefault("queue.password", "")
	viper.SetDefault("queue.db", 0)
	viper.SetDefault("queue.pool_size", 10)
	viper.SetDefault("queue.raw_stream", "argus:events:raw")
	viper.SetDefault("queue.enriched_stream", "argus:events:enriched")
	viper.SetDefault("queue.group", "argus-workers")
	viper.SetDefault("queue.consumer", "")
	viper.SetDefault("queue.batch_size", 64)
	viper.SetDefault("queue.block_interval", 2*time.Second)
	viper.SetDefault("queue.reclaim_interval", 30*time.Second)
	viper.SetDefault("queue.reclaim_min_idle", time.Minute)
	viper.SetDefault("queue.max_deliveries", 5)
	viper.SetDefault("queue.max_stream_len", 1_000_000)

	viper.SetDefault("normalizer.workers", 4)
	viper.SetDefault("normalizer.queue_size", 1000)
	viper.SetDefault("normalizer.pattern_file", "")
	viper.SetDefault("normalizer.max_payload_bytes", 1048576) // 1MB
	viper.SetDefault("normalizer.regex_timeout_ms", 500)

	viper.SetDefault("enricher.lookup_timeout", 2*time.Second)
	viper.SetDefault("enricher.geoip.enabled", true)
	viper.SetDefault("enricher.geoip.db_path", "./data/GeoLite2-City.mmdb")
	viper.SetDefault("enricher.dns.enabled", true)
	viper.SetDefault("enricher.dns.timeout", 500*time.Millisecond)
	viper.SetDefault("enricher.dns.cache_size", 10000)
	viper.SetDefault("enricher.dns.cache_ttl", time.Hour)
	viper.SetDefault("enricher.threat.enabled", true)
	viper.SetDefault("enricher.threat.feed_file", "")
	viper.SetDefault("enricher.threat.reload_interval", 15*time.Minute)

	viper.SetDefault("engine.channel_buffer_size", 1000)
	viper.SetDefault("engine.worker_count", 2)
	viper.SetDefault("engine.rule_poll_interval", 30*time.Second)
	viper.SetDefault("engine.tick_interval", 10*time.Second)
	viper.SetDefault("engine.max_window_events", 100000)
	viper.SetDefault("engine.pending_resend_after", 5*time.Minute)
	viper.SetDefault("engine.pending_sweep_interval", time.Minute)

	viper.SetDefault("notifications.rate_limit", 10.0)
	viper.SetDefault("notifications.rate_burst", 20)
	viper.SetDefault("notifications.email.enabled", false)
	viper.SetDefault("notifications.email.smtp_host", "localhost")
	viper.SetDefault("notifications.email.smtp_port", 25)
	viper.SetDefault("notifications.email.from", "argus@localhost")
	viper.SetDefault("notifications.webhook.enabled", false)
	viper.SetDefault("notifications.webhook.timeout", 10*time.Second)
	viper.SetDefault("notifications.circuit_breaker.max_failures", 5)
	viper.SetDefault("notifications.circuit_breaker.timeout_seconds", 60)
	viper.SetDefault("notifications.circuit_breaker.max_half_open_requests", 1)

	viper.SetDefault("retention.hot_days", 30)
	viper.SetDefault("retention.archive_days", 365)
	viper.SetDefault("retention.alert_days", 90)
	viper.SetDefault("retention.check_interval", time.Hour)
	viper.SetDefault("retention.partitions_ahead", 3)

	viper.SetDefault("storage.backend", StorageBackendSQLite)
	viper.SetDefault("storage.clickhouse.addr", "127.0.0.1:9000")
	viper.SetDefault("storage.clickhouse.database", "argus")
	viper.SetDefault("storage.clickhouse.username", "default")
	viper.SetDefault("storage.clickhouse.password", "")
	viper.SetDefault("storage.clickhouse.max_pool_size", 10)
	viper.SetDefault("storage.clickhouse.batch_size", 1000)
	viper.SetDefault("storage.clickhouse.flush_interval", time.Second)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.addr", ":2112")

	viper.SetDefault("archive.backend", ArchiveBackendLocal)
	viper.SetDefault("archive.s3.bucket", "")
	viper.SetDefault("archive.s3.region", "us-east-1")
	viper.SetDefault("archive.s3.prefix", "argus/archive")
	viper.SetDefault("archive.s3.endpoint", "")
}

// loadFromEnv sets up environment variable loading.
func loadFromEnv() {
	viper.SetEnvPrefix("ARGUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("startup_mode", "ARGUS_STARTUP_MODE")
	_ = viper.BindEnv("data_paths.data_dir", "ARGUS_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "ARGUS_SQLITE_PATH")
	_ = viper.BindEnv("queue.addr", "ARGUS_REDIS_ADDR")
	_ = viper.BindEnv("queue.password", "ARGUS_REDIS_PASSWORD")
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and env vars.
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	config.ResolveDataPaths()

	return &config, nil
}

// ResolveDataPaths derives unset paths from DataDir.
func (c *Config) ResolveDataPaths() {
	dataDir := c.DataPaths.DataDir
	if dataDir == "" {
		dataDir = "./data"
	}

	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(dataDir, "argus.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}

	if c.DataPaths.ArchiveDir == "" {
		c.DataPaths.ArchiveDir = filepath.Join(dataDir, "archive")
	} else if !filepath.IsAbs(c.DataPaths.ArchiveDir) {
		c.DataPaths.ArchiveDir = filepath.Clean(c.DataPaths.ArchiveDir)
	}

	c.DataPaths.DataDir = dataDir
}

// GetSQLitePath returns the resolved SQLite database path.
func (c *Config) GetSQLitePath() string {
	if c.DataPaths.SQLitePath == "" {
		return filepath.Join(c.DataPaths.DataDir, "argus.db")
	}
	return c.DataPaths.SQLitePath
}

// IsGracefulMode returns true if the startup mode is graceful.
func (c *Config) IsGracefulMode() bool {
	return c.StartupMode == StartupModeGraceful
}

// validateConfig validates the configuration for correctness.
func validateConfig(config *Config) error {
	if config.Queue.Addr == "" {
		return fmt.Errorf("queue.addr cannot be empty")
	}
	if config.Queue.BatchSize < 1 {
		return fmt.Errorf("queue.batch_size must be positive, got %d", config.Queue.BatchSize)
	}
	if config.Queue.MaxDeliveries < 1 {
		return fmt.Errorf("queue.max_deliveries must be positive, got %d", config.Queue.MaxDeliveries)
	}

	if config.Normalizer.Workers < 1 {
		return fmt.Errorf("normalizer.workers must be positive, got %d", config.Normalizer.Workers)
	}
	if config.Normalizer.MaxPayloadBytes < 1 {
		return fmt.Errorf("normalizer.max_payload_bytes must be positive, got %d", config.Normalizer.MaxPayloadBytes)
	}
	if config.Normalizer.RegexTimeoutMs < 1 || config.Normalizer.RegexTimeoutMs > 60000 {
		return fmt.Errorf("normalizer.regex_timeout_ms must be between 1 and 60000, got %d", config.Normalizer.RegexTimeoutMs)
	}

	if config.Enricher.LookupTimeout <= 0 {
		return fmt.Errorf("enricher.lookup_timeout must be positive, got %v", config.Enricher.LookupTimeout)
	}

	if config.Engine.WorkerCount < 1 {
		return fmt.Errorf("engine.worker_count must be positive, got %d", config.Engine.WorkerCount)
	}
	if config.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be positive, got %v", config.Engine.TickInterval)
	}
	if config.Engine.MaxWindowEvents < 1 {
		return fmt.Errorf("engine.max_window_events must be positive, got %d", config.Engine.MaxWindowEvents)
	}

	cb := config.Notifications.CircuitBreaker
	if cb.MaxFailures <= 0 {
		return fmt.Errorf("circuit breaker max_failures must be positive, got %d", cb.MaxFailures)
	}
	if cb.TimeoutSeconds <= 0 {
		return fmt.Errorf("circuit breaker timeout_seconds must be positive, got %d", cb.TimeoutSeconds)
	}
	if cb.MaxHalfOpenRequests <= 0 {
		return fmt.Errorf("circuit breaker max_half_open_requests must be positive, got %d", cb.MaxHalfOpenRequests)
	}

	if config.Retention.HotDays <= 0 {
		return fmt.Errorf("retention.hot_days must be positive, got %d", config.Retention.HotDays)
	}
	if config.Retention.ArchiveDays < config.Retention.HotDays {
		return fmt.Errorf("retention.archive_days (%d) must be at least retention.hot_days (%d)",
			config.Retention.ArchiveDays, config.Retention.HotDays)
	}
	if config.Retention.AlertDays <= 0 {
		return fmt.Errorf("retention.alert_days must be positive, got %d", config.Retention.AlertDays)
	}

	switch config.Storage.Backend {
	case StorageBackendSQLite:
	case StorageBackendClickHouse:
		if config.Storage.ClickHouse.Addr == "" {
			return fmt.Errorf("storage.clickhouse.addr cannot be empty when backend is clickhouse")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q (must be %s or %s)",
			config.Storage.Backend, StorageBackendSQLite, StorageBackendClickHouse)
	}

	switch config.Archive.Backend {
	case ArchiveBackendLocal:
	case ArchiveBackendS3:
		if config.Archive.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket cannot be empty when backend is s3")
		}
	default:
		return fmt.Errorf("unknown archive backend: %q (must be %s or %s)",
			config.Archive.Backend, ArchiveBackendLocal, ArchiveBackendS3)
	}

	if config.Notifications.Webhook.Enabled {
		if config.Notifications.Webhook.URL == "" {
			return fmt.Errorf("notifications.webhook.url cannot be empty when webhook is enabled")
		}
		if config.Notifications.Webhook.Timeout < time.Second || config.Notifications.Webhook.Timeout > time.Minute {
			return fmt.Errorf("notifications.webhook.timeout must be between 1s and 60s, got %v", config.Notifications.Webhook.Timeout)
		}
	}
	if config.Notifications.Email.Enabled {
		if config.Notifications.Email.SMTPHost == "" {
			return fmt.Errorf("notifications.email.smtp_host cannot be empty when email is enabled")
		}
		if config.Notifications.Email.SMTPPort < 1 || config.Notifications.Email.SMTPPort > 65535 {
			return fmt.Errorf("invalid notifications.email.smtp_port: %d", config.Notifications.Email.SMTPPort)
		}
	}

	return nil
}

// RegexTimeout returns the pattern matching timeout as a duration.
func (c *Config) RegexTimeout() time.Duration {
	if c.Normalizer.RegexTimeoutMs == 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Normalizer.RegexTimeoutMs) * time.Millisecond
}
