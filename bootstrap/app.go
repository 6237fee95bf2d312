package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"argus/config"
	"argus/core"
	"argus/detect"
	"argus/enrich"
	"argus/notify"
	"argus/pipeline"
	"argus/queue"
	"argus/storage"
	"argus/util/goroutine"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App wires every component of the Argus pipeline: queue consumers, the
// normalization and enrichment hot path, the correlation engine, notification
// delivery and the retention scheduler.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Stores *Stores

	Redis            *redis.Client
	Cache            *core.RedisCache
	Pipeline         *pipeline.Pipeline
	RawConsumer      *queue.Consumer
	EnrichedConsumer *queue.Consumer

	Engine           *detect.Engine
	Notifier         *notify.Notifier
	ThreatIntel      *enrich.ThreatIntel
	PartitionManager *storage.PartitionManager

	metricsServer *http.Server
}

// NewApp creates the application and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{}

	logger, sugar, err := InitLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Argus starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	app.Stores, err = InitStores(cfg, sugar)
	if err != nil {
		return nil, err
	}

	app.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.Addr,
		Password: cfg.Queue.Password,
		DB:       cfg.Queue.DB,
		PoolSize: cfg.Queue.PoolSize,
	})
	if err := app.Redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Queue.Addr, err)
	}
	app.Cache = core.NewRedisCacheFromClient(app.Redis, sugar)

	normalizer, err := InitNormalizer(cfg, sugar)
	if err != nil {
		return nil, err
	}
	enricher, threat, err := InitEnricher(cfg, app.Cache, sugar)
	if err != nil {
		return nil, err
	}
	app.ThreatIntel = threat

	publisher := queue.NewPublisher(app.Redis, cfg.Queue.EnrichedStream, cfg.Queue.MaxStreamLen)
	app.Pipeline = pipeline.New(normalizer, enricher, app.Stores.Events, app.Stores.Quarantine, publisher, sugar)

	app.Notifier, err = notify.NewNotifier(cfg.Notifications, app.Stores.Alerts, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize notifier: %w", err)
	}
	app.Engine = detect.NewEngine(app.Stores.Rules, app.Stores.Alerts, app.Notifier, cfg.Engine, sugar)

	sink, err := InitArchiveSink(cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.PartitionManager = storage.NewPartitionManager(
		app.Stores.Partitions, app.Stores.Events, app.Stores.Alerts, sink, cfg.Retention, sugar)

	// The raw consumer carries the normalize and enrich stages, so its pool
	// is sized by the normalizer settings.
	app.RawConsumer = queue.NewConsumer(app.Redis, queue.Options{
		Stream:          cfg.Queue.RawStream,
		Group:           cfg.Queue.Group,
		Consumer:        cfg.Queue.Consumer,
		BatchSize:       int64(cfg.Queue.BatchSize),
		Block:           cfg.Queue.BlockInterval,
		ReclaimInterval: cfg.Queue.ReclaimInterval,
		ReclaimMinIdle:  cfg.Queue.ReclaimMinIdle,
		MaxDeliveries:   cfg.Queue.MaxDeliveries,
		MaxStreamLen:    cfg.Queue.MaxStreamLen,
		Workers:         cfg.Normalizer.Workers,
		QueueSize:       cfg.Normalizer.QueueSize,
	}, app.Pipeline.HandleRaw, app.Pipeline.DeadLetter, sugar)

	// The enriched consumer stays sequential: its handler only decodes and
	// hands off to the engine's own worker pool.
	app.EnrichedConsumer = queue.NewConsumer(app.Redis, queue.Options{
		Stream:          cfg.Queue.EnrichedStream,
		Group:           cfg.Queue.Group,
		Consumer:        cfg.Queue.Consumer,
		BatchSize:       int64(cfg.Queue.BatchSize),
		Block:           cfg.Queue.BlockInterval,
		ReclaimInterval: cfg.Queue.ReclaimInterval,
		ReclaimMinIdle:  cfg.Queue.ReclaimMinIdle,
		MaxDeliveries:   cfg.Queue.MaxDeliveries,
		MaxStreamLen:    cfg.Queue.MaxStreamLen,
	}, app.Engine.HandleMessage, nil, sugar)

	return app, nil
}

// Start launches all services.
func (a *App) Start(ctx context.Context) error {
	if err := a.Engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start correlation engine: %w", err)
	}
	if err := a.EnrichedConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start enriched consumer: %w", err)
	}
	if err := a.RawConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start raw consumer: %w", err)
	}

	a.PartitionManager.Start(ctx)

	if a.Config.Metrics.Enabled {
		a.startMetricsServer()
	}

	a.Sugar.Info("Argus started")
	return nil
}

func (a *App) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	a.metricsServer = &http.Server{
		Addr:              a.Config.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		defer goroutine.Recover("metrics-server", a.Sugar)
		a.Sugar.Infow("Metrics server listening", "addr", a.Config.Metrics.Addr)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("Metrics server failed", "error", err)
		}
	}()
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

// Shutdown stops everything in dependency order: intake first, then the
// engine, then the background schedulers, then storage.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	if a.RawConsumer != nil {
		a.RawConsumer.Stop()
	}
	if a.EnrichedConsumer != nil {
		a.EnrichedConsumer.Stop()
	}
	if a.Engine != nil {
		a.Engine.Stop()
	}
	if a.PartitionManager != nil {
		a.PartitionManager.Stop()
	}
	if a.ThreatIntel != nil {
		a.ThreatIntel.Stop()
	}

	if a.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.Sugar.Errorw("Failed to stop metrics server", "error", err)
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Sugar.Errorw("Failed to close Redis client", "error", err)
		}
	}
	if a.Stores != nil {
		if err := a.Stores.Events.Close(); err != nil {
			a.Sugar.Errorw("Failed to close event store", "error", err)
		}
		if err := a.Stores.DB.Close(); err != nil {
			a.Sugar.Errorw("Failed to close database", "error", err)
		}
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
