package queue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/util/goroutine"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Options configures one consumer group over one stream.
type Options struct {
	Stream   string
	Group    string
	Consumer string

	BatchSize       int64
	Block           time.Duration
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
	// MaxDeliveries is the redelivery limit: a message still failing after
	// this many deliveries is handed to the dead-letter callback and acked.
	MaxDeliveries int64
	MaxStreamLen  int64

	// Workers sizes the handler pool. Messages fan out across it and each is
	// acked individually when its handler succeeds; zero or one keeps
	// processing sequential.
	Workers   int
	QueueSize int
}

// Publisher appends payloads to a Redis stream, trimming approximately at
// MaxStreamLen.
type Publisher struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewPublisher creates a stream publisher.
func NewPublisher(client redis.UniversalClient, stream string, maxLen int64) *Publisher {
	return &Publisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish appends one payload and returns the assigned stream id. The entry
// is durable once XADD returns; the producer may then drop its copy.
func (p *Publisher) Publish(ctx context.Context, data []byte) (string, error) {
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{payloadKey: data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", p.stream, err)
	}
	return id, nil
}

// Handler processes one payload. Returning nil acknowledges the message;
// returning an error leaves it pending for redelivery.
type Handler func(ctx context.Context, data []byte) error

// DeadLetter receives payloads that exhausted their redelivery budget or
// cannot be decoded. The message is acked after the callback returns.
type DeadLetter func(ctx context.Context, data []byte, deliveries int64, cause error)

// Consumer reads a stream through a consumer group with at-least-once
// delivery: messages are acked only after the handler succeeds, and a reclaim
// sweep re-delivers entries stranded by dead consumers.
type Consumer struct {
	client     redis.UniversalClient
	opts       Options
	handler    Handler
	deadLetter DeadLetter
	logger     *zap.SugaredLogger

	pool   *core.WorkerPool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer builds a consumer. An empty Options.Consumer gets a
// hostname-derived name so parallel workers are distinguishable in XPENDING.
func NewConsumer(client redis.UniversalClient, opts Options, handler Handler, deadLetter DeadLetter, logger *zap.SugaredLogger) *Consumer {
	if opts.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "argus"
		}
		opts.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Consumer{
		client:     client,
		opts:       opts,
		handler:    handler,
		deadLetter: deadLetter,
		logger:     logger,
	}
}

// Start creates the consumer group if needed and launches the read and
// reclaim loops.
func (c *Consumer) Start(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.opts.Stream, c.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", c.opts.Group, c.opts.Stream, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.opts.Workers > 1 {
		queueSize := c.opts.QueueSize
		if queueSize <= 0 {
			queueSize = int(c.opts.BatchSize)
		}
		c.pool = core.NewWorkerPool(runCtx, c.opts.Workers, queueSize, "consumer-"+c.opts.Stream, c.logger)
		if err := c.pool.Start(); err != nil {
			cancel()
			return err
		}
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer goroutine.Recover("queue-consumer", c.logger)
		c.readLoop(runCtx)
	}()

	if c.opts.ReclaimInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer goroutine.Recover("queue-reclaimer", c.logger)
			c.reclaimLoop(runCtx)
		}()
	}

	c.logger.Infow("Queue consumer started",
		"stream", c.opts.Stream, "group", c.opts.Group, "consumer", c.opts.Consumer,
		"workers", c.opts.Workers)
	return nil
}

// Stop terminates the loops and waits for in-flight messages. Messages left
// queued in the pool stay unacked and are redelivered on the next start.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.pool != nil {
		c.pool.Stop()
	}
}

func (c *Consumer) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.opts.Group,
			Consumer: c.opts.Consumer,
			Streams:  []string{c.opts.Stream, ">"},
			Count:    c.opts.BatchSize,
			Block:    c.opts.Block,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			c.logger.Errorw("Stream read failed, backing off", "stream", c.opts.Stream, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				c.dispatch(ctx, msg, 1)
			}
		}
	}
}

// dispatch hands a message to the worker pool, processing inline when the
// pool is absent or its queue is full. Inline processing on a full queue
// stalls the next read, which is the backpressure.
func (c *Consumer) dispatch(ctx context.Context, msg redis.XMessage, deliveries int64) {
	if c.pool != nil {
		if err := c.pool.Submit(func() { c.process(ctx, msg, deliveries) }); err == nil {
			return
		}
	}
	c.process(ctx, msg, deliveries)
}

// process runs the handler on one message, acking only on success.
func (c *Consumer) process(ctx context.Context, msg redis.XMessage, deliveries int64) {
	metrics.EventsConsumed.WithLabelValues(c.opts.Stream).Inc()

	data, ok := msg.Values[payloadKey].(string)
	if !ok {
		// Malformed entry: never processable, park and ack.
		c.quarantine(ctx, msg, nil, deliveries, fmt.Errorf("stream entry %s has no %s field", msg.ID, payloadKey))
		return
	}

	if err := c.handler(ctx, []byte(data)); err != nil {
		if deliveries >= c.opts.MaxDeliveries {
			c.quarantine(ctx, msg, []byte(data), deliveries, err)
			return
		}
		c.logger.Warnw("Message processing failed, left pending for redelivery",
			"stream", c.opts.Stream, "id", msg.ID, "deliveries", deliveries, "error", err)
		return
	}

	c.ack(ctx, msg.ID)
}

func (c *Consumer) quarantine(ctx context.Context, msg redis.XMessage, data []byte, deliveries int64, cause error) {
	if c.deadLetter != nil {
		c.deadLetter(ctx, data, deliveries, cause)
	}
	c.logger.Errorw("Message dead-lettered",
		"stream", c.opts.Stream, "id", msg.ID, "deliveries", deliveries, "cause", cause)
	c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.opts.Stream, c.opts.Group, id).Err(); err != nil && ctx.Err() == nil {
		// The message stays pending and will be redelivered; downstream
		// writes are idempotent so this only costs work, not correctness.
		c.logger.Warnw("Ack failed", "stream", c.opts.Stream, "id", id, "error", err)
	}
}

// reclaimLoop periodically takes over pending entries from consumers that
// stopped acking, so a crashed worker's in-flight messages are not stranded.
func (c *Consumer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaimOnce(ctx)
		}
	}
}

func (c *Consumer) reclaimOnce(ctx context.Context) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.opts.Stream,
		Group:  c.opts.Group,
		Idle:   c.opts.ReclaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  c.opts.BatchSize,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warnw("Pending scan failed", "stream", c.opts.Stream, "error", err)
		}
		return
	}
	if len(pending) == 0 {
		return
	}

	ids := make([]string, 0, len(pending))
	deliveriesByID := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		deliveriesByID[p.ID] = p.RetryCount
	}

	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.opts.Stream,
		Group:    c.opts.Group,
		Consumer: c.opts.Consumer,
		MinIdle:  c.opts.ReclaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warnw("Claim failed", "stream", c.opts.Stream, "error", err)
		}
		return
	}

	for _, msg := range claimed {
		metrics.QueueRedeliveries.Inc()
		deliveries := deliveriesByID[msg.ID]
		if deliveries < 1 {
			deliveries = 1
		}
		// XCLAIM bumps the delivery counter.
		c.dispatch(ctx, msg, deliveries+1)
	}
}
