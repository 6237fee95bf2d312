package pipeline

import (
	"context"
	"time"

	"argus/core"
	"argus/enrich"
	"argus/metrics"
	"argus/normalize"
	"argus/queue"
	"argus/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// deadLetterNamespace derives stable ids for payloads that cannot even be
// decoded, so parking the same poison message twice stays idempotent.
var deadLetterNamespace = uuid.MustParse("4c1f2c5a-8f7e-4d0a-9f3b-2e6d1a0c7b41")

// Pipeline is the hot path: raw event in, enriched event durable and
// published out. It is used as the handler of the raw-stream consumer, so a
// nil return acks the message. Every write it performs is idempotent, which
// is what makes the ack-after-write contract safe under redelivery.
type Pipeline struct {
	normalizer *normalize.Normalizer
	enricher   *enrich.Enricher
	events     storage.EventStore
	quarantine storage.QuarantineStore
	publisher  *queue.Publisher
	logger     *zap.SugaredLogger
}

// New wires the pipeline stages.
func New(normalizer *normalize.Normalizer, enricher *enrich.Enricher, events storage.EventStore,
	quarantine storage.QuarantineStore, publisher *queue.Publisher, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		normalizer: normalizer,
		enricher:   enricher,
		events:     events,
		quarantine: quarantine,
		publisher:  publisher,
		logger:     logger,
	}
}

// HandleRaw processes one raw-stream payload end to end. A non-nil return
// leaves the message pending for redelivery; unprocessable events are parked
// in quarantine and acked instead, so poison input cannot wedge the stream.
func (p *Pipeline) HandleRaw(ctx context.Context, data []byte) error {
	start := time.Now()

	raw, err := queue.DecodeRaw(data)
	if err != nil {
		// Decoding is deterministic: retrying cannot help. Let the delivery
		// budget run out and the dead-letter callback park it.
		return err
	}

	event, quarantined := p.normalizer.Normalize(*raw)
	if quarantined != nil {
		if err := p.quarantine.Add(ctx, quarantined); err != nil {
			return err
		}
		p.logger.Warnw("Event quarantined",
			"raw_id", raw.ID, "reason", quarantined.Reason, "error", quarantined.ErrorMessage)
		return nil
	}

	enriched := p.enricher.Enrich(ctx, event)

	if err := p.events.InsertEnriched(ctx, enriched); err != nil {
		return err
	}
	// A nil return acks the raw message, so a buffering backend must drain
	// before we report success.
	if err := p.events.Flush(ctx); err != nil {
		return err
	}

	encoded, err := queue.EncodeEnriched(enriched)
	if err != nil {
		return err
	}
	if _, err := p.publisher.Publish(ctx, encoded); err != nil {
		return err
	}

	metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	return nil
}

// DeadLetter parks a raw-stream payload that exhausted its delivery budget.
// Used as the consumer's dead-letter callback; the message is acked after
// this returns, so parking failures are logged rather than retried.
func (p *Pipeline) DeadLetter(ctx context.Context, data []byte, deliveries int64, cause error) {
	raw := core.RawEvent{
		ID:         uuid.NewSHA1(deadLetterNamespace, data).String(),
		ReceivedAt: time.Now().UTC(),
		Source:     "unknown",
		Payload:    string(data),
	}
	if decoded, err := queue.DecodeRaw(data); err == nil {
		raw = *decoded
	}

	q := core.NewQuarantinedEvent(raw, core.QuarantineReasonDeadLetter, cause)
	q.RetryCount = int(deliveries)
	if err := p.quarantine.Add(ctx, q); err != nil {
		p.logger.Errorw("Failed to park dead-lettered event, payload dropped",
			"raw_id", raw.ID, "deliveries", deliveries, "cause", cause, "error", err)
		return
	}
	metrics.EventsQuarantined.WithLabelValues(core.QuarantineReasonDeadLetter).Inc()
}
