/*
relay.go - Outbox relay: publishes stored events after their transaction commits

PURPOSE:
  Run lifecycle events are written to the outbox table in the same
  transaction as the run itself. The relay polls that table and hands the
  events to a Publisher (Kafka in production). A published event is marked
  sent; a failed one is retried later with a linear backoff capped at
  MaxBackoffSteps * RetryStep.

DELIVERY:
  At least once. Consumers deduplicate on the event_id header.
*/
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warp/payroll-engine/generic"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultBatchSize    = 50
	RetryStep           = 15 * time.Second
	MaxBackoffSteps     = 10
)

type Publisher interface {
	Publish(ctx context.Context, event generic.OutboxEvent) error
}

type Relay struct {
	store     generic.OutboxStore
	publisher Publisher
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    *zap.Logger
}

func NewRelay(store generic.OutboxStore, publisher Publisher, interval time.Duration, logger *zap.Logger) *Relay {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: DefaultBatchSize,
		now:       time.Now,
		logger:    logger.Named("outbox.relay"),
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", zap.Duration("poll_interval", r.interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			if _, err := r.ProcessPending(ctx); err != nil {
				r.logger.Error("process outbox events failed", zap.Error(err))
			}
		}
	}
}

// ProcessPending publishes one batch of due events and returns how many
// were sent.
func (r *Relay) ProcessPending(ctx context.Context) (int, error) {
	events, err := r.store.ListPendingOutbox(ctx, r.now(), r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	sent := 0
	for _, event := range events {
		if err := r.publisher.Publish(ctx, event); err != nil {
			r.logger.Error("publish outbox event failed",
				zap.String("outbox_id", event.ID),
				zap.String("event_type", event.EventType),
				zap.String("topic", event.Topic),
				zap.Int("retry_count", event.RetryCount),
				zap.Error(err),
			)
			if merr := r.store.MarkOutboxFailed(ctx, event.ID, err.Error(), r.nextRetry(event)); merr != nil {
				r.logger.Error("mark outbox failed", zap.String("outbox_id", event.ID), zap.Error(merr))
			}
			continue
		}

		if err := r.store.MarkOutboxSent(ctx, event.ID); err != nil {
			r.logger.Error("mark outbox sent failed", zap.String("outbox_id", event.ID), zap.Error(err))
			continue
		}
		sent++

		r.logger.Debug("outbox event sent",
			zap.String("outbox_id", event.ID),
			zap.String("event_type", event.EventType),
		)
	}
	return sent, nil
}

func (r *Relay) nextRetry(event generic.OutboxEvent) time.Time {
	steps := event.RetryCount + 1
	if steps > MaxBackoffSteps {
		steps = MaxBackoffSteps
	}
	return r.now().Add(time.Duration(steps) * RetryStep)
}
