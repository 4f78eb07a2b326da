package bus

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/statelinehq/stateline/model"
)

// JobOutboxDrain is the scheduler job name for the recurring outbox drain.
const JobOutboxDrain = "bus.outbox_drain"

// OutboxSource lists outbox rows that have not been acknowledged as
// published. The engine's instance store implements it.
type OutboxSource interface {
	PendingOutbox(ctx context.Context, limit int) ([]model.OutboxEntry, error)
}

// OutboxPoller replays outbox rows whose facts never reached the transports,
// usually because the process crashed between commit and announce or the
// dispatch buffer overflowed. Replay is at-least-once; consumer seen markers
// absorb the duplicates.
type OutboxPoller struct {
	source     OutboxSource
	dispatcher *Dispatcher
	batch      int
	log        *zap.Logger
}

// NewOutboxPoller creates an outbox poller draining up to batch rows per run.
func NewOutboxPoller(source OutboxSource, dispatcher *Dispatcher, batch int, log *zap.Logger) *OutboxPoller {
	if batch <= 0 {
		batch = 100
	}
	return &OutboxPoller{source: source, dispatcher: dispatcher, batch: batch, log: log}
}

// Drain publishes every pending outbox row synchronously. A row whose
// delivery fails stays pending and is retried on the next run.
func (p *OutboxPoller) Drain(ctx context.Context) error {
	entries, err := p.source.PendingOutbox(ctx, p.batch)
	if err != nil {
		return fmt.Errorf("bus: pending outbox: %w", err)
	}

	var published int
	for _, entry := range entries {
		if err := p.dispatcher.PublishSync(ctx, entry.Envelope); err != nil {
			p.log.Warn("outbox replay failed, row stays pending",
				zap.String("outbox_id", entry.ID),
				zap.String("event_type", entry.Envelope.EventType),
				zap.Error(err),
			)
			continue
		}
		published++
	}

	if published > 0 {
		p.log.Info("outbox drained",
			zap.Int("published", published),
			zap.Int("pending_seen", len(entries)),
		)
	}
	return nil
}

// Job adapts Drain to the scheduler handler signature.
func (p *OutboxPoller) Job(ctx context.Context, _ []byte) error {
	return p.Drain(ctx)
}
