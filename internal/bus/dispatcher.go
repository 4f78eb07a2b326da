package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/statelinehq/stateline/model"
)

// Transport delivers an envelope to one fan-out channel.
type Transport interface {
	Name() string
	Publish(ctx context.Context, env model.Envelope) error
}

// Handler processes one consumed envelope.
type Handler func(ctx context.Context, env model.Envelope) error

// OutboxMarker acknowledges outbox rows whose envelope reached every
// transport. The engine's instance store implements it.
type OutboxMarker interface {
	MarkOutboxPublished(ctx context.Context, ids []string) error
}

// Dispatcher fans announced facts out to every registered transport from a
// single drain goroutine. A transport failure never blocks the others; the
// outbox poller replays anything that never made it out.
type Dispatcher struct {
	log    *zap.Logger
	marker OutboxMarker

	mu         sync.RWMutex
	transports []Transport

	ch     chan model.Envelope
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher with the given buffer size. A full
// buffer drops the fact with a log line; the dropped fact is still on the
// outbox and will be replayed by the poller.
func NewDispatcher(buf int, marker OutboxMarker, log *zap.Logger) *Dispatcher {
	if buf <= 0 {
		buf = 1024
	}
	return &Dispatcher{
		log:    log,
		marker: marker,
		ch:     make(chan model.Envelope, buf),
	}
}

// AddTransport registers a transport. Safe before or after Start.
func (d *Dispatcher) AddTransport(t Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports = append(d.transports, t)
}

// Start launches the drain goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-d.ch:
				d.publish(ctx, env)
			}
		}
	}()
}

// Stop terminates the drain goroutine. Buffered facts that were not drained
// remain on the outbox for the next run.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Announce implements engine.Announcer. Non-blocking: the caller already
// committed its change and must not stall on a slow transport.
func (d *Dispatcher) Announce(env model.Envelope) {
	select {
	case d.ch <- env:
	default:
		d.log.Warn("dispatch buffer full, fact deferred to outbox replay",
			zap.String("envelope_id", env.ID),
			zap.String("event_type", env.EventType),
		)
	}
}

// PublishSync delivers one envelope to every transport and marks its outbox
// row published when all deliveries succeed. Used by the outbox poller.
func (d *Dispatcher) PublishSync(ctx context.Context, env model.Envelope) error {
	return d.deliver(ctx, env)
}

func (d *Dispatcher) publish(ctx context.Context, env model.Envelope) {
	if err := d.deliver(ctx, env); err != nil {
		d.log.Warn("fact delivery incomplete",
			zap.String("envelope_id", env.ID),
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, env model.Envelope) error {
	d.mu.RLock()
	transports := make([]Transport, len(d.transports))
	copy(transports, d.transports)
	d.mu.RUnlock()

	var failures []error
	for _, t := range transports {
		if err := t.Publish(ctx, env); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	if len(failures) > 0 {
		return errors.Join(failures...)
	}

	if d.marker != nil && env.ID != "" {
		if err := d.marker.MarkOutboxPublished(ctx, []string{env.ID}); err != nil {
			return fmt.Errorf("mark outbox published: %w", err)
		}
	}
	return nil
}
