package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/statelinehq/stateline/model"
)

// BroadcastTransport publishes facts on a pub/sub channel for low-latency
// peer notification. Delivery is fire-and-forget; the stream log and outbox
// carry durability.
type BroadcastTransport struct {
	client  redis.UniversalClient
	channel string
}

// NewBroadcastTransport creates the pub/sub broadcast transport.
func NewBroadcastTransport(client redis.UniversalClient, channel string) *BroadcastTransport {
	return &BroadcastTransport{client: client, channel: channel}
}

// Name implements Transport.
func (t *BroadcastTransport) Name() string { return "broadcast" }

// Publish implements Transport. A fact that itself arrived over the
// broadcast channel is never re-broadcast, which breaks the relay loop
// between peer nodes.
func (t *BroadcastTransport) Publish(ctx context.Context, env model.Envelope) error {
	if env.Origin == model.OriginBroadcast {
		return nil
	}
	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, t.channel, data).Err(); err != nil {
		return fmt.Errorf("bus: publish %q: %w", t.channel, err)
	}
	return nil
}

// BroadcastConsumer subscribes to the broadcast channel and hands each fresh
// envelope to its handler, stamped with the broadcast origin so downstream
// re-publication skips the channel.
type BroadcastConsumer struct {
	client  redis.UniversalClient
	channel string
	name    string
	handler Handler
	seenTTL time.Duration
	log     *zap.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewBroadcastConsumer creates a named broadcast subscriber.
func NewBroadcastConsumer(client redis.UniversalClient, channel, name string, handler Handler, seenTTL time.Duration, log *zap.Logger) *BroadcastConsumer {
	if seenTTL <= 0 {
		seenTTL = time.Hour
	}
	return &BroadcastConsumer{
		client:  client,
		channel: channel,
		name:    name,
		handler: handler,
		seenTTL: seenTTL,
		log:     log,
	}
}

// Start subscribes and launches the receive loop.
func (c *BroadcastConsumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	sub := c.client.Subscribe(ctx, c.channel)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.handleMessage(ctx, msg.Payload)
			}
		}
	}()
}

// Stop unsubscribes and terminates the receive loop.
func (c *BroadcastConsumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *BroadcastConsumer) handleMessage(ctx context.Context, payload string) {
	env, err := Decode([]byte(payload))
	if err != nil {
		c.log.Warn("undecodable broadcast message skipped",
			zap.String("channel", c.channel), zap.Error(err))
		return
	}

	if env.ID != "" {
		ok, err := c.client.SetNX(ctx, fmt.Sprintf("seen:%s:%s", c.name, env.ID), "1", c.seenTTL).Result()
		if err != nil {
			c.log.Error("broadcast seen marker", zap.Error(err))
			return
		}
		if !ok {
			return
		}
	}

	env.Origin = model.OriginBroadcast
	if err := c.handler(ctx, env); err != nil {
		c.log.Error("broadcast handler failed",
			zap.String("event_type", env.EventType), zap.Error(err))
	}
}
