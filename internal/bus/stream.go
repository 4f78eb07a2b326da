package bus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/statelinehq/stateline/model"
)

// envelopeField is the stream entry field holding the encoded envelope.
const envelopeField = "envelope"

// StreamTransport appends every fact to a Redis stream, the durable ordered
// log other services tail.
type StreamTransport struct {
	client redis.Cmdable
	stream string
}

// NewStreamTransport creates the stream log transport.
func NewStreamTransport(client redis.Cmdable, stream string) *StreamTransport {
	return &StreamTransport{client: client, stream: stream}
}

// Name implements Transport.
func (t *StreamTransport) Name() string { return "stream" }

// Publish implements Transport.
func (t *StreamTransport) Publish(ctx context.Context, env model.Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	err = t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream,
		Values: map[string]any{envelopeField: string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("bus: xadd %q: %w", t.stream, err)
	}
	return nil
}

// StreamConsumer tails the stream log by polling. Each consumer tracks its
// own position and suppresses envelopes it has already processed, keyed by
// envelope id with a bounded TTL.
type StreamConsumer struct {
	client   redis.Cmdable
	stream   string
	name     string
	handler  Handler
	seenTTL  time.Duration
	interval time.Duration
	log      *zap.Logger

	mu     sync.Mutex
	lastID string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewStreamConsumer creates a named polling consumer over the stream log.
func NewStreamConsumer(client redis.Cmdable, stream, name string, handler Handler, seenTTL, interval time.Duration, log *zap.Logger) *StreamConsumer {
	if seenTTL <= 0 {
		seenTTL = time.Hour
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &StreamConsumer{
		client:   client,
		stream:   stream,
		name:     name,
		handler:  handler,
		seenTTL:  seenTTL,
		interval: interval,
		log:      log,
		lastID:   "0-0",
	}
}

// Start launches the polling loop.
func (c *StreamConsumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Poll(ctx); err != nil && ctx.Err() == nil {
					c.log.Error("stream poll failed",
						zap.String("consumer", c.name), zap.Error(err))
				}
			}
		}
	}()
}

// Stop terminates the polling loop.
func (c *StreamConsumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Poll reads entries newer than the consumer's position and handles each at
// most once. Exported so tests and manual drains can drive the consumer
// without the ticker.
func (c *StreamConsumer) Poll(ctx context.Context) error {
	c.mu.Lock()
	last := c.lastID
	c.mu.Unlock()

	entries, err := c.client.XRange(ctx, c.stream, last, "+").Result()
	if err != nil {
		return fmt.Errorf("bus: xrange %q: %w", c.stream, err)
	}

	for _, entry := range entries {
		if !streamIDAfter(entry.ID, last) {
			continue
		}

		if err := c.handleEntry(ctx, entry); err != nil {
			// Position stays put so the entry is retried next poll.
			return err
		}

		last = entry.ID
		c.mu.Lock()
		c.lastID = last
		c.mu.Unlock()
	}
	return nil
}

func (c *StreamConsumer) handleEntry(ctx context.Context, entry redis.XMessage) error {
	raw, ok := entry.Values[envelopeField].(string)
	if !ok {
		c.log.Warn("stream entry without envelope field",
			zap.String("stream", c.stream), zap.String("entry_id", entry.ID))
		return nil
	}
	env, err := Decode([]byte(raw))
	if err != nil {
		c.log.Warn("undecodable stream entry skipped",
			zap.String("stream", c.stream), zap.String("entry_id", entry.ID), zap.Error(err))
		return nil
	}

	fresh, err := c.markSeen(ctx, env.ID)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	if err := c.handler(ctx, env); err != nil {
		// Release the marker so the retry is not suppressed.
		_ = c.client.Del(ctx, c.seenKey(env.ID)).Err()
		return fmt.Errorf("bus: consumer %q handle %s: %w", c.name, env.EventType, err)
	}
	return nil
}

// markSeen claims an envelope id for this consumer. Returns false when some
// transport already delivered it.
func (c *StreamConsumer) markSeen(ctx context.Context, envID string) (bool, error) {
	if envID == "" {
		return true, nil
	}
	ok, err := c.client.SetNX(ctx, c.seenKey(envID), "1", c.seenTTL).Result()
	if err != nil {
		return false, fmt.Errorf("bus: seen marker: %w", err)
	}
	return ok, nil
}

func (c *StreamConsumer) seenKey(envID string) string {
	return fmt.Sprintf("seen:%s:%s", c.name, envID)
}

// streamIDAfter reports whether stream entry id a is strictly newer than b.
// IDs are "milliseconds-sequence" pairs.
func streamIDAfter(a, b string) bool {
	ams, aseq := parseStreamID(a)
	bms, bseq := parseStreamID(b)
	if ams != bms {
		return ams > bms
	}
	return aseq > bseq
}

func parseStreamID(id string) (ms, seq uint64) {
	parts := strings.SplitN(id, "-", 2)
	ms, _ = strconv.ParseUint(parts[0], 10, 64)
	if len(parts) == 2 {
		seq, _ = strconv.ParseUint(parts[1], 10, 64)
	}
	return ms, seq
}
