package streams

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer reads envelopes from a stream through a consumer group.
type Consumer struct {
	client   redis.Cmdable
	registry *SchemaRegistry
	group    string
	name     string
	logger   *log.Logger
}

// Message is a decoded stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

func NewConsumer(client redis.Cmdable, registry *SchemaRegistry, group, name string, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.Default()
	}
	return &Consumer{client: client, registry: registry, group: group, name: name, logger: logger}
}

// EnsureGroup creates the consumer group, and the stream if missing.
func EnsureGroup(ctx context.Context, client redis.Cmdable, stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Read blocks up to block for at most count new entries.
func (c *Consumer) Read(ctx context.Context, stream string, count int64, block time.Duration) ([]Message, error) {
	if err := c.check(stream); err != nil {
		return nil, err
	}
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Message
	for _, st := range res {
		for _, msg := range st.Messages {
			if m, ok := c.decode(ctx, stream, msg); ok {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// Ack acknowledges processed entries.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// AutoClaim takes over entries idle for longer than minIdle. The returned
// cursor continues the scan; "0-0" means the pending list was exhausted.
func (c *Consumer) AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	if err := c.check(stream); err != nil {
		return nil, "", err
	}
	if start == "" {
		start = "0-0"
	}
	msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim: %w", err)
	}
	var out []Message
	for _, msg := range msgs {
		if m, ok := c.decode(ctx, stream, msg); ok {
			out = append(out, m)
		}
	}
	return out, next, nil
}

// Lag reports pending and lag counts for the consumer's group.
func (c *Consumer) Lag(ctx context.Context, stream string) (LagMetrics, error) {
	return GroupLag(ctx, c.client, stream, c.group)
}

func (c *Consumer) check(stream string) error {
	if stream == "" {
		return fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return fmt.Errorf("consumer group and name must be configured")
	}
	return nil
}

// decode parses an entry. Entries that can never be processed are acked
// and dropped so they do not cycle through the pending list.
func (c *Consumer) decode(ctx context.Context, stream string, msg redis.XMessage) (Message, bool) {
	drop := func(eventType string, err error) (Message, bool) {
		c.logger.Printf("warn: dropping stream entry %s: %v", msg.ID, err)
		recordRejected(ctx, eventType, "consume")
		if ackErr := c.client.XAck(ctx, stream, c.group, msg.ID).Err(); ackErr != nil {
			c.logger.Printf("warn: ack dropped entry %s: %v", msg.ID, ackErr)
		}
		return Message{}, false
	}

	var raw []byte
	switch v := msg.Values["envelope"].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return drop("", fmt.Errorf("missing envelope field"))
	}
	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		return drop("", err)
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return drop(env.EventType, err)
		}
	}
	recordConsumed(ctx, env.EventType)
	return Message{ID: msg.ID, Envelope: env}, true
}
