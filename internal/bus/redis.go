// redis.go implements Bus on Redis Streams.
//
// Each channel is one stream: Publish is XADD, grouped consumption is
// XREADGROUP with the ">" cursor, acknowledgement is XACK. Redis assigns the
// monotone message IDs and is the single ordering authority. Streams are
// capped approximately (XADD MAXLEN ~) so an unattended pilot cannot grow
// them without bound.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultMaxLen caps each stream's approximate length.
const defaultMaxLen = 100_000

// RedisBus is the Redis Streams implementation of Bus.
type RedisBus struct {
	client *redis.Client
	maxLen int64
}

// NewRedisBus connects to Redis at the given URL ("redis://host:port/db")
// and verifies the connection with a ping.
func NewRedisBus(ctx context.Context, url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBus{client: client, maxLen: defaultMaxLen}, nil
}

// Publish appends a record with XADD.
func (b *RedisBus) Publish(ctx context.Context, channel string, values map[string]string) (string, error) {
	args := make(map[string]interface{}, len(values))
	for k, v := range values {
		args[k] = v
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: channel,
		MaxLen: b.maxLen,
		Approx: true,
		Values: args,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", channel, err)
	}
	return id, nil
}

// Consume reads records after fromID without group semantics.
func (b *RedisBus) Consume(ctx context.Context, channel, fromID string, count int64, block time.Duration) ([]Message, error) {
	streams, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{channel, fromID},
		Count:   count,
		Block:   redisBlock(block),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", channel, err)
	}
	return flatten(streams), nil
}

// EnsureGroup creates the group (and the stream, via MKSTREAM) if absent.
// An already-existing group is not an error.
func (b *RedisBus) EnsureGroup(ctx context.Context, channel, group, start string) error {
	err := b.client.XGroupCreateMkStream(ctx, channel, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("ensure group %s on %s: %w", group, channel, err)
	}
	return nil
}

// ConsumeGroup reads new records for the group with XREADGROUP.
func (b *RedisBus) ConsumeGroup(ctx context.Context, channel, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{channel, ">"},
		Count:    count,
		Block:    redisBlock(block),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume group %s on %s: %w", group, channel, err)
	}
	return flatten(streams), nil
}

// Ack finalizes one record with XACK.
func (b *RedisBus) Ack(ctx context.Context, channel, group, id string) error {
	if err := b.client.XAck(ctx, channel, group, id).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", id, channel, err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

// redisBlock maps the Bus blocking contract onto go-redis, where any
// non-negative Block is sent as BLOCK and BLOCK 0 means wait forever. A
// non-blocking read therefore needs a negative value.
func redisBlock(block time.Duration) time.Duration {
	if block <= 0 {
		return -1
	}
	return block
}

// flatten converts go-redis stream results into bus messages. Non-string
// values (which Redis does not produce for XADD'd strings) are skipped.
func flatten(streams []redis.XStream) []Message {
	var out []Message
	for _, stream := range streams {
		for _, m := range stream.Messages {
			values := make(map[string]string, len(m.Values))
			for k, v := range m.Values {
				if s, ok := v.(string); ok {
					values[k] = s
				}
			}
			out = append(out, Message{ID: m.ID, Values: values})
		}
	}
	return out
}
