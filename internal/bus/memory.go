// memory.go implements Bus as an in-process append-only log with the same
// group semantics as the Redis Streams implementation. It backs tests and
// the "memory" bus backend for local development. Durability is process
// lifetime only — the contract (ordering, grouped delivery, ack) is what is
// shared, not the persistence.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memEntry struct {
	id     string
	values map[string]string
}

type memGroup struct {
	next    int             // index of the next undelivered entry
	pending map[string]bool // delivered but not yet acked
}

type memChannel struct {
	entries []memEntry
	groups  map[string]*memGroup
}

// MemoryBus is the in-process implementation of Bus.
type MemoryBus struct {
	mu       sync.Mutex
	cond     *sync.Cond
	channels map[string]*memChannel
	seq      int64
	closed   bool
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{channels: make(map[string]*memChannel)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *MemoryBus) channel(name string) *memChannel {
	ch, ok := b.channels[name]
	if !ok {
		ch = &memChannel{groups: make(map[string]*memGroup)}
		b.channels[name] = ch
	}
	return ch
}

// Publish appends a record and wakes blocked consumers.
func (b *MemoryBus) Publish(_ context.Context, channel string, values map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", fmt.Errorf("publish %s: bus closed", channel)
	}

	b.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), b.seq)
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}

	ch := b.channel(channel)
	ch.entries = append(ch.entries, memEntry{id: id, values: copied})
	b.cond.Broadcast()
	return id, nil
}

// Consume reads records appended after fromID ("0" reads the full log).
func (b *MemoryBus) Consume(ctx context.Context, channel, fromID string, count int64, block time.Duration) ([]Message, error) {
	collect := func() []Message {
		ch, ok := b.channels[channel]
		if !ok {
			return nil
		}
		start := 0
		if fromID != StartBeginning && fromID != "" {
			for i, e := range ch.entries {
				if e.id == fromID {
					start = i + 1
					break
				}
			}
		}
		return b.slice(ch.entries, start, count)
	}
	return b.blockingRead(ctx, block, collect)
}

// EnsureGroup idempotently creates a consumer group on a channel, creating
// the channel if absent.
func (b *MemoryBus) EnsureGroup(_ context.Context, channel, group, start string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.channel(channel)
	if _, ok := ch.groups[group]; ok {
		return nil
	}
	g := &memGroup{pending: make(map[string]bool)}
	if start == StartNew {
		g.next = len(ch.entries)
	}
	ch.groups[group] = g
	return nil
}

// ConsumeGroup delivers undelivered records to the group, advancing its
// cursor so each record reaches exactly one consumer.
func (b *MemoryBus) ConsumeGroup(ctx context.Context, channel, group, _ string, count int64, block time.Duration) ([]Message, error) {
	collect := func() []Message {
		ch, ok := b.channels[channel]
		if !ok {
			return nil
		}
		g, ok := ch.groups[group]
		if !ok {
			return nil
		}
		msgs := b.slice(ch.entries, g.next, count)
		for _, m := range msgs {
			g.pending[m.ID] = true
		}
		g.next += len(msgs)
		return msgs
	}
	return b.blockingRead(ctx, block, collect)
}

// Ack finalizes a delivered record for the group.
func (b *MemoryBus) Ack(_ context.Context, channel, group, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.channels[channel]
	if !ok {
		return nil
	}
	if g, ok := ch.groups[group]; ok {
		delete(g.pending, id)
	}
	return nil
}

// Close wakes all blocked consumers and rejects further publishes.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
	return nil
}

// PendingCount reports unacked deliveries for a group. Test helper.
func (b *MemoryBus) PendingCount(channel, group string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[channel]; ok {
		if g, ok := ch.groups[group]; ok {
			return len(g.pending)
		}
	}
	return 0
}

// slice copies up to count entries starting at start. Caller holds b.mu.
func (b *MemoryBus) slice(entries []memEntry, start int, count int64) []Message {
	if start >= len(entries) {
		return nil
	}
	end := len(entries)
	if count > 0 && start+int(count) < end {
		end = start + int(count)
	}
	msgs := make([]Message, 0, end-start)
	for _, e := range entries[start:end] {
		values := make(map[string]string, len(e.values))
		for k, v := range e.values {
			values[k] = v
		}
		msgs = append(msgs, Message{ID: e.id, Values: values})
	}
	return msgs
}

// blockingRead runs collect under the lock, waiting up to block for records
// to arrive. A timer broadcast bounds the wait; context cancellation and
// Close also end it.
func (b *MemoryBus) blockingRead(ctx context.Context, block time.Duration, collect func() []Message) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	deadline := time.Now().Add(block)
	var timer *time.Timer
	if block > 0 {
		timer = time.AfterFunc(block, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		defer timer.Stop()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs := collect()
		if len(msgs) > 0 || block <= 0 || b.closed || !time.Now().Before(deadline) {
			return msgs, nil
		}
		b.cond.Wait()
	}
}
