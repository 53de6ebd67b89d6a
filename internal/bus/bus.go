// Package bus provides the durable message bus underpinning all inter-agent
// communication.
//
// A channel is an append-only, ordered log of flat string→string records.
// Within one channel producers see FIFO order; across channels no ordering is
// guaranteed. Grouped consumption delivers each record to exactly one
// consumer per group with explicit acknowledgement — at-least-once delivery,
// so consumers must be idempotent at the application layer.
//
// Two implementations share the contract: RedisBus on Redis Streams for the
// pilot process, and MemoryBus for tests and local development without Redis.
package bus

import (
	"context"
	"time"
)

// Channel names are contracts shared with every agent.
const (
	ChanOpportunities  = "opportunities.detected"
	ChanTradeRequests  = "trade.requests"
	ChanTradeDecisions = "trade.decisions"
	ChanTradeApproved  = "trade.approved"
	ChanTradeResults   = "trade.results"
	ChanAllocations    = "allocations.update"
	ChanCommands       = "system.commands"
)

// CmdHaltAll orders every agent to stop at its next tick.
const CmdHaltAll = "HALT_ALL"

// Group start positions. StartNew delivers only records appended after group
// creation; StartBeginning replays the full log.
const (
	StartNew       = "$"
	StartBeginning = "0"
)

// VenuePrices returns the per-venue price update channel.
func VenuePrices(venue string) string { return "venue." + venue + ".prices" }

// VenueMarkets returns the per-venue bounded roster channel.
func VenueMarkets(venue string) string { return "venue." + venue + ".markets" }

// VenueMulti returns the per-venue multi-outcome market channel.
func VenueMulti(venue string) string { return "venue." + venue + ".multi" }

// OracleChannel returns the per-source, per-symbol oracle channel.
func OracleChannel(source, symbol string) string {
	return "oracle." + source + "." + symbol
}

// Message is one delivered record with its bus-assigned ID.
type Message struct {
	ID     string
	Values map[string]string
}

// Bus is the durable channel contract. The bus is the single ordering
// authority per channel.
type Bus interface {
	// Publish atomically appends a record and returns its message ID.
	Publish(ctx context.Context, channel string, values map[string]string) (string, error)

	// Consume reads records without group semantics, starting after fromID
	// ("0" for the full log). Blocks up to block when the channel is empty;
	// block <= 0 returns immediately.
	Consume(ctx context.Context, channel, fromID string, count int64, block time.Duration) ([]Message, error)

	// EnsureGroup idempotently creates a consumer group, creating the
	// channel if absent. start is StartNew or StartBeginning.
	EnsureGroup(ctx context.Context, channel, group, start string) error

	// ConsumeGroup reads up to count new records for the group; each record
	// is delivered to exactly one consumer in the group. Blocks up to block
	// when nothing is pending; block <= 0 returns immediately.
	ConsumeGroup(ctx context.Context, channel, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// Ack finalizes processing of one record for the group.
	Ack(ctx context.Context, channel, group, id string) error

	Close() error
}

// PublishCommand publishes an operator command on system.commands. Extra
// fields ride alongside the command name.
func PublishCommand(ctx context.Context, b Bus, cmd string, fields map[string]string) (string, error) {
	values := map[string]string{"command": cmd}
	for k, v := range fields {
		values[k] = v
	}
	values["issued_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	return b.Publish(ctx, ChanCommands, values)
}
