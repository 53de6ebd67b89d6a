// Package oracle provides reference-price feeds for the opportunity scanner.
//
// An Oracle answers point-in-time queries for a symbol; a Streamer pushes a
// continuous sequence of readings instead. The oracle agent prefers the
// stream when an oracle supports it and falls back to polling otherwise.
package oracle

import (
	"context"

	"arbpilot/pkg/types"
)

// Oracle is the polling contract.
type Oracle interface {
	// Source names the feed ("coinbase", "binance").
	Source() string

	// GetCurrent returns the latest reading for a symbol ("BTC", "ETH").
	GetCurrent(ctx context.Context, symbol string) (*types.OracleData, error)
}

// Streamer is the optional push contract. The returned channel closes when
// ctx is cancelled or the stream fails permanently.
type Streamer interface {
	Stream(ctx context.Context, symbols []string) (<-chan types.OracleData, error)
}
