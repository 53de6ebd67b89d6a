// Package venue defines the abstract venue adapter contract and the HTTP
// adapters for the supported prediction-market venues.
//
// An Adapter owns every venue-specific concern: wire formats, price units
// (Kalshi quotes in cents), market ID composition, and order translation.
// The rest of the pilot speaks only the canonical types. Each adapter is
// owned by exactly one agent and is never shared.
package venue

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"arbpilot/pkg/types"
)

// ErrGeoBlocked marks an adapter that received HTTP 451 and is permanently
// unusable for this process. Logged once; the owning agent keeps running.
var ErrGeoBlocked = errors.New("venue geo-blocked")

// Adapter is the contract every venue implements.
type Adapter interface {
	// Name is the venue prefix used in market IDs ("polymarket:…").
	Name() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// GetMarkets returns current binary-market snapshots.
	GetMarkets(ctx context.Context) ([]types.Market, error)

	// GetMultiOutcomeMarkets returns multi-outcome snapshots. Venues without
	// multi-outcome listings return an empty slice.
	GetMultiOutcomeMarkets(ctx context.Context) ([]types.MultiOutcomeMarket, error)

	// GetOrderBook returns the book for one outcome, or nil when the venue
	// has no book for the market.
	GetOrderBook(ctx context.Context, marketID string, outcome types.OutcomeKind) (*types.OrderBook, error)

	// PlaceOrder submits a canonical trade request and returns the resulting
	// trade with venue status translated to the canonical set.
	PlaceOrder(ctx context.Context, req types.TradeRequest) (*types.Trade, error)

	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// OrderManager is the optional order-lifecycle extension.
type OrderManager interface {
	GetOrderStatus(ctx context.Context, id string) (*types.Order, error)
	CancelOrder(ctx context.Context, id string) (bool, error)
	GetOpenOrders(ctx context.Context) ([]types.Order, error)
}

// venueFees is the flat per-venue taker fee estimate used by the scanner's
// net-edge filter. Polymarket charges no trading fees; Kalshi's schedule
// averages out near 0.7% for the contract prices the pilot trades.
var venueFees = map[string]decimal.Decimal{
	"polymarket": decimal.Zero,
	"kalshi":     decimal.NewFromFloat(0.007),
}

// defaultFee covers venues without an entry in the fee table.
var defaultFee = decimal.NewFromFloat(0.005)

// FeeEstimate returns the flat fee estimate for a venue.
func FeeEstimate(venue string) decimal.Decimal {
	if fee, ok := venueFees[venue]; ok {
		return fee
	}
	return defaultFee
}
