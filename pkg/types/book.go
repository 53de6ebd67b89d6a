package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInsufficientLiquidity is returned by VWAP when the book side cannot
// absorb the requested size.
var ErrInsufficientLiquidity = errors.New("insufficient liquidity")

// BookLevel is a single bid or ask level in an order book.
type BookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook is a point-in-time view of one market outcome's book.
// Bids are sorted descending by price (best bid first), asks ascending
// (best ask first). Both invariants are checked by Validate.
type OrderBook struct {
	MarketID string
	Bids     []BookLevel
	Asks     []BookLevel
}

// BestBid returns the top bid. ok is false on an empty bid side.
func (b OrderBook) BestBid() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 {
		return decimal.Zero, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the top ask. ok is false on an empty ask side.
func (b OrderBook) BestAsk() (decimal.Decimal, bool) {
	if len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	return b.Asks[0].Price, true
}

// Validate checks the structural invariants: bid prices strictly descending,
// ask prices strictly ascending, and best bid ≤ best ask when both exist.
func (b OrderBook) Validate() error {
	for i := 1; i < len(b.Bids); i++ {
		if b.Bids[i].Price.GreaterThanOrEqual(b.Bids[i-1].Price) {
			return fmt.Errorf("book %s: bids not strictly descending at level %d", b.MarketID, i)
		}
	}
	for i := 1; i < len(b.Asks); i++ {
		if b.Asks[i].Price.LessThanOrEqual(b.Asks[i-1].Price) {
			return fmt.Errorf("book %s: asks not strictly ascending at level %d", b.MarketID, i)
		}
	}
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	if hasBid && hasAsk && bid.GreaterThan(ask) {
		return fmt.Errorf("book %s: best bid %s above best ask %s", b.MarketID, bid, ask)
	}
	return nil
}

// VWAP walks one side of the book for the requested size and returns the
// volume-weighted average fill price. BUY walks the asks, SELL walks the
// bids. Returns ErrInsufficientLiquidity when the side cannot absorb the
// full amount — partial fills are never priced.
func (b OrderBook) VWAP(side Side, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("vwap: non-positive amount %s", amount)
	}

	levels := b.Asks
	if side == SELL {
		levels = b.Bids
	}

	remaining := amount
	cost := decimal.Zero
	for _, lvl := range levels {
		fill := lvl.Size
		if fill.GreaterThan(remaining) {
			fill = remaining
		}
		cost = cost.Add(lvl.Price.Mul(fill))
		remaining = remaining.Sub(fill)
		if remaining.IsZero() {
			return cost.Div(amount), nil
		}
	}
	return decimal.Zero, ErrInsufficientLiquidity
}
