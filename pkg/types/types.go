// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the pilot — markets, oracle
// readings, opportunities, trade requests, risk decisions, and trades. It has
// no dependencies on internal packages, so it can be imported by any layer.
//
// All monetary fields are shopspring decimals; binary floats are never used
// for prices, sizes, or P&L. Timestamps are UTC instants.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OutcomeKind names which leg of a binary market a trade targets.
type OutcomeKind string

const (
	YES OutcomeKind = "YES"
	NO  OutcomeKind = "NO"
)

// OpportunityType classifies a detected pricing dislocation.
type OpportunityType string

const (
	OppCrossPlatform OpportunityType = "CROSS_PLATFORM"
	OppOracleLag     OpportunityType = "ORACLE_LAG"
	OppTemporal      OpportunityType = "TEMPORAL"
	OppMispricing    OpportunityType = "MISPRICING"
)

// TradeStatus is the canonical lifecycle of a trade across paper and live
// execution. Venue adapters translate venue-specific statuses into this set.
type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeApproved  TradeStatus = "APPROVED"
	TradeRejected  TradeStatus = "REJECTED"
	TradeSubmitted TradeStatus = "SUBMITTED"
	TradeFilled    TradeStatus = "FILLED"
	TradePartial   TradeStatus = "PARTIAL"
	TradeCancelled TradeStatus = "CANCELLED"
	TradeFailed    TradeStatus = "FAILED"
)

// OrderType enumerates the supported live order kinds.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderStatus is the canonical lifecycle of a live venue order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// ————————————————————————————————————————————————————————————————————————
// Markets
// ————————————————————————————————————————————————————————————————————————

// Market is a snapshot of one binary prediction market. ID is always
// "venue:external_id". YES and NO prices are independent quotes in [0,1];
// their sum deviating from 1 is the arbitrage signal, not an error.
type Market struct {
	ID        string
	Title     string
	YesPrice  decimal.Decimal
	NoPrice   decimal.Decimal
	Volume24h decimal.Decimal
	Liquidity decimal.Decimal
	UpdatedAt time.Time
}

// Venue returns the venue prefix of the market ID ("polymarket" for
// "polymarket:0x123"). Empty if the ID has no prefix.
func (m Market) Venue() string {
	return VenueOf(m.ID)
}

// VenueOf extracts the venue prefix from a "venue:external_id" market ID.
func VenueOf(marketID string) string {
	if i := strings.Index(marketID, ":"); i > 0 {
		return marketID[:i]
	}
	return ""
}

// Outcome is one leg of a multi-outcome market.
type Outcome struct {
	Name  string
	Price decimal.Decimal
}

// MultiOutcomeMarket holds an ordered set of mutually-exclusive outcomes.
// The sum of outcome prices falling below 1 is a locked-in arbitrage.
type MultiOutcomeMarket struct {
	ID        string
	Title     string
	Outcomes  []Outcome
	UpdatedAt time.Time
}

// PriceSum returns the sum of all outcome prices.
func (m MultiOutcomeMarket) PriceSum() decimal.Decimal {
	sum := decimal.Zero
	for _, o := range m.Outcomes {
		sum = sum.Add(o.Price)
	}
	return sum
}

// ArbitrageEdge returns max(0, 1 − Σ prices).
func (m MultiOutcomeMarket) ArbitrageEdge() decimal.Decimal {
	edge := decimal.NewFromInt(1).Sub(m.PriceSum())
	if edge.IsNegative() {
		return decimal.Zero
	}
	return edge
}

// ————————————————————————————————————————————————————————————————————————
// Oracles
// ————————————————————————————————————————————————————————————————————————

// OracleData is one reference-price reading from an external source.
// Timestamps are not required to be monotone per symbol; the latest-received
// reading wins in every consumer.
type OracleData struct {
	Source    string
	Symbol    string
	Value     decimal.Decimal
	Timestamp time.Time
	Metadata  map[string]string
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities
// ————————————————————————————————————————————————————————————————————————

// Opportunity is a classified pricing dislocation emitted by the scanner.
// ExpectedEdge may be negative — the sign carries direction for oracle-lag
// signals. SignalStrength is confidence in [0,1]. OracleSource is empty when
// no oracle participated. A zero ExpiresAt means no expiry.
type Opportunity struct {
	ID             string
	Type           OpportunityType
	Markets        []string
	OracleSource   string
	OracleValue    decimal.Decimal
	ExpectedEdge   decimal.Decimal
	SignalStrength decimal.Decimal
	DetectedAt     time.Time
	ExpiresAt      time.Time
	Metadata       map[string]string
}

// ————————————————————————————————————————————————————————————————————————
// Trade pipeline
// ————————————————————————————————————————————————————————————————————————
// TradeRequest → RiskDecision → Trade form an immutable per-message chain;
// each stage produces a new record referencing the prior by ID.

// TradeRequest is a sized trade produced by a strategy agent. Amount is
// notional currency units; MaxPrice is the worst acceptable fill price.
type TradeRequest struct {
	ID              string
	OpportunityID   string
	OpportunityType OpportunityType
	Strategy        string
	MarketID        string
	Side            Side
	Outcome         OutcomeKind
	Amount          decimal.Decimal
	MaxPrice        decimal.Decimal
	ExpectedEdge    decimal.Decimal
	CreatedAt       time.Time
}

// RiskDecision is the risk gate's verdict on one trade request.
// RuleTriggered names the first failing rule on rejection, empty on approval.
type RiskDecision struct {
	RequestID     string
	Approved      bool
	Reason        string
	RuleTriggered string
	DecidedAt     time.Time
}

// Trade is an executed (or rejected/failed) trade, paper or live.
type Trade struct {
	ID         string
	RequestID  string
	MarketID   string
	Venue      string
	Side       Side
	Outcome    OutcomeKind
	Amount     decimal.Decimal
	Price      decimal.Decimal
	Fees       decimal.Decimal
	Status     TradeStatus
	ExternalID string
	ExecutedAt time.Time
	FilledAt   time.Time
}

// Order is a live venue order as tracked through the adapter contract.
type Order struct {
	ID           string
	ExternalID   string
	Venue        string
	TokenID      string
	Side         Side
	OrderType    OrderType
	Amount       decimal.Decimal
	Price        decimal.Decimal
	FilledAmount decimal.Decimal
	AveragePrice decimal.Decimal
	Status       OrderStatus
	ErrorMessage string
}

// ————————————————————————————————————————————————————————————————————————
// Validation
// ————————————————————————————————————————————————————————————————————————

var one = decimal.NewFromInt(1)

// Validate checks the binary-market price invariant: both prices in [0,1].
// The sum of YES and NO is deliberately unconstrained.
func (m Market) Validate() error {
	if m.YesPrice.IsNegative() || m.YesPrice.GreaterThan(one) {
		return fmt.Errorf("market %s: yes price %s outside [0,1]", m.ID, m.YesPrice)
	}
	if m.NoPrice.IsNegative() || m.NoPrice.GreaterThan(one) {
		return fmt.Errorf("market %s: no price %s outside [0,1]", m.ID, m.NoPrice)
	}
	return nil
}

// Validate checks that every outcome price is in [0,1].
func (m MultiOutcomeMarket) Validate() error {
	for _, o := range m.Outcomes {
		if o.Price.IsNegative() || o.Price.GreaterThan(one) {
			return fmt.Errorf("market %s: outcome %q price %s outside [0,1]", m.ID, o.Name, o.Price)
		}
	}
	return nil
}
