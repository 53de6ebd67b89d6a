// Package strategy implements the trading strategy agents.
//
// Every strategy shares one runtime shell: a bus agent subscribed to
// opportunities.detected and allocations.update. The shell filters out
// opportunities below the edge/signal floor, tracks the strategy's capital
// allocation, sizes positions, and emits trade requests. Strategies supply
// only an Evaluate function deciding side, outcome, price, and raw size.
package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arbpilot/internal/bus"
	"arbpilot/pkg/types"
)

// Sizing is the capital context passed to Evaluate.
type Sizing struct {
	Available      decimal.Decimal // total_capital × allocation_pct
	MaxPositionPct decimal.Decimal
}

// TradeParams is a strategy's verdict on one opportunity.
type TradeParams struct {
	MarketID string
	Side     types.Side
	Outcome  types.OutcomeKind
	Amount   decimal.Decimal
	MaxPrice decimal.Decimal
}

// Evaluator is the pluggable strategy core. Returning nil declines the
// opportunity.
type Evaluator interface {
	StrategyName() string
	Evaluate(opp types.Opportunity, sizing Sizing) *TradeParams
}

// Agent wraps an Evaluator in the shared strategy runtime shell.
type Agent struct {
	evaluator Evaluator
	bus       bus.Bus
	logger    *slog.Logger

	minEdge        decimal.Decimal
	minSignal      decimal.Decimal
	maxPositionPct decimal.Decimal

	mu            sync.Mutex
	allocationPct decimal.Decimal
	totalCapital  decimal.Decimal
}

// NewAgent creates the runtime shell around one evaluator. initialAlloc and
// bankroll seed the capital state until the first allocation update arrives.
func NewAgent(e Evaluator, b bus.Bus, minEdge, minSignal, maxPositionPct, initialAlloc, bankroll decimal.Decimal, logger *slog.Logger) *Agent {
	return &Agent{
		evaluator:      e,
		bus:            b,
		logger:         logger.With("component", "strategy", "strategy", e.StrategyName()),
		minEdge:        minEdge,
		minSignal:      minSignal,
		maxPositionPct: maxPositionPct,
		allocationPct:  initialAlloc,
		totalCapital:   bankroll,
	}
}

func (a *Agent) Name() string { return "strategy-" + a.evaluator.StrategyName() }

func (a *Agent) Subscriptions() []string {
	return []string{bus.ChanOpportunities, bus.ChanAllocations}
}

// Handle routes opportunities to the evaluator and allocation updates to the
// capital state.
func (a *Agent) Handle(ctx context.Context, channel string, msg bus.Message) error {
	switch channel {
	case bus.ChanAllocations:
		a.onAllocation(types.AllocationFromRecord(msg.Values))
		return nil
	case bus.ChanOpportunities:
		return a.onOpportunity(ctx, types.OpportunityFromRecord(msg.Values))
	default:
		return nil
	}
}

func (a *Agent) onAllocation(update types.AllocationUpdate) {
	if update.Strategy != a.evaluator.StrategyName() {
		return
	}
	a.mu.Lock()
	a.allocationPct = update.AllocationPct
	a.totalCapital = update.TotalCapital
	a.mu.Unlock()
	a.logger.Info("allocation updated",
		"allocation_pct", update.AllocationPct.String(),
		"total_capital", update.TotalCapital.String(),
	)
}

// onOpportunity applies the edge/signal floor, asks the evaluator, sizes the
// position, and emits a trade request.
func (a *Agent) onOpportunity(ctx context.Context, opp types.Opportunity) error {
	if opp.ExpectedEdge.Abs().LessThan(a.minEdge) || opp.SignalStrength.LessThan(a.minSignal) {
		return nil
	}

	a.mu.Lock()
	available := a.totalCapital.Mul(a.allocationPct)
	a.mu.Unlock()

	params := a.evaluator.Evaluate(opp, Sizing{Available: available, MaxPositionPct: a.maxPositionPct})
	if params == nil {
		return nil
	}

	size := params.Amount
	if cap := available.Mul(a.maxPositionPct); size.GreaterThan(cap) {
		size = cap
	}
	if !size.IsPositive() {
		return nil
	}

	// The evaluator encoded the edge's direction in side/outcome; the
	// request carries expected profit magnitude for the risk gate.
	req := types.TradeRequest{
		ID:              uuid.New().String(),
		OpportunityID:   opp.ID,
		OpportunityType: opp.Type,
		Strategy:        a.evaluator.StrategyName(),
		MarketID:        params.MarketID,
		Side:            params.Side,
		Outcome:         params.Outcome,
		Amount:          size,
		MaxPrice:        params.MaxPrice,
		ExpectedEdge:    opp.ExpectedEdge.Abs(),
		CreatedAt:       time.Now().UTC(),
	}
	if _, err := a.bus.Publish(ctx, bus.ChanTradeRequests, req.Record()); err != nil {
		return err
	}
	a.logger.Info("trade request emitted",
		"request_id", req.ID,
		"opportunity_id", opp.ID,
		"market_id", req.MarketID,
		"side", string(req.Side),
		"outcome", string(req.Outcome),
		"amount", req.Amount.String(),
	)
	return nil
}
