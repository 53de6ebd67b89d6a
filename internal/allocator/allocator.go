// Package allocator implements tournament-style capital allocation across
// strategies.
//
// Filled trade results accumulate into per-strategy performance counters;
// every rebalance_interval fills, allocations are recomputed from a score
// that blends P&L with win rate, clipped to [min, max] and normalized to
// sum to 1. The 0.1 score floor keeps losing and brand-new strategies in
// the tournament with exploratory capital.
package allocator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arbpilot/internal/bus"
	"arbpilot/pkg/types"
)

var (
	scoreFloor   = decimal.RequireFromString("0.1")
	winRateBonus = decimal.RequireFromString("0.5")
	hundred      = decimal.NewFromInt(100)
	one          = decimal.NewFromInt(1)
)

// perf is one strategy's running performance.
type perf struct {
	TotalPnL    decimal.Decimal
	Trades      int
	Wins        int
	Losses      int
	LargestWin  decimal.Decimal
	LargestLoss decimal.Decimal
}

// Allocator is the capital allocation agent.
type Allocator struct {
	bus    bus.Bus
	logger *slog.Logger

	totalCapital      decimal.Decimal
	minAllocation     decimal.Decimal
	maxAllocation     decimal.Decimal
	rebalanceInterval int

	mu          sync.Mutex
	strategies  map[string]*perf
	allocations map[string]decimal.Decimal
	sinceRebal  int
}

// New creates an allocator. strategyNames seeds the tournament so every
// registered strategy receives an allocation even before its first fill.
func New(b bus.Bus, strategyNames []string, totalCapital, minAlloc, maxAlloc decimal.Decimal, rebalanceInterval int, logger *slog.Logger) *Allocator {
	a := &Allocator{
		bus:               b,
		logger:            logger.With("component", "allocator"),
		totalCapital:      totalCapital,
		minAllocation:     minAlloc,
		maxAllocation:     maxAlloc,
		rebalanceInterval: rebalanceInterval,
		strategies:        make(map[string]*perf),
		allocations:       make(map[string]decimal.Decimal),
	}
	for _, name := range strategyNames {
		a.strategies[name] = &perf{}
	}
	if n := len(strategyNames); n > 0 {
		equal := one.Div(decimal.NewFromInt(int64(n)))
		for _, name := range strategyNames {
			a.allocations[name] = equal
		}
	}
	return a
}

func (a *Allocator) Name() string { return "allocator" }

func (a *Allocator) Subscriptions() []string {
	return []string{bus.ChanTradeResults}
}

// Start publishes the initial equal allocations so strategies have capital
// before the first rebalance.
func (a *Allocator) Start(ctx context.Context) error {
	return a.publishAllocations(ctx)
}

// Handle folds filled results into the performance map and triggers a
// rebalance at the configured cadence.
func (a *Allocator) Handle(ctx context.Context, channel string, msg bus.Message) error {
	if channel != bus.ChanTradeResults {
		return nil
	}
	result := types.TradeResultFromRecord(msg.Values)
	if result.Status != types.TradeFilled || result.Strategy == "" {
		return nil
	}

	a.mu.Lock()
	p, ok := a.strategies[result.Strategy]
	if !ok {
		p = &perf{}
		a.strategies[result.Strategy] = p
	}
	p.TotalPnL = p.TotalPnL.Add(result.PnL)
	p.Trades++
	switch {
	case result.PnL.IsPositive():
		p.Wins++
		if result.PnL.GreaterThan(p.LargestWin) {
			p.LargestWin = result.PnL
		}
	case result.PnL.IsNegative():
		p.Losses++
		if result.PnL.LessThan(p.LargestLoss) {
			p.LargestLoss = result.PnL
		}
	}
	a.sinceRebal++
	rebalance := a.sinceRebal >= a.rebalanceInterval
	if rebalance {
		a.sinceRebal = 0
		a.recompute()
	}
	a.mu.Unlock()

	if rebalance {
		return a.publishAllocations(ctx)
	}
	return nil
}

// recompute rebuilds the allocation map from scores. Caller holds a.mu.
func (a *Allocator) recompute() {
	scores := make(map[string]decimal.Decimal, len(a.strategies))
	total := decimal.Zero
	for name, p := range a.strategies {
		score := scoreFloor
		if p.Trades > 0 {
			pnlScore := p.TotalPnL.Div(hundred).Add(one)
			if pnlScore.IsNegative() {
				pnlScore = decimal.Zero
			}
			bonus := decimal.NewFromInt(int64(p.Wins)).
				Div(decimal.NewFromInt(int64(p.Trades))).
				Mul(winRateBonus)
			if s := pnlScore.Add(bonus); s.GreaterThan(scoreFloor) {
				score = s
			}
		}
		scores[name] = score
		total = total.Add(score)
	}

	if !total.IsPositive() {
		equal := one.Div(decimal.NewFromInt(int64(len(a.strategies))))
		for name := range a.strategies {
			a.allocations[name] = equal
		}
		return
	}

	clippedTotal := decimal.Zero
	clipped := make(map[string]decimal.Decimal, len(scores))
	for name, score := range scores {
		raw := score.Div(total)
		if raw.LessThan(a.minAllocation) {
			raw = a.minAllocation
		}
		if raw.GreaterThan(a.maxAllocation) {
			raw = a.maxAllocation
		}
		clipped[name] = raw
		clippedTotal = clippedTotal.Add(raw)
	}
	for name, raw := range clipped {
		a.allocations[name] = raw.Div(clippedTotal)
	}
}

// publishAllocations emits one allocations.update record per strategy.
func (a *Allocator) publishAllocations(ctx context.Context) error {
	a.mu.Lock()
	updates := make([]types.AllocationUpdate, 0, len(a.allocations))
	for name, pct := range a.allocations {
		updates = append(updates, types.AllocationUpdate{
			Strategy:      name,
			AllocationPct: pct,
			TotalCapital:  a.totalCapital,
			UpdatedAt:     time.Now().UTC(),
		})
	}
	a.mu.Unlock()

	for _, update := range updates {
		if _, err := a.bus.Publish(ctx, bus.ChanAllocations, update.Record()); err != nil {
			return err
		}
		a.logger.Info("allocation published",
			"strategy", update.Strategy, "allocation_pct", update.AllocationPct.String())
	}
	return nil
}

// GetStateSnapshot returns a defensive copy of the tournament state.
func (a *Allocator) GetStateSnapshot() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()

	strategies := make(map[string]map[string]any, len(a.strategies))
	for name, p := range a.strategies {
		strategies[name] = map[string]any{
			"total_pnl":      p.TotalPnL.String(),
			"trades":         p.Trades,
			"wins":           p.Wins,
			"losses":         p.Losses,
			"largest_win":    p.LargestWin.String(),
			"largest_loss":   p.LargestLoss.String(),
			"allocation_pct": a.allocations[name].String(),
		}
	}
	return map[string]any{
		"total_capital":          a.totalCapital.String(),
		"strategies":             strategies,
		"trades_since_rebalance": a.sinceRebal,
	}
}
