// Package risk implements the pre-trade risk gate.
//
// Every trade request passes an ordered rule chain; the first failing rule
// decides the rejection. The gate owns the capital state — current value,
// high-water mark, daily P&L, per-market and per-venue exposure — and
// updates it on approvals and on filled trade results. A drawdown breach
// latches the halt flag: once halted, every subsequent request is rejected
// until restart.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arbpilot/internal/bus"
	"arbpilot/pkg/types"
)

// Rule names carried in rejections, in evaluation order.
const (
	RuleSystemHalt    = "system_halt"
	RuleDrawdownHalt  = "drawdown_halt"
	RuleDailyLoss     = "daily_loss_limit"
	RulePositionLimit = "position_limit"
	RulePlatformLimit = "platform_limit"
	RuleMinimumProfit = "minimum_profit"
	RuleSlippageGuard = "slippage_guard"
)

// BookSource supplies order books for the slippage guard. A nil source or a
// nil book skips the rule.
type BookSource interface {
	Book(ctx context.Context, marketID string, outcome types.OutcomeKind) (*types.OrderBook, error)
}

// Limits are the gate's configured thresholds. Percentages are fractions.
type Limits struct {
	InitialBankroll    decimal.Decimal
	PositionLimitPct   decimal.Decimal
	PlatformLimitPct   decimal.Decimal
	DailyLossLimitPct  decimal.Decimal
	DrawdownLimitPct   decimal.Decimal
	MinProfitThreshold decimal.Decimal
}

// Gate is the risk agent.
type Gate struct {
	bus    bus.Bus
	books  BookSource
	logger *slog.Logger
	limits Limits

	mu               sync.Mutex
	halted           bool
	currentValue     decimal.Decimal
	highWaterMark    decimal.Decimal
	dailyPnL         decimal.Decimal
	lastReset        string // UTC date of the last daily reset
	positions        map[string]decimal.Decimal
	platformExposure map[string]decimal.Decimal

	now func() time.Time
}

// NewGate creates the gate with current value and high-water mark seeded at
// the initial bankroll.
func NewGate(b bus.Bus, books BookSource, limits Limits, logger *slog.Logger) *Gate {
	now := time.Now
	return &Gate{
		bus:              b,
		books:            books,
		logger:           logger.With("component", "risk-gate"),
		limits:           limits,
		currentValue:     limits.InitialBankroll,
		highWaterMark:    limits.InitialBankroll,
		lastReset:        now().UTC().Format(time.DateOnly),
		positions:        make(map[string]decimal.Decimal),
		platformExposure: make(map[string]decimal.Decimal),
		now:              now,
	}
}

func (g *Gate) Name() string { return "risk-gate" }

func (g *Gate) Subscriptions() []string {
	return []string{bus.ChanTradeRequests, bus.ChanTradeResults}
}

// Handle evaluates requests and folds filled results into the P&L state.
func (g *Gate) Handle(ctx context.Context, channel string, msg bus.Message) error {
	switch channel {
	case bus.ChanTradeRequests:
		return g.onRequest(ctx, types.TradeRequestFromRecord(msg.Values))
	case bus.ChanTradeResults:
		result := types.TradeResultFromRecord(msg.Values)
		if result.Status == types.TradeFilled {
			g.RecordPnL(result.PnL)
		}
		return nil
	default:
		return nil
	}
}

// onRequest runs the rule chain and publishes the decision. Approved
// requests are re-published verbatim on trade.approved for live execution.
func (g *Gate) onRequest(ctx context.Context, req types.TradeRequest) error {
	decision := g.Evaluate(ctx, req)
	if _, err := g.bus.Publish(ctx, bus.ChanTradeDecisions, decision.Record()); err != nil {
		return err
	}
	if decision.Approved {
		if _, err := g.bus.Publish(ctx, bus.ChanTradeApproved, req.Record()); err != nil {
			return err
		}
	}
	if decision.Approved {
		g.logger.Info("request approved", "request_id", req.ID, "market_id", req.MarketID, "amount", req.Amount.String())
	} else {
		g.logger.Info("request rejected", "request_id", req.ID, "rule", decision.RuleTriggered, "reason", decision.Reason)
	}
	return nil
}

// Evaluate runs the ordered rule chain against one request. On approval the
// market position and venue exposure are committed; a rejection changes no
// exposure state.
func (g *Gate) Evaluate(ctx context.Context, req types.TradeRequest) types.RiskDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	decision := types.RiskDecision{RequestID: req.ID, DecidedAt: g.now().UTC()}

	// 1. System halt.
	if g.halted {
		return reject(decision, RuleSystemHalt, "system is halted")
	}

	// 2. Daily reset — a date change zeroes daily P&L, never rejects.
	if today := g.now().UTC().Format(time.DateOnly); today != g.lastReset {
		g.dailyPnL = decimal.Zero
		g.lastReset = today
	}

	// 3. Drawdown halt. Breaching the floor latches the halt flag.
	floor := g.highWaterMark.Mul(decimal.NewFromInt(1).Sub(g.limits.DrawdownLimitPct))
	if g.currentValue.LessThan(floor) {
		g.halted = true
		return reject(decision, RuleDrawdownHalt,
			fmt.Sprintf("current value %s below drawdown floor %s", g.currentValue, floor))
	}

	// 4. Daily loss limit.
	if g.dailyPnL.LessThan(g.limits.InitialBankroll.Mul(g.limits.DailyLossLimitPct).Neg()) {
		return reject(decision, RuleDailyLoss,
			fmt.Sprintf("daily pnl %s beyond loss limit", g.dailyPnL))
	}

	// 5. Position limit per market.
	newPosition := g.positions[req.MarketID].Add(req.Amount)
	if newPosition.GreaterThan(g.limits.InitialBankroll.Mul(g.limits.PositionLimitPct)) {
		return reject(decision, RulePositionLimit,
			fmt.Sprintf("position %s exceeds market limit", newPosition))
	}

	// 6. Platform limit per venue.
	venueName := types.VenueOf(req.MarketID)
	newExposure := g.platformExposure[venueName].Add(req.Amount)
	if newExposure.GreaterThan(g.limits.InitialBankroll.Mul(g.limits.PlatformLimitPct)) {
		return reject(decision, RulePlatformLimit,
			fmt.Sprintf("exposure %s exceeds venue limit for %s", newExposure, venueName))
	}

	// 7. Minimum profit threshold on signed expected profit.
	if req.Amount.Mul(req.ExpectedEdge).LessThan(g.limits.MinProfitThreshold) {
		return reject(decision, RuleMinimumProfit,
			fmt.Sprintf("expected profit below %s", g.limits.MinProfitThreshold))
	}

	// 8. Slippage guard, when a book is available.
	if verdict, rejected := g.checkSlippage(ctx, req); rejected {
		return reject(decision, RuleSlippageGuard, verdict)
	}

	g.positions[req.MarketID] = newPosition
	g.platformExposure[venueName] = newExposure
	decision.Approved = true
	decision.Reason = "all checks passed"
	return decision
}

// checkSlippage compares the VWAP for the requested size against max_price.
// Fills better than max_price always pass; worse fills pass only while the
// slip stays within half the expected edge.
func (g *Gate) checkSlippage(ctx context.Context, req types.TradeRequest) (string, bool) {
	if g.books == nil {
		return "", false
	}
	book, err := g.books.Book(ctx, req.MarketID, req.Outcome)
	if err != nil {
		g.logger.Warn("order book unavailable, skipping slippage guard", "market_id", req.MarketID, "error", err)
		return "", false
	}
	if book == nil {
		return "", false
	}

	vwap, err := book.VWAP(req.Side, req.Amount)
	if err != nil {
		return "insufficient liquidity", true
	}
	slippage := vwap.Sub(req.MaxPrice)
	if req.Side == types.SELL {
		slippage = req.MaxPrice.Sub(vwap)
	}
	if slippage.LessThanOrEqual(decimal.Zero) {
		return "", false
	}
	if slippage.LessThanOrEqual(req.ExpectedEdge.Abs().Mul(decimal.RequireFromString("0.5"))) {
		return "", false
	}
	return fmt.Sprintf("slippage %s exceeds tolerance", slippage), true
}

func reject(d types.RiskDecision, rule, reason string) types.RiskDecision {
	d.Approved = false
	d.RuleTriggered = rule
	d.Reason = reason
	return d
}

// RecordPnL folds a realized delta into the capital state. The high-water
// mark only ratchets upward.
func (g *Gate) RecordPnL(delta decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.currentValue = g.currentValue.Add(delta)
	g.dailyPnL = g.dailyPnL.Add(delta)
	if g.currentValue.GreaterThan(g.highWaterMark) {
		g.highWaterMark = g.currentValue
	}
}

// GetStateSnapshot returns a defensive copy of the gate's capital state.
func (g *Gate) GetStateSnapshot() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()

	positions := make(map[string]string, len(g.positions))
	for k, v := range g.positions {
		positions[k] = v.String()
	}
	exposure := make(map[string]string, len(g.platformExposure))
	for k, v := range g.platformExposure {
		exposure[k] = v.String()
	}
	return map[string]any{
		"current_value":     g.currentValue.String(),
		"high_water_mark":   g.highWaterMark.String(),
		"daily_pnl":         g.dailyPnL.String(),
		"initial_bankroll":  g.limits.InitialBankroll.String(),
		"positions":         positions,
		"platform_exposure": exposure,
		"halted":            g.halted,
	}
}
