// Package executor turns approved trade requests into trades.
//
// The paper executor simulates fills and persists them through the
// repository; the live executor routes approved requests to venue adapters.
// Both publish trade.results for the allocator and the risk gate. The
// repository's unique (opportunity_id, market_id, side) constraint is the
// duplicate guard — a duplicate insert is success-but-noop and publishes
// nothing.
package executor

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arbpilot/internal/bus"
	"arbpilot/internal/store"
	"arbpilot/pkg/types"
)

// Paper-fill constants: flat fee rate and the synthetic P&L estimate. Real
// P&L requires position resolution, which paper mode does not simulate.
var (
	paperFeeRate = decimal.RequireFromString("0.001")
	paperPnLRate = decimal.RequireFromString("0.05")
)

// recentLimit bounds the snapshot's recent-trade list.
const recentLimit = 50

// Repository is the persistence surface the paper executor needs.
type Repository interface {
	InsertTrade(ctx context.Context, row store.TradeRow) (string, error)
	GetOpenTrades(ctx context.Context) ([]store.TradeRow, error)
}

// Paper simulates fills for approved requests.
type Paper struct {
	bus    bus.Bus
	repo   Repository
	logger *slog.Logger

	mu         sync.Mutex
	pending    map[string]types.TradeRequest // request_id → cached request
	recent     []store.TradeRow              // newest first, capped
	tradeCount int
}

// NewPaper creates the paper executor.
func NewPaper(b bus.Bus, repo Repository, logger *slog.Logger) *Paper {
	return &Paper{
		bus:     b,
		repo:    repo,
		logger:  logger.With("component", "paper-executor"),
		pending: make(map[string]types.TradeRequest),
	}
}

func (p *Paper) Name() string { return "paper-executor" }

func (p *Paper) Subscriptions() []string {
	return []string{bus.ChanTradeRequests, bus.ChanTradeDecisions}
}

// Start recovers state from the repository: open approved trades seed the
// trade count and the recent list. The unique constraint makes restart
// idempotent; nothing is re-executed.
func (p *Paper) Start(ctx context.Context) error {
	rows, err := p.repo.GetOpenTrades(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.tradeCount = len(rows)
	// Rows arrive oldest first; prepending in that order leaves the newest
	// at the front and the cap trims the oldest.
	for _, row := range rows {
		p.remember(row)
	}
	p.mu.Unlock()
	p.logger.Info("state recovered", "open_trades", len(rows))
	return nil
}

// Handle caches requests and acts on decisions.
func (p *Paper) Handle(ctx context.Context, channel string, msg bus.Message) error {
	switch channel {
	case bus.ChanTradeRequests:
		req := types.TradeRequestFromRecord(msg.Values)
		if req.ID == "" {
			return nil
		}
		p.mu.Lock()
		p.pending[req.ID] = req
		p.mu.Unlock()
		return nil
	case bus.ChanTradeDecisions:
		return p.onDecision(ctx, types.RiskDecisionFromRecord(msg.Values))
	default:
		return nil
	}
}

// onDecision settles one cached request. The cached entry is dropped either
// way; a decision for an unknown request is logged and skipped.
func (p *Paper) onDecision(ctx context.Context, decision types.RiskDecision) error {
	p.mu.Lock()
	req, ok := p.pending[decision.RequestID]
	delete(p.pending, decision.RequestID)
	p.mu.Unlock()
	if !ok {
		p.logger.Warn("decision for unknown request", "request_id", decision.RequestID)
		return nil
	}

	if decision.Approved {
		return p.fill(ctx, req)
	}
	return p.rejectTrade(ctx, req, decision.Reason)
}

// fill simulates execution at max_price and persists the trade.
func (p *Paper) fill(ctx context.Context, req types.TradeRequest) error {
	row := store.TradeRow{
		ID:              uuid.New().String(),
		CreatedAt:       time.Now().UTC(),
		OpportunityID:   req.OpportunityID,
		OpportunityType: string(req.OpportunityType),
		MarketID:        req.MarketID,
		Venue:           types.VenueOf(req.MarketID),
		Side:            string(req.Side),
		Outcome:         string(req.Outcome),
		Quantity:        req.Amount,
		Price:           req.MaxPrice,
		Fees:            req.Amount.Mul(paperFeeRate),
		ExpectedEdge:    req.ExpectedEdge,
		StrategyID:      nullString(req.Strategy),
		RiskApproved:    true,
		Status:          store.StatusOpen,
	}

	id, err := p.repo.InsertTrade(ctx, row)
	if err != nil {
		return err
	}
	if id == "" {
		p.logger.Info("duplicate trade skipped",
			"opportunity_id", req.OpportunityID, "market_id", req.MarketID, "side", string(req.Side))
		return nil
	}

	p.mu.Lock()
	p.tradeCount++
	p.remember(row)
	p.mu.Unlock()

	result := types.TradeResult{
		TradeID:    id,
		RequestID:  req.ID,
		MarketID:   req.MarketID,
		Strategy:   req.Strategy,
		Status:     types.TradeFilled,
		Price:      req.MaxPrice,
		Amount:     req.Amount,
		Fees:       row.Fees,
		PnL:        req.Amount.Mul(paperPnLRate),
		Paper:      true,
		ExecutedAt: time.Now().UTC(),
	}
	if _, err := p.bus.Publish(ctx, bus.ChanTradeResults, result.Record()); err != nil {
		return err
	}
	p.logger.Info("paper fill",
		"trade_id", id, "market_id", req.MarketID, "side", string(req.Side),
		"amount", req.Amount.String(), "price", req.MaxPrice.String())
	return nil
}

// rejectTrade persists the rejection and reports REJECTED.
func (p *Paper) rejectTrade(ctx context.Context, req types.TradeRequest, reason string) error {
	row := store.TradeRow{
		ID:                  uuid.New().String(),
		CreatedAt:           time.Now().UTC(),
		OpportunityID:       req.OpportunityID,
		OpportunityType:     string(req.OpportunityType),
		MarketID:            req.MarketID,
		Venue:               types.VenueOf(req.MarketID),
		Side:                string(req.Side),
		Outcome:             string(req.Outcome),
		Quantity:            req.Amount,
		Price:               req.MaxPrice,
		ExpectedEdge:        req.ExpectedEdge,
		StrategyID:          nullString(req.Strategy),
		RiskApproved:        false,
		RiskRejectionReason: nullString(reason),
		Status:              store.StatusClosed,
	}
	if _, err := p.repo.InsertTrade(ctx, row); err != nil {
		return err
	}

	result := types.TradeResult{
		RequestID:  req.ID,
		MarketID:   req.MarketID,
		Strategy:   req.Strategy,
		Status:     types.TradeRejected,
		Amount:     req.Amount,
		Paper:      true,
		Error:      reason,
		ExecutedAt: time.Now().UTC(),
	}
	if _, err := p.bus.Publish(ctx, bus.ChanTradeResults, result.Record()); err != nil {
		return err
	}
	p.logger.Info("trade rejected", "request_id", req.ID, "reason", reason)
	return nil
}

// remember prepends a row to the recent list under p.mu.
func (p *Paper) remember(row store.TradeRow) {
	p.recent = append([]store.TradeRow{row}, p.recent...)
	if len(p.recent) > recentLimit {
		p.recent = p.recent[:recentLimit]
	}
}

// GetStateSnapshot returns the trade count and a copy of the recent trades,
// newest first.
func (p *Paper) GetStateSnapshot() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	recent := make([]store.TradeRow, len(p.recent))
	copy(recent, p.recent)
	return map[string]any{
		"trade_count":   p.tradeCount,
		"recent_trades": recent,
	}
}

func nullString(s string) (ns sql.NullString) {
	if s != "" {
		ns.String = s
		ns.Valid = true
	}
	return ns
}
