// live.go routes approved trade requests to real venue adapters. The live
// executor only sees trade.approved — the risk gate's post-decision channel
// — so every request arriving here has already passed the rule chain.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"arbpilot/internal/bus"
	"arbpilot/internal/venue"
	"arbpilot/pkg/types"
)

// Live places orders on venues through their adapters.
type Live struct {
	bus      bus.Bus
	adapters map[string]venue.Adapter // venue name → adapter
	logger   *slog.Logger
}

// NewLive creates the live executor over a set of connected-or-connectable
// adapters keyed by venue name.
func NewLive(b bus.Bus, adapters map[string]venue.Adapter, logger *slog.Logger) *Live {
	return &Live{
		bus:      b,
		adapters: adapters,
		logger:   logger.With("component", "live-executor"),
	}
}

func (l *Live) Name() string { return "live-executor" }

func (l *Live) Subscriptions() []string {
	return []string{bus.ChanTradeApproved}
}

// Handle places one approved request on its venue.
func (l *Live) Handle(ctx context.Context, channel string, msg bus.Message) error {
	if channel != bus.ChanTradeApproved {
		return nil
	}
	req := types.TradeRequestFromRecord(msg.Values)
	if req.ID == "" {
		return nil
	}

	trade, err := l.place(ctx, req)
	result := types.TradeResult{
		RequestID:  req.ID,
		MarketID:   req.MarketID,
		Strategy:   req.Strategy,
		Amount:     req.Amount,
		ExecutedAt: time.Now().UTC(),
	}
	if err != nil {
		result.Status = types.TradeFailed
		result.Error = err.Error()
		l.logger.Error("order placement failed", "request_id", req.ID, "market_id", req.MarketID, "error", err)
	} else {
		result.TradeID = trade.ID
		result.Status = trade.Status
		result.Price = trade.Price
		result.Fees = trade.Fees
		result.OrderID = trade.ExternalID
		result.FilledAmt = trade.Amount
		result.AvgPrice = trade.Price
		l.logger.Info("order placed",
			"request_id", req.ID, "order_id", trade.ExternalID, "status", string(trade.Status))
	}

	if _, err := l.bus.Publish(ctx, bus.ChanTradeResults, result.Record()); err != nil {
		return err
	}
	return nil
}

// place resolves the adapter from the market ID prefix and submits the order.
func (l *Live) place(ctx context.Context, req types.TradeRequest) (*types.Trade, error) {
	venueName := types.VenueOf(req.MarketID)
	adapter, ok := l.adapters[venueName]
	if !ok {
		return nil, fmt.Errorf("no adapter for venue %q", venueName)
	}
	if !adapter.IsConnected() {
		if err := adapter.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect %s: %w", venueName, err)
		}
	}
	return adapter.PlaceOrder(ctx, req)
}
