package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbpilot/internal/agent"
	"arbpilot/internal/allocator"
	"arbpilot/internal/bus"
	"arbpilot/internal/executor"
	"arbpilot/internal/matcher"
	"arbpilot/internal/risk"
	"arbpilot/internal/scanner"
	"arbpilot/internal/strategy"
	"arbpilot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// TestPaperPipelineEndToEnd drives the full agent chain on the in-memory
// bus: an oracle reading and a stale market price become a detected
// opportunity, a sized trade request, an approved decision, and a paper fill.
func TestPaperPipelineEndToEnd(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	log := testLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scan := scanner.New(b, matcher.New(nil, log),
		[]string{"polymarket"}, []string{"coinbase"}, []string{"BTC"},
		d("0.02"), d("0.1"), log)
	scan.RegisterMarketOracleMapping("polymarket:btc-100k", "BTC", d("100000"), matcher.DirAbove)

	sniper := strategy.NewAgent(strategy.NewOracleSniper(), b,
		d("0.02"), d("0.1"), d("0.05"), d("1"), d("1000"), log)

	gate := risk.NewGate(b, nil, risk.Limits{
		InitialBankroll:    d("1000"),
		PositionLimitPct:   d("0.10"),
		PlatformLimitPct:   d("0.50"),
		DailyLossLimitPct:  d("0.10"),
		DrawdownLimitPct:   d("0.20"),
		MinProfitThreshold: d("0.05"),
	}, log)

	repo := executor.NewMemRepo()
	paper := executor.NewPaper(b, repo, log)
	alloc := allocator.New(b, []string{"oracle-sniper"}, d("1000"), d("0.1"), d("0.6"), 10, log)

	agents := []agent.Agent{scan, sniper, gate, paper, alloc}

	// Pre-create every consumer group replaying from the beginning so the
	// inputs below are delivered no matter when each runner comes up.
	for _, a := range agents {
		group := a.Name() + "-group"
		for _, ch := range append([]string{bus.ChanCommands}, a.Subscriptions()...) {
			if err := b.EnsureGroup(ctx, ch, group, bus.StartBeginning); err != nil {
				t.Fatalf("EnsureGroup %s/%s: %v", ch, group, err)
			}
		}
	}

	o := agent.NewOrchestrator(log, agent.OrchestratorOpts{GracePeriod: 2 * time.Second})
	for _, a := range agents {
		o.Add(agent.NewRunner(a, b, log))
	}
	o.Start(ctx)
	defer o.Stop()

	// BTC trades 7% over the threshold while the market still quotes 50/50.
	reading := types.OracleData{Source: "coinbase", Symbol: "BTC", Value: d("107000"), Timestamp: time.Now().UTC()}
	if _, err := b.Publish(ctx, bus.OracleChannel("coinbase", "BTC"), reading.Record()); err != nil {
		t.Fatalf("publish oracle: %v", err)
	}
	market := types.Market{ID: "polymarket:btc-100k", YesPrice: d("0.50"), NoPrice: d("0.50"), UpdatedAt: time.Now().UTC()}
	if _, err := b.Publish(ctx, bus.VenuePrices("polymarket"), market.Record()); err != nil {
		t.Fatalf("publish market: %v", err)
	}

	result := awaitFill(t, b)

	// Fair value saturates at 0.95: edge 0.45, signal 0.7. The sniper sizes
	// 1000 × 0.05 × 0.7 = 35 and fills at the stale YES price.
	if result.Strategy != "oracle-sniper" {
		t.Errorf("strategy = %s", result.Strategy)
	}
	if !result.Paper {
		t.Error("fill not flagged as paper")
	}
	if !result.Amount.Equal(d("35")) {
		t.Errorf("amount = %s, want 35", result.Amount)
	}
	if !result.Price.Equal(d("0.5")) {
		t.Errorf("price = %s, want the stale YES quote", result.Price)
	}
	if !result.PnL.Equal(d("1.75")) {
		t.Errorf("pnl = %s, want 35 × 0.05", result.PnL)
	}

	if repo.Len() != 1 {
		t.Errorf("persisted trades = %d, want 1", repo.Len())
	}
	if n := scan.Detected(); n != 1 {
		t.Errorf("detected = %d, want 1", n)
	}

	// The allocator saw the fill and the gate folded the P&L in.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats := alloc.GetStateSnapshot()["strategies"].(map[string]map[string]any)
		if stats["oracle-sniper"]["trades"].(int) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	stats := alloc.GetStateSnapshot()["strategies"].(map[string]map[string]any)
	if stats["oracle-sniper"]["trades"].(int) != 1 {
		t.Errorf("allocator trades = %v", stats["oracle-sniper"]["trades"])
	}
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if gate.GetStateSnapshot()["current_value"].(string) == "1001.75" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := gate.GetStateSnapshot()["current_value"].(string); got != "1001.75" {
		t.Errorf("current_value = %s, want 1001.75", got)
	}
}

// awaitFill polls trade.results until a FILLED record arrives.
func awaitFill(t *testing.T, b *bus.MemoryBus) types.TradeResult {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msgs, err := b.Consume(context.Background(), bus.ChanTradeResults, bus.StartBeginning, 100, 0)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		for _, m := range msgs {
			result := types.TradeResultFromRecord(m.Values)
			if result.Status == types.TradeFilled {
				return result
			}
			if result.Status == types.TradeRejected {
				t.Fatalf("pipeline rejected the trade: %s", result.Error)
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no fill observed before deadline")
	return types.TradeResult{}
}
