package allocator

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"arbpilot/internal/bus"
	"arbpilot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestAllocator(b bus.Bus, interval int, names ...string) *Allocator {
	return New(b, names, d("1000"), d("0.1"), d("0.6"), interval, testLogger())
}

// drainAllocations returns the latest allocation per strategy.
func drainAllocations(t *testing.T, b *bus.MemoryBus) map[string]decimal.Decimal {
	t.Helper()
	msgs, err := b.Consume(context.Background(), bus.ChanAllocations, bus.StartBeginning, 100, 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	out := make(map[string]decimal.Decimal)
	for _, m := range msgs {
		update := types.AllocationFromRecord(m.Values)
		out[update.Strategy] = update.AllocationPct
	}
	return out
}

func fill(t *testing.T, a *Allocator, strategy, pnl string) {
	t.Helper()
	result := types.TradeResult{
		TradeID:  "t",
		Strategy: strategy,
		Status:   types.TradeFilled,
		PnL:      d(pnl),
	}
	if err := a.Handle(context.Background(), bus.ChanTradeResults, bus.Message{ID: "1-1", Values: result.Record()}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func TestStartPublishesEqualAllocations(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	a := newTestAllocator(b, 10, "alpha", "beta")

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	allocs := drainAllocations(t, b)
	if len(allocs) != 2 {
		t.Fatalf("allocations = %d, want 2", len(allocs))
	}
	if !allocs["alpha"].Equal(d("0.5")) || !allocs["beta"].Equal(d("0.5")) {
		t.Errorf("allocations not equal: alpha=%s beta=%s", allocs["alpha"], allocs["beta"])
	}
}

func TestRebalanceFavorsTheWinner(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	a := newTestAllocator(b, 2, "alpha", "beta")

	fill(t, a, "alpha", "50")
	if len(drainAllocations(t, b)) != 0 {
		t.Fatal("rebalance fired before the interval elapsed")
	}
	fill(t, a, "beta", "-20")

	allocs := drainAllocations(t, b)
	if len(allocs) != 2 {
		t.Fatalf("allocations = %d, want 2 after rebalance", len(allocs))
	}
	if !allocs["alpha"].GreaterThan(allocs["beta"]) {
		t.Errorf("winner not favored: alpha=%s beta=%s", allocs["alpha"], allocs["beta"])
	}
	sum := allocs["alpha"].Add(allocs["beta"])
	if sum.Sub(d("1")).Abs().GreaterThan(d("0.0000001")) {
		t.Errorf("allocations sum to %s, want 1", sum)
	}
}

func TestRebalanceEqualPerformanceStaysEqual(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	a := newTestAllocator(b, 4, "alpha", "beta")

	// Identical records: same fills, same P&L, same win rate.
	fill(t, a, "alpha", "25")
	fill(t, a, "beta", "25")
	fill(t, a, "alpha", "-5")
	fill(t, a, "beta", "-5")

	allocs := drainAllocations(t, b)
	if len(allocs) != 2 {
		t.Fatalf("allocations = %d, want 2 after rebalance", len(allocs))
	}
	if !allocs["alpha"].Equal(allocs["beta"]) {
		t.Errorf("equal performance split unevenly: alpha=%s beta=%s", allocs["alpha"], allocs["beta"])
	}
	if !allocs["alpha"].Equal(d("0.5")) {
		t.Errorf("alpha = %s, want 0.5", allocs["alpha"])
	}

	// Heavy identical losses floor both scores; the split stays even.
	for i := 0; i < 4; i++ {
		fill(t, a, "alpha", "-200")
		fill(t, a, "beta", "-200")
	}
	allocs = drainAllocations(t, b)
	if !allocs["alpha"].Equal(d("0.5")) || !allocs["beta"].Equal(d("0.5")) {
		t.Errorf("floored scores split unevenly: alpha=%s beta=%s", allocs["alpha"], allocs["beta"])
	}
}

func TestIdleStrategyKeepsExploratoryCapital(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	a := newTestAllocator(b, 2, "hot", "idle")

	fill(t, a, "hot", "200")
	fill(t, a, "hot", "200")

	allocs := drainAllocations(t, b)
	if !allocs["idle"].GreaterThanOrEqual(d("0.1")) {
		t.Errorf("idle strategy starved: %s", allocs["idle"])
	}
	if !allocs["hot"].GreaterThan(allocs["idle"]) {
		t.Errorf("hot=%s not above idle=%s", allocs["hot"], allocs["idle"])
	}
}

func TestMaxAllocationClip(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	a := newTestAllocator(b, 1, "whale", "minnow")

	// An enormous raw score must not take the whole book: the clip holds
	// the whale at max before renormalization.
	fill(t, a, "whale", "10000")

	allocs := drainAllocations(t, b)
	// Clipped to 0.6 then normalized against minnow's floor share: the
	// whale's final share stays strictly below 1 and at most 0.6/(0.6+0.1).
	limit := d("0.6").Div(d("0.7"))
	if allocs["whale"].GreaterThan(limit.Add(d("0.0000001"))) {
		t.Errorf("whale allocation %s exceeds clip-normalized limit %s", allocs["whale"], limit)
	}
}

func TestUnknownStrategyAutoRegisters(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	a := newTestAllocator(b, 1, "known")

	fill(t, a, "stranger", "10")

	allocs := drainAllocations(t, b)
	if _, ok := allocs["stranger"]; !ok {
		t.Error("strategy seen in results missing from allocations")
	}
}

func TestNonFilledResultsIgnored(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	a := newTestAllocator(b, 1, "alpha")

	result := types.TradeResult{TradeID: "t", Strategy: "alpha", Status: types.TradeRejected, PnL: d("5")}
	if err := a.Handle(context.Background(), bus.ChanTradeResults, bus.Message{ID: "1-1", Values: result.Record()}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	snap := a.GetStateSnapshot()
	if snap["trades_since_rebalance"].(int) != 0 {
		t.Error("rejected result counted toward rebalance")
	}
	stats := snap["strategies"].(map[string]map[string]any)
	if stats["alpha"]["trades"].(int) != 0 {
		t.Error("rejected result counted as a trade")
	}
}

func TestSnapshotTracksPerformance(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	a := newTestAllocator(b, 100, "alpha")

	fill(t, a, "alpha", "30")
	fill(t, a, "alpha", "-10")
	fill(t, a, "alpha", "40")

	stats := a.GetStateSnapshot()["strategies"].(map[string]map[string]any)["alpha"]
	if stats["trades"].(int) != 3 || stats["wins"].(int) != 2 || stats["losses"].(int) != 1 {
		t.Errorf("counters = %v", stats)
	}
	if stats["total_pnl"].(string) != "60" {
		t.Errorf("total_pnl = %s, want 60", stats["total_pnl"])
	}
	if stats["largest_win"].(string) != "40" {
		t.Errorf("largest_win = %s", stats["largest_win"])
	}
	if stats["largest_loss"].(string) != "-10" {
		t.Errorf("largest_loss = %s", stats["largest_loss"])
	}
}
