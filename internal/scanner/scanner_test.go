package scanner

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbpilot/internal/bus"
	"arbpilot/internal/matcher"
	"arbpilot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// newTestScanner uses permissive thresholds so every check fires on edge
// alone.
func newTestScanner(b bus.Bus) *Scanner {
	return New(b, matcher.New(nil, testLogger()),
		[]string{"polymarket", "kalshi"}, []string{"coinbase"}, []string{"BTC"},
		d("0.01"), d("0.01"), testLogger())
}

// drainOpportunities reads everything currently on opportunities.detected.
func drainOpportunities(t *testing.T, b *bus.MemoryBus) []types.Opportunity {
	t.Helper()
	msgs, err := b.Consume(context.Background(), bus.ChanOpportunities, bus.StartBeginning, 100, 0)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	opps := make([]types.Opportunity, 0, len(msgs))
	for _, m := range msgs {
		opps = append(opps, types.OpportunityFromRecord(m.Values))
	}
	return opps
}

func priceUpdate(t *testing.T, s *Scanner, id, yes, no string) {
	t.Helper()
	m := types.Market{ID: id, YesPrice: d(yes), NoPrice: d(no), UpdatedAt: time.Now()}
	if err := s.onPriceUpdate(context.Background(), m); err != nil {
		t.Fatalf("price update: %v", err)
	}
}

func TestSingleConditionMispricing(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	s := newTestScanner(b)

	priceUpdate(t, s, "polymarket:m1", "0.40", "0.50")

	opps := drainOpportunities(t, b)
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want exactly 1", len(opps))
	}
	opp := opps[0]
	if opp.Type != types.OppMispricing {
		t.Errorf("type = %s", opp.Type)
	}
	if opp.Metadata["arb_type"] != "single_condition" {
		t.Errorf("arb_type = %s", opp.Metadata["arb_type"])
	}
	if !opp.ExpectedEdge.Equal(d("0.10")) {
		t.Errorf("expected_edge = %s, want 0.10", opp.ExpectedEdge)
	}
	if !opp.SignalStrength.Equal(d("0.5")) {
		t.Errorf("signal = %s, want 0.5", opp.SignalStrength)
	}
}

func TestSumExactlyOneEmitsNothing(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	s := newTestScanner(b)

	priceUpdate(t, s, "polymarket:m1", "0.40", "0.60")
	if opps := drainOpportunities(t, b); len(opps) != 0 {
		t.Errorf("YES+NO = 1.0 emitted %d opportunities", len(opps))
	}
}

func TestMultiOutcomeMispricing(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	s := newTestScanner(b)

	m := types.MultiOutcomeMarket{
		ID: "polymarket:election",
		Outcomes: []types.Outcome{
			{Name: "A", Price: d("0.30")},
			{Name: "B", Price: d("0.28")},
			{Name: "C", Price: d("0.30")},
		},
	}
	if err := s.onMultiOutcome(context.Background(), m); err != nil {
		t.Fatalf("multi update: %v", err)
	}

	opps := drainOpportunities(t, b)
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}
	opp := opps[0]
	if opp.Metadata["arb_type"] != "multi_outcome" {
		t.Errorf("arb_type = %s", opp.Metadata["arb_type"])
	}
	if !opp.ExpectedEdge.Equal(d("0.12")) {
		t.Errorf("expected_edge = %s, want 0.12", opp.ExpectedEdge)
	}
	if opp.Metadata["outcome_count"] != "3" {
		t.Errorf("outcome_count = %s", opp.Metadata["outcome_count"])
	}
}

func TestOracleLagDetection(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	s := newTestScanner(b)

	s.RegisterMarketOracleMapping("polymarket:btc-above-100k", "BTC", d("100000"), matcher.DirAbove)
	reading := types.OracleData{Source: "coinbase", Symbol: "BTC", Value: d("105000"), Timestamp: time.Now()}
	if err := s.onOracleUpdate(context.Background(), reading); err != nil {
		t.Fatalf("oracle update: %v", err)
	}
	priceUpdate(t, s, "polymarket:btc-above-100k", "0.50", "0.50")

	opps := drainOpportunities(t, b)
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}
	opp := opps[0]
	if opp.Type != types.OppOracleLag {
		t.Errorf("type = %s", opp.Type)
	}
	if !opp.ExpectedEdge.GreaterThan(d("0.40")) {
		t.Errorf("expected_edge = %s, want > 0.40", opp.ExpectedEdge)
	}
	if opp.OracleSource != "coinbase" || !opp.OracleValue.Equal(d("105000")) {
		t.Errorf("oracle fields: source=%s value=%s", opp.OracleSource, opp.OracleValue)
	}
	if opp.Metadata["current_yes"] != "0.5" {
		t.Errorf("current_yes = %s", opp.Metadata["current_yes"])
	}
}

func TestOracleUpdateRechecksMappedMarkets(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	s := newTestScanner(b)

	s.RegisterMarketOracleMapping("polymarket:btc-above-100k", "BTC", d("100000"), matcher.DirAbove)
	// Market arrives first, before any oracle reading: no lag check possible.
	priceUpdate(t, s, "polymarket:btc-above-100k", "0.50", "0.50")
	if opps := drainOpportunities(t, b); len(opps) != 0 {
		t.Fatalf("lag emitted without an oracle reading")
	}

	// The reading triggers a re-check of the cached market.
	reading := types.OracleData{Source: "coinbase", Symbol: "BTC", Value: d("120000"), Timestamp: time.Now()}
	if err := s.onOracleUpdate(context.Background(), reading); err != nil {
		t.Fatalf("oracle update: %v", err)
	}
	opps := drainOpportunities(t, b)
	if len(opps) != 1 || opps[0].Type != types.OppOracleLag {
		t.Fatalf("re-check emitted %d opportunities", len(opps))
	}
}

func TestCrossPlatformDetection(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	s := newTestScanner(b)

	s.RegisterMatchedEvent("E", []string{"polymarket:x", "kalshi:x"})
	priceUpdate(t, s, "polymarket:x", "0.60", "0.40")
	drainOpportunities(t, b) // only one leg cached yet; nothing relevant
	priceUpdate(t, s, "kalshi:x", "0.52", "0.48")

	var cross *types.Opportunity
	for _, opp := range drainOpportunities(t, b) {
		if opp.Type == types.OppCrossPlatform {
			o := opp
			cross = &o
		}
	}
	if cross == nil {
		t.Fatal("no CROSS_PLATFORM opportunity emitted")
	}
	if !cross.ExpectedEdge.Equal(d("0.08")) {
		t.Errorf("expected_edge = %s, want 0.08", cross.ExpectedEdge)
	}
	if cross.Metadata["buy_yes_venue"] != "kalshi" {
		t.Errorf("buy_yes_venue = %s", cross.Metadata["buy_yes_venue"])
	}
	if cross.Metadata["buy_no_venue"] != "polymarket" {
		t.Errorf("buy_no_venue = %s", cross.Metadata["buy_no_venue"])
	}
}

func TestFairValueShape(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		oracle     string
		threshold  string
		direction  string
		wantFair   string
		wantSignal string
	}{
		{"far above, condition met", "120000", "100000", matcher.DirAbove, "0.95", "1"},
		{"at ramp boundary", "105000", "100000", matcher.DirAbove, "1", "0.5"},
		{"inside ramp, met", "102000", "100000", matcher.DirAbove, "0.7", "0.2"},
		{"exactly at threshold", "100000", "100000", matcher.DirAbove, "0.5", "0"},
		{"inside ramp, not met", "98000", "100000", matcher.DirAbove, "0.3", "0.2"},
		{"far below, not met", "80000", "100000", matcher.DirAbove, "0.05", "1"},
		{"below direction met", "80000", "100000", matcher.DirBelow, "0.95", "1"},
	}
	for _, tc := range cases {
		fair, signal := FairValue(d(tc.oracle), d(tc.threshold), tc.direction)
		if !fair.Equal(d(tc.wantFair)) {
			t.Errorf("%s: fair = %s, want %s", tc.name, fair, tc.wantFair)
		}
		if !signal.Equal(d(tc.wantSignal)) {
			t.Errorf("%s: signal = %s, want %s", tc.name, signal, tc.wantSignal)
		}
	}
}

func TestNetEdgeFilterChargesVenueFees(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	// min_edge 0.02: a 0.025 gross edge on kalshi nets 0.018 and is dropped;
	// the same edge on polymarket (zero fee) passes.
	s := New(b, matcher.New(nil, testLogger()),
		[]string{"polymarket", "kalshi"}, nil, nil,
		d("0.02"), d("0.01"), testLogger())

	priceUpdate(t, s, "kalshi:m", "0.475", "0.50")
	if opps := drainOpportunities(t, b); len(opps) != 0 {
		t.Errorf("kalshi fee should filter the thin edge, got %d", len(opps))
	}
	priceUpdate(t, s, "polymarket:m", "0.475", "0.50")
	if opps := drainOpportunities(t, b); len(opps) != 1 {
		t.Errorf("polymarket edge should pass, got %d", len(opps))
	}
}

func TestHandleDispatchesByChannel(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	s := newTestScanner(b)

	m := types.Market{ID: "polymarket:m1", YesPrice: d("0.40"), NoPrice: d("0.50")}
	msg := bus.Message{ID: "1-1", Values: m.Record()}
	if err := s.Handle(context.Background(), bus.VenuePrices("polymarket"), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if opps := drainOpportunities(t, b); len(opps) != 1 {
		t.Errorf("dispatch missed: %d opportunities", len(opps))
	}
}
