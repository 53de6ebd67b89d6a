package matcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"arbpilot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRegistrar records registrations.
type fakeRegistrar struct {
	mappings map[string]thresholdTuple
	events   map[string][]string
}

type thresholdTuple struct {
	symbol    string
	threshold decimal.Decimal
	direction string
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{
		mappings: make(map[string]thresholdTuple),
		events:   make(map[string][]string),
	}
}

func (f *fakeRegistrar) RegisterMarketOracleMapping(marketID, symbol string, threshold decimal.Decimal, direction string) {
	f.mappings[marketID] = thresholdTuple{symbol: symbol, threshold: threshold, direction: direction}
}

func (f *fakeRegistrar) RegisterMatchedEvent(eventID string, marketIDs []string) {
	f.events[eventID] = marketIDs
}

// fakeParser is a scripted TitleParser.
type fakeParser struct {
	answers []*ParsedTitle
	err     error
	calls   int
}

func (f *fakeParser) ParseBatch(_ context.Context, titles []string) ([]*ParsedTitle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.answers, nil
}

func market(id, title string) types.Market {
	return types.Market{ID: id, Title: title}
}

func TestRegexParsesThresholdTitles(t *testing.T) {
	t.Parallel()
	cases := []struct {
		title     string
		symbol    string
		threshold string
		direction string
	}{
		{"Will Bitcoin be above $100,000 by March?", "BTC", "100000", "above"},
		{"Will BTC reach $150,000?", "BTC", "150000", "above"},
		{"ETH over $5,000 this year", "ETH", "5000", "above"},
		{"Will Solana fall below $80?", "SOL", "80", "below"},
		{"Dogecoin under $0.10 by June", "DOGE", "0.10", "below"},
	}

	m := New(nil, testLogger())
	for _, tc := range cases {
		reg := newFakeRegistrar()
		result := m.Match(context.Background(), []types.Market{market("polymarket:m", tc.title)}, reg)
		if result.Matched != 1 {
			t.Errorf("%q: matched = %d, want 1 (failed=%d skipped=%d)", tc.title, result.Matched, result.Failed, result.Skipped)
			continue
		}
		got := reg.mappings["polymarket:m"]
		if got.symbol != tc.symbol || got.direction != tc.direction || !got.threshold.Equal(decimal.RequireFromString(tc.threshold)) {
			t.Errorf("%q: mapping = %+v", tc.title, got)
		}
		if result.Parsed[0].ParseMethod != "regex" {
			t.Errorf("%q: parse_method = %s", tc.title, result.Parsed[0].ParseMethod)
		}
	}
}

func TestNonCryptoSkippedWithoutLLM(t *testing.T) {
	t.Parallel()
	parser := &fakeParser{}
	m := New(parser, testLogger())

	result := m.Match(context.Background(), []types.Market{
		market("polymarket:pol", "Will the incumbent win the election?"),
		market("polymarket:sports", "Will the home team win the final?"),
	}, newFakeRegistrar())

	if result.Skipped != 2 {
		t.Errorf("skipped = %d, want 2", result.Skipped)
	}
	if parser.calls != 0 {
		t.Error("LLM must not be called for non-crypto titles")
	}
}

func TestLLMFallbackOnRegexFailure(t *testing.T) {
	t.Parallel()
	parser := &fakeParser{answers: []*ParsedTitle{
		{OracleSymbol: "BTC", Threshold: decimal.RequireFromString("90000"), Direction: "above"},
	}}
	m := New(parser, testLogger())

	// Crypto title with no regex-extractable threshold.
	result := m.Match(context.Background(), []types.Market{
		market("kalshi:odd", "Bitcoin to ninety thousand?"),
	}, newFakeRegistrar())

	if parser.calls != 1 {
		t.Fatalf("LLM calls = %d, want 1", parser.calls)
	}
	if result.Matched != 1 || result.Failed != 0 {
		t.Errorf("matched=%d failed=%d", result.Matched, result.Failed)
	}
	if result.Parsed[0].ParseMethod != "llm" {
		t.Errorf("parse_method = %s", result.Parsed[0].ParseMethod)
	}
}

func TestLLMNullAndErrorHandling(t *testing.T) {
	t.Parallel()

	// A null entry means no mapping for that title.
	m := New(&fakeParser{answers: []*ParsedTitle{nil}}, testLogger())
	result := m.Match(context.Background(), []types.Market{
		market("kalshi:odd", "Bitcoin to the moon?"),
	}, newFakeRegistrar())
	if result.Failed != 1 || result.Matched != 0 {
		t.Errorf("null answer: matched=%d failed=%d", result.Matched, result.Failed)
	}

	// Any parser error downgrades all pending titles to failed.
	m = New(&fakeParser{err: errors.New("timeout")}, testLogger())
	result = m.Match(context.Background(), []types.Market{
		market("kalshi:a", "Bitcoin soaring?"),
		market("kalshi:b", "Ethereum mooning?"),
	}, newFakeRegistrar())
	if result.Failed != 2 {
		t.Errorf("parser error: failed = %d, want 2", result.Failed)
	}
}

func TestCrossVenueEventGrouping(t *testing.T) {
	t.Parallel()
	m := New(nil, testLogger())
	reg := newFakeRegistrar()

	m.Match(context.Background(), []types.Market{
		market("polymarket:x", "Will BTC be above $100,000?"),
		market("kalshi:x", "Bitcoin above $100,000 by year end?"),
		market("polymarket:solo", "Will ETH be above $5,000?"),
	}, reg)

	if len(reg.events) != 1 {
		t.Fatalf("events = %d, want exactly the BTC pair", len(reg.events))
	}
	for _, ids := range reg.events {
		if len(ids) != 2 {
			t.Errorf("event members = %v", ids)
		}
	}
}

func TestSameVenueDuplicatesDoNotFormEvent(t *testing.T) {
	t.Parallel()
	m := New(nil, testLogger())
	reg := newFakeRegistrar()

	m.Match(context.Background(), []types.Market{
		market("polymarket:a", "Will BTC be above $100,000?"),
		market("polymarket:b", "Bitcoin above $100,000?"),
	}, reg)

	if len(reg.events) != 0 {
		t.Errorf("same-venue markets grouped into an event: %v", reg.events)
	}
}
