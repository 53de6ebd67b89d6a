// Package scanner implements the opportunity detection engine.
//
// The scanner subscribes to every venue price, roster, multi-outcome, and
// oracle channel and maintains in-memory indices of current state. Each
// price or oracle update triggers the detection checks relevant to it:
// single-condition mispricing, oracle lag against the fair-value model, and
// cross-platform spread across matched events. Detected opportunities are
// published on opportunities.detected with gross edge; a net-edge filter
// (gross minus flat venue fees) gates publication.
package scanner

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arbpilot/internal/bus"
	"arbpilot/internal/matcher"
	"arbpilot/internal/venue"
	"arbpilot/pkg/types"
)

// fairRampCutoff separates the linear ramp from the saturated fair value.
var (
	fairRampCutoff = decimal.RequireFromString("0.05")
	fairHigh       = decimal.RequireFromString("0.95")
	fairLow        = decimal.RequireFromString("0.05")
	half           = decimal.RequireFromString("0.5")
	one            = decimal.NewFromInt(1)
	five           = decimal.NewFromInt(5)
	ten            = decimal.NewFromInt(10)
)

// thresholdMapping is one matcher-registered oracle mapping.
type thresholdMapping struct {
	Symbol    string
	Threshold decimal.Decimal
	Direction string
}

// Scanner is the detection agent. It owns its indices behind one mutex;
// Handle runs single-threaded per the runtime contract, but the matcher
// registrar callbacks may arrive from a startup pass too.
type Scanner struct {
	bus     bus.Bus
	matcher *matcher.Matcher
	logger  *slog.Logger

	minEdge   decimal.Decimal
	minSignal decimal.Decimal

	venues  []string
	oracles []string
	symbols []string

	mu            sync.Mutex
	markets       map[string]types.Market
	multi         map[string]types.MultiOutcomeMarket
	oracleValues  map[string]types.OracleData
	thresholds    map[string]thresholdMapping // market_id → mapping
	symbolMarkets map[string][]string         // symbol → market_ids
	matchedEvents map[string][]string         // event_id → market_ids
	marketToEvent map[string]string

	detected int64
}

// New creates a scanner for the configured venue, oracle, and symbol sets.
func New(b bus.Bus, m *matcher.Matcher, venues, oracles, symbols []string, minEdge, minSignal decimal.Decimal, logger *slog.Logger) *Scanner {
	return &Scanner{
		bus:           b,
		matcher:       m,
		logger:        logger.With("component", "scanner"),
		minEdge:       minEdge,
		minSignal:     minSignal,
		venues:        venues,
		oracles:       oracles,
		symbols:       symbols,
		markets:       make(map[string]types.Market),
		multi:         make(map[string]types.MultiOutcomeMarket),
		oracleValues:  make(map[string]types.OracleData),
		thresholds:    make(map[string]thresholdMapping),
		symbolMarkets: make(map[string][]string),
		matchedEvents: make(map[string][]string),
		marketToEvent: make(map[string]string),
	}
}

func (s *Scanner) Name() string { return "scanner" }

// Subscriptions enumerates every ingest channel for the configured venues
// and oracle source × symbol pairs. Streams have no wildcard subscription,
// so the set is built up front from config.
func (s *Scanner) Subscriptions() []string {
	var subs []string
	for _, v := range s.venues {
		subs = append(subs, bus.VenuePrices(v), bus.VenueMarkets(v), bus.VenueMulti(v))
	}
	for _, src := range s.oracles {
		for _, sym := range s.symbols {
			subs = append(subs, bus.OracleChannel(src, sym))
		}
	}
	return subs
}

// Handle dispatches one bus record to the matching index handler.
func (s *Scanner) Handle(ctx context.Context, channel string, msg bus.Message) error {
	for _, v := range s.venues {
		switch channel {
		case bus.VenuePrices(v):
			return s.onPriceUpdate(ctx, types.MarketFromRecord(msg.Values))
		case bus.VenueMarkets(v):
			return s.onRoster(ctx, types.RosterFromRecord(msg.Values))
		case bus.VenueMulti(v):
			return s.onMultiOutcome(ctx, types.MultiOutcomeFromRecord(msg.Values))
		}
	}
	if reading := types.OracleFromRecord(msg.Values); reading.Symbol != "" {
		return s.onOracleUpdate(ctx, reading)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Matcher registrar
// ————————————————————————————————————————————————————————————————————————

// RegisterMarketOracleMapping records a parsed threshold mapping.
func (s *Scanner) RegisterMarketOracleMapping(marketID, oracleSymbol string, threshold decimal.Decimal, direction string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, known := s.thresholds[marketID]; !known {
		s.symbolMarkets[oracleSymbol] = append(s.symbolMarkets[oracleSymbol], marketID)
	}
	s.thresholds[marketID] = thresholdMapping{Symbol: oracleSymbol, Threshold: threshold, Direction: direction}
}

// RegisterMatchedEvent records a cross-venue matched event.
func (s *Scanner) RegisterMatchedEvent(eventID string, marketIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matchedEvents[eventID] = marketIDs
	for _, id := range marketIDs {
		s.marketToEvent[id] = eventID
	}
}

// ————————————————————————————————————————————————————————————————————————
// Detection handlers
// ————————————————————————————————————————————————————————————————————————

// onPriceUpdate refreshes the market index and runs the three single-market
// checks: mispricing, oracle lag, cross-platform.
func (s *Scanner) onPriceUpdate(ctx context.Context, m types.Market) error {
	if m.ID == "" {
		return nil
	}
	s.mu.Lock()
	s.markets[m.ID] = m
	s.mu.Unlock()

	if err := s.checkMispricing(ctx, m); err != nil {
		return err
	}
	if err := s.checkOracleLag(ctx, m); err != nil {
		return err
	}
	return s.checkCrossPlatform(ctx, m.ID)
}

// onRoster runs the matcher over a bounded venue roster.
func (s *Scanner) onRoster(ctx context.Context, roster []types.Market) error {
	if s.matcher == nil || len(roster) == 0 {
		return nil
	}
	s.matcher.Match(ctx, roster, s)
	return nil
}

// onMultiOutcome checks one multi-outcome snapshot for a locked-in sum
// below 1.
func (s *Scanner) onMultiOutcome(ctx context.Context, m types.MultiOutcomeMarket) error {
	if m.ID == "" {
		return nil
	}
	s.mu.Lock()
	s.multi[m.ID] = m
	s.mu.Unlock()

	edge := m.ArbitrageEdge()
	if !edge.IsPositive() || edge.LessThan(s.minEdge) {
		return nil
	}
	signal := clampSignal(edge.Mul(five))
	if signal.LessThan(s.minSignal) {
		return nil
	}

	names := make([]string, 0, len(m.Outcomes))
	for _, o := range m.Outcomes {
		names = append(names, o.Name)
	}
	return s.publish(ctx, types.Opportunity{
		Type:           types.OppMispricing,
		Markets:        []string{m.ID},
		ExpectedEdge:   edge,
		SignalStrength: signal,
		Metadata: map[string]string{
			"arb_type":      "multi_outcome",
			"outcome_count": decimal.NewFromInt(int64(len(m.Outcomes))).String(),
			"price_sum":     m.PriceSum().String(),
			"outcomes":      strings.Join(names, ","),
		},
	}, types.VenueOf(m.ID))
}

// onOracleUpdate caches the reading and re-runs the lag check for every
// mapped market currently in the index.
func (s *Scanner) onOracleUpdate(ctx context.Context, reading types.OracleData) error {
	s.mu.Lock()
	s.oracleValues[reading.Symbol] = reading
	mapped := append([]string(nil), s.symbolMarkets[reading.Symbol]...)
	s.mu.Unlock()

	for _, marketID := range mapped {
		s.mu.Lock()
		m, ok := s.markets[marketID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := s.checkOracleLag(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Checks
// ————————————————————————————————————————————————————————————————————————

// checkMispricing emits when YES+NO sums below 1 by at least min edge.
func (s *Scanner) checkMispricing(ctx context.Context, m types.Market) error {
	sum := m.YesPrice.Add(m.NoPrice)
	edge := one.Sub(sum)
	if !edge.IsPositive() || edge.LessThan(s.minEdge) {
		return nil
	}
	signal := clampSignal(edge.Mul(five))
	if signal.LessThan(s.minSignal) {
		return nil
	}
	return s.publish(ctx, types.Opportunity{
		Type:           types.OppMispricing,
		Markets:        []string{m.ID},
		ExpectedEdge:   edge,
		SignalStrength: signal,
		Metadata: map[string]string{
			"arb_type": "single_condition",
			"yes":      m.YesPrice.String(),
			"no":       m.NoPrice.String(),
			"sum":      sum.String(),
		},
	}, m.Venue())
}

// checkOracleLag compares the market's YES price to the fair value implied
// by the latest oracle reading. The edge keeps its sign: positive means the
// market underprices YES.
func (s *Scanner) checkOracleLag(ctx context.Context, m types.Market) error {
	s.mu.Lock()
	mapping, mapped := s.thresholds[m.ID]
	var reading types.OracleData
	var haveReading bool
	if mapped {
		reading, haveReading = s.oracleValues[mapping.Symbol]
	}
	s.mu.Unlock()
	if !mapped || !haveReading {
		return nil
	}

	fair, signal := FairValue(reading.Value, mapping.Threshold, mapping.Direction)
	edge := fair.Sub(m.YesPrice)
	if edge.Abs().LessThan(s.minEdge) || signal.LessThan(s.minSignal) {
		return nil
	}
	return s.publish(ctx, types.Opportunity{
		Type:           types.OppOracleLag,
		Markets:        []string{m.ID},
		OracleSource:   reading.Source,
		OracleValue:    reading.Value,
		ExpectedEdge:   edge,
		SignalStrength: signal,
		Metadata: map[string]string{
			"fair_yes":      fair.String(),
			"current_yes":   m.YesPrice.String(),
			"threshold":     mapping.Threshold.String(),
			"direction":     mapping.Direction,
			"oracle_symbol": mapping.Symbol,
		},
	}, m.Venue())
}

// checkCrossPlatform emits when two markets of one matched event diverge.
// The cheap-YES leg is the buy_yes venue; the expensive leg buys NO.
func (s *Scanner) checkCrossPlatform(ctx context.Context, marketID string) error {
	s.mu.Lock()
	eventID, inEvent := s.marketToEvent[marketID]
	var cached []types.Market
	if inEvent {
		for _, id := range s.matchedEvents[eventID] {
			if m, ok := s.markets[id]; ok {
				cached = append(cached, m)
			}
		}
	}
	s.mu.Unlock()
	if !inEvent || len(cached) < 2 {
		return nil
	}

	low, high := cached[0], cached[0]
	for _, m := range cached[1:] {
		if m.YesPrice.LessThan(low.YesPrice) {
			low = m
		}
		if m.YesPrice.GreaterThan(high.YesPrice) {
			high = m
		}
	}
	edge := high.YesPrice.Sub(low.YesPrice)
	if !edge.IsPositive() || edge.LessThan(s.minEdge) {
		return nil
	}
	signal := clampSignal(edge.Mul(five))
	if signal.LessThan(s.minSignal) {
		return nil
	}

	// Both legs pay fees; the net filter charges them together.
	fees := venue.FeeEstimate(low.Venue()).Add(venue.FeeEstimate(high.Venue()))
	if edge.Sub(fees).LessThan(s.minEdge) {
		return nil
	}
	return s.emit(ctx, types.Opportunity{
		Type:           types.OppCrossPlatform,
		Markets:        []string{low.ID, high.ID},
		ExpectedEdge:   edge,
		SignalStrength: signal,
		Metadata: map[string]string{
			"event_id":       eventID,
			"buy_yes_market": low.ID,
			"buy_yes_venue":  low.Venue(),
			"buy_no_market":  high.ID,
			"buy_no_venue":   high.Venue(),
			"yes_low":        low.YesPrice.String(),
			"yes_high":       high.YesPrice.String(),
		},
	})
}

// ————————————————————————————————————————————————————————————————————————
// Publication
// ————————————————————————————————————————————————————————————————————————

// publish applies the single-venue net-edge filter then emits. The published
// expected_edge stays gross; only the filter sees fees.
func (s *Scanner) publish(ctx context.Context, opp types.Opportunity, venueName string) error {
	net := opp.ExpectedEdge.Abs().Sub(venue.FeeEstimate(venueName))
	if net.LessThan(s.minEdge) {
		return nil
	}
	return s.emit(ctx, opp)
}

func (s *Scanner) emit(ctx context.Context, opp types.Opportunity) error {
	opp.ID = uuid.New().String()
	opp.DetectedAt = time.Now().UTC()
	if _, err := s.bus.Publish(ctx, bus.ChanOpportunities, opp.Record()); err != nil {
		return err
	}
	s.mu.Lock()
	s.detected++
	s.mu.Unlock()
	s.logger.Info("opportunity detected",
		"id", opp.ID,
		"type", string(opp.Type),
		"edge", opp.ExpectedEdge.String(),
		"signal", opp.SignalStrength.String(),
		"markets", opp.Markets,
	)
	return nil
}

// Detected returns the number of opportunities emitted since start.
func (s *Scanner) Detected() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detected
}

// ————————————————————————————————————————————————————————————————————————
// Fair-value model
// ————————————————————————————————————————————————————————————————————————

// FairValue returns (fair_yes, signal_strength) for a threshold market given
// the current oracle value. The model saturates at 0.95/0.05 once the oracle
// is more than 5% away from the threshold, and ramps linearly through 0.5
// inside that band. At the threshold exactly, fair is 0.5 and signal is 0.
func FairValue(oracleValue, threshold decimal.Decimal, direction string) (fair, signal decimal.Decimal) {
	if threshold.IsZero() {
		return half, decimal.Zero
	}
	d := oracleValue.Sub(threshold).Abs().Div(threshold)
	met := (direction == matcher.DirAbove && oracleValue.GreaterThan(threshold)) ||
		(direction == matcher.DirBelow && oracleValue.LessThan(threshold))

	switch {
	case met && d.GreaterThan(fairRampCutoff):
		fair = fairHigh
	case met:
		fair = half.Add(d.Mul(ten))
	case d.GreaterThan(fairRampCutoff):
		fair = fairLow
	default:
		fair = half.Sub(d.Mul(ten))
	}
	return fair, clampSignal(d.Mul(ten))
}

func clampSignal(s decimal.Decimal) decimal.Decimal {
	if s.GreaterThan(one) {
		return one
	}
	return s
}
