// record.go implements the flat wire format used on the message bus.
//
// Every bus message is a flat string→string map. Nested structure (metadata,
// outcome lists, market rosters) is carried as embedded JSON in a single
// field. Decimals travel as exact strings, instants as RFC 3339 with
// nanoseconds. Decoding is defensive throughout: a missing, empty, or
// malformed field yields the type's zero value, never a panic — external
// data must not crash an agent.
package types

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Record is one flat bus message payload.
type Record = map[string]string

// ————————————————————————————————————————————————————————————————————————
// Defensive field accessors
// ————————————————————————————————————————————————————————————————————————

// Dec parses a decimal field. Returns zero for missing or malformed values.
func Dec(r Record, key string) decimal.Decimal {
	d, _ := DecOK(r, key)
	return d
}

// DecOK parses a decimal field, reporting whether a valid value was present.
func DecOK(r Record, key string) (decimal.Decimal, bool) {
	s, ok := r[key]
	if !ok || s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Timestamp parses an RFC 3339 field. Returns the zero instant on failure.
func Timestamp(r Record, key string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, r[key])
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// Int parses an integer field. Returns 0 on failure.
func Int(r Record, key string) int {
	n, err := strconv.Atoi(r[key])
	if err != nil {
		return 0
	}
	return n
}

// Bool parses a boolean field. Only "true" and "1" are true.
func Bool(r Record, key string) bool {
	return r[key] == "true" || r[key] == "1"
}

func putTime(r Record, key string, t time.Time) {
	if !t.IsZero() {
		r[key] = t.UTC().Format(time.RFC3339Nano)
	}
}

func putJSON(r Record, key string, v any) {
	if v == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	r[key] = string(b)
}

// ————————————————————————————————————————————————————————————————————————
// Market records — venue.{venue}.prices
// ————————————————————————————————————————————————————————————————————————

// Record encodes a market snapshot for the venue price channel.
func (m Market) Record() Record {
	r := Record{
		"market_id":  m.ID,
		"title":      m.Title,
		"yes_price":  m.YesPrice.String(),
		"no_price":   m.NoPrice.String(),
		"volume_24h": m.Volume24h.String(),
		"liquidity":  m.Liquidity.String(),
	}
	putTime(r, "updated_at", m.UpdatedAt)
	return r
}

// MarketFromRecord decodes a market snapshot from a venue price record.
func MarketFromRecord(r Record) Market {
	return Market{
		ID:        r["market_id"],
		Title:     r["title"],
		YesPrice:  Dec(r, "yes_price"),
		NoPrice:   Dec(r, "no_price"),
		Volume24h: Dec(r, "volume_24h"),
		Liquidity: Dec(r, "liquidity"),
		UpdatedAt: Timestamp(r, "updated_at"),
	}
}

// rosterEntry is the embedded JSON shape for venue.{venue}.markets.
type rosterEntry struct {
	MarketID string `json:"market_id"`
	Title    string `json:"title"`
	Yes      string `json:"yes"`
	No       string `json:"no"`
}

// RosterRecord encodes a bounded market roster as one record with an
// embedded JSON array.
func RosterRecord(venue string, markets []Market) Record {
	entries := make([]rosterEntry, 0, len(markets))
	for _, m := range markets {
		entries = append(entries, rosterEntry{
			MarketID: m.ID,
			Title:    m.Title,
			Yes:      m.YesPrice.String(),
			No:       m.NoPrice.String(),
		})
	}
	r := Record{"venue": venue, "count": strconv.Itoa(len(entries))}
	putJSON(r, "markets", entries)
	putTime(r, "published_at", time.Now())
	return r
}

// RosterFromRecord decodes a market roster. Malformed entries are dropped.
func RosterFromRecord(r Record) []Market {
	var entries []rosterEntry
	if err := json.Unmarshal([]byte(r["markets"]), &entries); err != nil {
		return nil
	}
	out := make([]Market, 0, len(entries))
	for _, e := range entries {
		if e.MarketID == "" {
			continue
		}
		yes, _ := decimal.NewFromString(e.Yes)
		no, _ := decimal.NewFromString(e.No)
		out = append(out, Market{ID: e.MarketID, Title: e.Title, YesPrice: yes, NoPrice: no})
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Multi-outcome records — venue.{venue}.multi
// ————————————————————————————————————————————————————————————————————————

type outcomeEntry struct {
	Name  string `json:"name"`
	Price string `json:"price"`
}

// Record encodes a multi-outcome market with outcomes embedded as JSON.
func (m MultiOutcomeMarket) Record() Record {
	entries := make([]outcomeEntry, 0, len(m.Outcomes))
	for _, o := range m.Outcomes {
		entries = append(entries, outcomeEntry{Name: o.Name, Price: o.Price.String()})
	}
	r := Record{"market_id": m.ID, "title": m.Title}
	putJSON(r, "outcomes", entries)
	putTime(r, "updated_at", m.UpdatedAt)
	return r
}

// MultiOutcomeFromRecord decodes a multi-outcome market record.
func MultiOutcomeFromRecord(r Record) MultiOutcomeMarket {
	var entries []outcomeEntry
	_ = json.Unmarshal([]byte(r["outcomes"]), &entries)
	outcomes := make([]Outcome, 0, len(entries))
	for _, e := range entries {
		p, _ := decimal.NewFromString(e.Price)
		outcomes = append(outcomes, Outcome{Name: e.Name, Price: p})
	}
	return MultiOutcomeMarket{
		ID:        r["market_id"],
		Title:     r["title"],
		Outcomes:  outcomes,
		UpdatedAt: Timestamp(r, "updated_at"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Oracle records — oracle.{source}.{symbol}
// ————————————————————————————————————————————————————————————————————————

// Record encodes an oracle reading.
func (o OracleData) Record() Record {
	r := Record{
		"source": o.Source,
		"symbol": o.Symbol,
		"value":  o.Value.String(),
	}
	putTime(r, "timestamp", o.Timestamp)
	putJSON(r, "metadata", o.Metadata)
	return r
}

// OracleFromRecord decodes an oracle reading.
func OracleFromRecord(r Record) OracleData {
	var meta map[string]string
	_ = json.Unmarshal([]byte(r["metadata"]), &meta)
	return OracleData{
		Source:    r["source"],
		Symbol:    r["symbol"],
		Value:     Dec(r, "value"),
		Timestamp: Timestamp(r, "timestamp"),
		Metadata:  meta,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Opportunity records — opportunities.detected
// ————————————————————————————————————————————————————————————————————————

// Record encodes an opportunity. The metadata map travels verbatim as
// embedded JSON; market IDs as a JSON array.
func (o Opportunity) Record() Record {
	r := Record{
		"id":              o.ID,
		"type":            string(o.Type),
		"expected_edge":   o.ExpectedEdge.String(),
		"signal_strength": o.SignalStrength.String(),
	}
	putJSON(r, "markets", o.Markets)
	if o.OracleSource != "" {
		r["oracle_source"] = o.OracleSource
		r["oracle_value"] = o.OracleValue.String()
	}
	putTime(r, "detected_at", o.DetectedAt)
	putTime(r, "expires_at", o.ExpiresAt)
	putJSON(r, "metadata", o.Metadata)
	return r
}

// OpportunityFromRecord decodes an opportunity record.
func OpportunityFromRecord(r Record) Opportunity {
	var markets []string
	_ = json.Unmarshal([]byte(r["markets"]), &markets)
	var meta map[string]string
	_ = json.Unmarshal([]byte(r["metadata"]), &meta)
	return Opportunity{
		ID:             r["id"],
		Type:           OpportunityType(r["type"]),
		Markets:        markets,
		OracleSource:   r["oracle_source"],
		OracleValue:    Dec(r, "oracle_value"),
		ExpectedEdge:   Dec(r, "expected_edge"),
		SignalStrength: Dec(r, "signal_strength"),
		DetectedAt:     Timestamp(r, "detected_at"),
		ExpiresAt:      Timestamp(r, "expires_at"),
		Metadata:       meta,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Trade pipeline records
// ————————————————————————————————————————————————————————————————————————

// Record encodes a trade request for trade.requests.
func (t TradeRequest) Record() Record {
	r := Record{
		"id":               t.ID,
		"opportunity_id":   t.OpportunityID,
		"opportunity_type": string(t.OpportunityType),
		"strategy":         t.Strategy,
		"market_id":        t.MarketID,
		"side":             string(t.Side),
		"outcome":          string(t.Outcome),
		"amount":           t.Amount.String(),
		"max_price":        t.MaxPrice.String(),
		"expected_edge":    t.ExpectedEdge.String(),
	}
	putTime(r, "created_at", t.CreatedAt)
	return r
}

// TradeRequestFromRecord decodes a trade request record. expected_edge may
// arrive as an arbitrary decimal string and is coerced defensively.
func TradeRequestFromRecord(r Record) TradeRequest {
	return TradeRequest{
		ID:              r["id"],
		OpportunityID:   r["opportunity_id"],
		OpportunityType: OpportunityType(r["opportunity_type"]),
		Strategy:        r["strategy"],
		MarketID:        r["market_id"],
		Side:            Side(r["side"]),
		Outcome:         OutcomeKind(r["outcome"]),
		Amount:          Dec(r, "amount"),
		MaxPrice:        Dec(r, "max_price"),
		ExpectedEdge:    Dec(r, "expected_edge"),
		CreatedAt:       Timestamp(r, "created_at"),
	}
}

// Record encodes a risk decision for trade.decisions.
func (d RiskDecision) Record() Record {
	r := Record{
		"request_id": d.RequestID,
		"approved":   strconv.FormatBool(d.Approved),
		"reason":     d.Reason,
	}
	if d.RuleTriggered != "" {
		r["rule_triggered"] = d.RuleTriggered
	}
	putTime(r, "decided_at", d.DecidedAt)
	return r
}

// RiskDecisionFromRecord decodes a risk decision record.
func RiskDecisionFromRecord(r Record) RiskDecision {
	return RiskDecision{
		RequestID:     r["request_id"],
		Approved:      Bool(r, "approved"),
		Reason:        r["reason"],
		RuleTriggered: r["rule_triggered"],
		DecidedAt:     Timestamp(r, "decided_at"),
	}
}

// TradeResult is the trade.results payload consumed by the allocator and the
// risk gate's P&L accounting. PnL on paper fills is the synthetic estimate.
type TradeResult struct {
	TradeID    string
	RequestID  string
	MarketID   string
	Strategy   string
	Status     TradeStatus
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Fees       decimal.Decimal
	PnL        decimal.Decimal
	Paper      bool
	OrderID    string
	FilledAmt  decimal.Decimal
	AvgPrice   decimal.Decimal
	Error      string
	ExecutedAt time.Time
}

// Record encodes a trade result for trade.results.
func (t TradeResult) Record() Record {
	r := Record{
		"trade_id":    t.TradeID,
		"request_id":  t.RequestID,
		"market_id":   t.MarketID,
		"strategy":    t.Strategy,
		"status":      string(t.Status),
		"price":       t.Price.String(),
		"amount":      t.Amount.String(),
		"fees":        t.Fees.String(),
		"pnl":         t.PnL.String(),
		"paper_trade": strconv.FormatBool(t.Paper),
	}
	if t.OrderID != "" {
		r["order_id"] = t.OrderID
		r["filled_amount"] = t.FilledAmt.String()
		r["average_price"] = t.AvgPrice.String()
	}
	if t.Error != "" {
		r["error"] = t.Error
	}
	putTime(r, "executed_at", t.ExecutedAt)
	return r
}

// TradeResultFromRecord decodes a trade result record.
func TradeResultFromRecord(r Record) TradeResult {
	return TradeResult{
		TradeID:    r["trade_id"],
		RequestID:  r["request_id"],
		MarketID:   r["market_id"],
		Strategy:   r["strategy"],
		Status:     TradeStatus(r["status"]),
		Price:      Dec(r, "price"),
		Amount:     Dec(r, "amount"),
		Fees:       Dec(r, "fees"),
		PnL:        Dec(r, "pnl"),
		Paper:      Bool(r, "paper_trade"),
		OrderID:    r["order_id"],
		FilledAmt:  Dec(r, "filled_amount"),
		AvgPrice:   Dec(r, "average_price"),
		Error:      r["error"],
		ExecutedAt: Timestamp(r, "executed_at"),
	}
}

// AllocationUpdate is the allocations.update payload: one record per strategy.
type AllocationUpdate struct {
	Strategy      string
	AllocationPct decimal.Decimal
	TotalCapital  decimal.Decimal
	UpdatedAt     time.Time
}

// Record encodes an allocation update.
func (a AllocationUpdate) Record() Record {
	r := Record{
		"strategy":       a.Strategy,
		"allocation_pct": a.AllocationPct.String(),
		"total_capital":  a.TotalCapital.String(),
	}
	putTime(r, "updated_at", a.UpdatedAt)
	return r
}

// AllocationFromRecord decodes an allocation update record.
func AllocationFromRecord(r Record) AllocationUpdate {
	return AllocationUpdate{
		Strategy:      r["strategy"],
		AllocationPct: Dec(r, "allocation_pct"),
		TotalCapital:  Dec(r, "total_capital"),
		UpdatedAt:     Timestamp(r, "updated_at"),
	}
}
