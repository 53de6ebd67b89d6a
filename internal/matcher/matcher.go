// Package matcher converts free-text market titles into the oracle mappings
// the scanner understands.
//
// The pass is regex-first: a cheap alias table decides whether a title is a
// crypto market at all (non-crypto titles are skipped outright, never sent
// to the LLM), then a threshold regex extracts (asset, direction, level).
// Only the regex failures go to the LLM fallback, batched into a single
// request. Any LLM error downgrades those markets to failed — the pass
// never crashes on parser trouble.
package matcher

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"arbpilot/pkg/types"
)

// Direction values for threshold markets.
const (
	DirAbove = "above"
	DirBelow = "below"
)

// ParsedMarket is one successfully parsed market title.
type ParsedMarket struct {
	MarketID     string
	OracleSymbol string
	Threshold    decimal.Decimal
	Direction    string
	ParseMethod  string // "regex" or "llm"
}

// MatchResult aggregates one matcher pass.
type MatchResult struct {
	Total   int
	Matched int
	Skipped int // non-crypto titles, never sent to the LLM
	Failed  int
	Parsed  []ParsedMarket
}

// Registrar receives successful parses. The scanner implements this.
type Registrar interface {
	RegisterMarketOracleMapping(marketID, oracleSymbol string, threshold decimal.Decimal, direction string)
	RegisterMatchedEvent(eventID string, marketIDs []string)
}

// TitleParser is the pluggable LLM fallback. ParseBatch returns one entry
// per input title, aligned by index; nil means no mapping.
type TitleParser interface {
	ParseBatch(ctx context.Context, titles []string) ([]*ParsedTitle, error)
}

// ParsedTitle is the fallback parser's output for one title.
type ParsedTitle struct {
	OracleSymbol string          `json:"symbol"`
	Threshold    decimal.Decimal `json:"threshold"`
	Direction    string          `json:"direction"`
}

// assetAliases maps title substrings to oracle symbols. Longer aliases come
// first so "bitcoin" wins over incidental "btc" containment checks.
var assetAliases = []struct {
	alias  string
	symbol string
}{
	{"bitcoin", "BTC"},
	{"ethereum", "ETH"},
	{"solana", "SOL"},
	{"dogecoin", "DOGE"},
	{"cardano", "ADA"},
	{"btc", "BTC"},
	{"eth", "ETH"},
	{"sol", "SOL"},
	{"doge", "DOGE"},
	{"ada", "ADA"},
	{"xrp", "XRP"},
}

// thresholdRe extracts (asset, direction word, dollar level) from a title.
var thresholdRe = regexp.MustCompile(
	`(?i)\b(btc|bitcoin|eth|ethereum|sol|solana|doge|dogecoin|ada|cardano|xrp)\b.*?\b(above|over|reach(?:es)?|below|under)\b.*?\$([0-9][0-9,]*(?:\.[0-9]+)?)`)

// Matcher runs the title-parsing pass.
type Matcher struct {
	parser TitleParser // nil disables the LLM fallback
	logger *slog.Logger
}

// New creates a matcher. parser may be nil for regex-only operation.
func New(parser TitleParser, logger *slog.Logger) *Matcher {
	return &Matcher{parser: parser, logger: logger.With("component", "matcher")}
}

// IsCryptoMarket reports whether a title mentions a known crypto asset, by
// case-insensitive substring match against the alias table.
func IsCryptoMarket(title string) bool {
	lower := strings.ToLower(title)
	for _, a := range assetAliases {
		if strings.Contains(lower, a.alias) {
			return true
		}
	}
	return false
}

// Match parses every market title and registers the successes with the
// registrar. Markets whose parsed mapping agrees across venues are grouped
// into one matched event for cross-platform detection.
func (m *Matcher) Match(ctx context.Context, markets []types.Market, reg Registrar) MatchResult {
	result := MatchResult{Total: len(markets)}

	var pendingLLM []types.Market
	for _, market := range markets {
		if !IsCryptoMarket(market.Title) {
			result.Skipped++
			continue
		}
		if parsed, ok := parseRegex(market); ok {
			result.Matched++
			result.Parsed = append(result.Parsed, parsed)
			continue
		}
		pendingLLM = append(pendingLLM, market)
	}

	result.Parsed = append(result.Parsed, m.runFallback(ctx, pendingLLM, &result)...)

	for _, p := range result.Parsed {
		reg.RegisterMarketOracleMapping(p.MarketID, p.OracleSymbol, p.Threshold, p.Direction)
	}
	m.registerEvents(result.Parsed, reg)

	m.logger.Info("match pass complete",
		"total", result.Total,
		"matched", result.Matched,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result
}

// runFallback sends the regex failures to the LLM in one batched request.
// Any parser error marks them all failed.
func (m *Matcher) runFallback(ctx context.Context, pending []types.Market, result *MatchResult) []ParsedMarket {
	if len(pending) == 0 {
		return nil
	}
	if m.parser == nil {
		result.Failed += len(pending)
		return nil
	}

	titles := make([]string, len(pending))
	for i, market := range pending {
		titles[i] = market.Title
	}
	answers, err := m.parser.ParseBatch(ctx, titles)
	if err != nil || len(answers) != len(pending) {
		m.logger.Warn("llm fallback failed", "markets", len(pending), "error", err)
		result.Failed += len(pending)
		return nil
	}

	var parsed []ParsedMarket
	for i, answer := range answers {
		if answer == nil || answer.OracleSymbol == "" {
			result.Failed++
			continue
		}
		direction := answer.Direction
		if direction != DirAbove && direction != DirBelow {
			result.Failed++
			continue
		}
		result.Matched++
		parsed = append(parsed, ParsedMarket{
			MarketID:     pending[i].ID,
			OracleSymbol: strings.ToUpper(answer.OracleSymbol),
			Threshold:    answer.Threshold,
			Direction:    direction,
			ParseMethod:  "llm",
		})
	}
	return parsed
}

// registerEvents groups markets that parsed to the same (symbol, threshold,
// direction) across different venues into one matched event.
func (m *Matcher) registerEvents(parsed []ParsedMarket, reg Registrar) {
	byEvent := make(map[string][]string)
	for _, p := range parsed {
		eventID := p.OracleSymbol + "-" + p.Direction + "-" + p.Threshold.String()
		byEvent[eventID] = append(byEvent[eventID], p.MarketID)
	}
	for eventID, ids := range byEvent {
		if len(ids) < 2 {
			continue
		}
		venues := make(map[string]bool, len(ids))
		for _, id := range ids {
			venues[types.VenueOf(id)] = true
		}
		if len(venues) < 2 {
			continue
		}
		reg.RegisterMatchedEvent(eventID, ids)
	}
}

// parseRegex applies the threshold regex to one market title.
func parseRegex(market types.Market) (ParsedMarket, bool) {
	groups := thresholdRe.FindStringSubmatch(market.Title)
	if groups == nil {
		return ParsedMarket{}, false
	}

	symbol := symbolFor(groups[1])
	direction := directionFor(groups[2])
	threshold, err := decimal.NewFromString(strings.ReplaceAll(groups[3], ",", ""))
	if err != nil || symbol == "" || direction == "" {
		return ParsedMarket{}, false
	}
	return ParsedMarket{
		MarketID:     market.ID,
		OracleSymbol: symbol,
		Threshold:    threshold,
		Direction:    direction,
		ParseMethod:  "regex",
	}, true
}

func symbolFor(alias string) string {
	lower := strings.ToLower(alias)
	for _, a := range assetAliases {
		if a.alias == lower {
			return a.symbol
		}
	}
	return ""
}

func directionFor(word string) string {
	switch strings.ToLower(word) {
	case "above", "over", "reach", "reaches":
		return DirAbove
	case "below", "under":
		return DirBelow
	default:
		return ""
	}
}
