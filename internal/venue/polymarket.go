// polymarket.go adapts the Polymarket Gamma + CLOB APIs to the canonical
// venue contract. Gamma serves market discovery; the CLOB serves order books
// and order placement. Prices arrive as decimal strings and are parsed
// defensively — a malformed field yields a skipped market, never a crash.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arbpilot/internal/config"
	"arbpilot/pkg/types"
)

// gammaMarket is the JSON shape returned by the Gamma markets API.
type gammaMarket struct {
	ID            string  `json:"id"`
	Question      string  `json:"question"`
	Active        bool    `json:"active"`
	Closed        bool    `json:"closed"`
	Liquidity     string  `json:"liquidity"`
	Volume24hr    float64 `json:"volume24hr"`
	Outcomes      string  `json:"outcomes"`      // JSON array of names
	OutcomePrices string  `json:"outcomePrices"` // JSON array of decimal strings
	ClobTokenIds  string  `json:"clobTokenIds"`  // JSON array of token IDs
}

// clobBook is the CLOB order book response.
type clobBook struct {
	Bids []clobLevel `json:"bids"`
	Asks []clobLevel `json:"asks"`
}

type clobLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Polymarket implements Adapter against the Gamma and CLOB APIs.
type Polymarket struct {
	gamma     *guardedClient
	clob      *guardedClient
	creds     config.VenueCredentials
	logger    *slog.Logger
	connected bool

	// tokens maps market ID → [yesTokenID, noTokenID], filled during
	// GetMarkets and consulted by GetOrderBook.
	mu     sync.RWMutex
	tokens map[string][2]string
}

// NewPolymarket creates the Polymarket adapter.
func NewPolymarket(creds config.VenueCredentials, logger *slog.Logger) *Polymarket {
	return &Polymarket{
		gamma:  newGuardedClient("polymarket", "https://gamma-api.polymarket.com", logger),
		clob:   newGuardedClient("polymarket-clob", "https://clob.polymarket.com", logger),
		creds:  creds,
		logger: logger.With("component", "venue-polymarket"),
		tokens: make(map[string][2]string),
	}
}

func (p *Polymarket) Name() string { return "polymarket" }

// Connect verifies reachability with a single bounded markets query.
func (p *Polymarket) Connect(ctx context.Context) error {
	_, err := p.gamma.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("limit", "1").Get("/markets")
	})
	if err != nil {
		return fmt.Errorf("polymarket connect: %w", err)
	}
	p.connected = true
	return nil
}

func (p *Polymarket) Disconnect(context.Context) error {
	p.connected = false
	return nil
}

func (p *Polymarket) IsConnected() bool { return p.connected }

// GetMarkets fetches active binary markets, paging through Gamma.
func (p *Polymarket) GetMarkets(ctx context.Context) ([]types.Market, error) {
	raw, err := p.fetchGamma(ctx)
	if err != nil {
		return nil, err
	}

	var out []types.Market
	for _, gm := range raw {
		names, prices := parsePair(gm.Outcomes, gm.OutcomePrices)
		if len(names) != 2 || len(prices) != 2 {
			continue
		}
		id := "polymarket:" + gm.ID
		p.rememberTokens(id, gm.ClobTokenIds)
		m := types.Market{
			ID:        id,
			Title:     gm.Question,
			YesPrice:  prices[0],
			NoPrice:   prices[1],
			Volume24h: decimal.NewFromFloat(gm.Volume24hr),
			Liquidity: safeDecimal(gm.Liquidity),
			UpdatedAt: time.Now().UTC(),
		}
		if err := m.Validate(); err != nil {
			p.logger.Warn("dropping invalid market", "market", id, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// GetMultiOutcomeMarkets fetches markets with more than two outcomes.
func (p *Polymarket) GetMultiOutcomeMarkets(ctx context.Context) ([]types.MultiOutcomeMarket, error) {
	raw, err := p.fetchGamma(ctx)
	if err != nil {
		return nil, err
	}

	var out []types.MultiOutcomeMarket
	for _, gm := range raw {
		names, prices := parsePair(gm.Outcomes, gm.OutcomePrices)
		if len(names) <= 2 || len(names) != len(prices) {
			continue
		}
		outcomes := make([]types.Outcome, len(names))
		for i := range names {
			outcomes[i] = types.Outcome{Name: names[i], Price: prices[i]}
		}
		m := types.MultiOutcomeMarket{
			ID:        "polymarket:" + gm.ID,
			Title:     gm.Question,
			Outcomes:  outcomes,
			UpdatedAt: time.Now().UTC(),
		}
		if err := m.Validate(); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// GetOrderBook fetches the CLOB book for one outcome's token. Returns nil
// when the market's token IDs were never seen.
func (p *Polymarket) GetOrderBook(ctx context.Context, marketID string, outcome types.OutcomeKind) (*types.OrderBook, error) {
	p.mu.RLock()
	pair, ok := p.tokens[marketID]
	p.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	token := pair[0]
	if outcome == types.NO {
		token = pair[1]
	}

	var book clobBook
	_, err := p.clob.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("token_id", token).SetResult(&book).Get("/book")
	})
	if err != nil {
		return nil, fmt.Errorf("polymarket book %s: %w", marketID, err)
	}

	out := &types.OrderBook{MarketID: marketID}
	for _, l := range book.Bids {
		out.Bids = append(out.Bids, types.BookLevel{Price: safeDecimal(l.Price), Size: safeDecimal(l.Size)})
	}
	for _, l := range book.Asks {
		out.Asks = append(out.Asks, types.BookLevel{Price: safeDecimal(l.Price), Size: safeDecimal(l.Size)})
	}
	return out, nil
}

// PlaceOrder submits a limit order at the request's max price.
func (p *Polymarket) PlaceOrder(ctx context.Context, req types.TradeRequest) (*types.Trade, error) {
	payload := map[string]string{
		"market":  req.MarketID,
		"side":    string(req.Side),
		"outcome": string(req.Outcome),
		"price":   req.MaxPrice.String(),
		"size":    req.Amount.String(),
	}
	var resp struct {
		Success bool   `json:"success"`
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
		Error   string `json:"errorMsg"`
	}
	_, err := p.clob.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetHeader("POLY-API-KEY", p.creds.APIKey).
			SetHeader("POLY-PASSPHRASE", p.creds.Passphrase).
			SetBody(payload).
			SetResult(&resp).
			Post("/order")
	})
	if err != nil {
		return nil, fmt.Errorf("polymarket place order: %w", err)
	}

	status := types.TradeSubmitted
	if !resp.Success {
		status = types.TradeFailed
	} else if resp.Status == "matched" {
		status = types.TradeFilled
	}
	return &types.Trade{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		MarketID:   req.MarketID,
		Venue:      p.Name(),
		Side:       req.Side,
		Outcome:    req.Outcome,
		Amount:     req.Amount,
		Price:      req.MaxPrice,
		Status:     status,
		ExternalID: resp.OrderID,
		ExecutedAt: time.Now().UTC(),
	}, nil
}

// GetBalance reads the collateral balance.
func (p *Polymarket) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	var resp struct {
		Balance string `json:"balance"`
	}
	_, err := p.clob.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeader("POLY-API-KEY", p.creds.APIKey).SetResult(&resp).Get("/balance")
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("polymarket balance: %w", err)
	}
	return safeDecimal(resp.Balance), nil
}

func (p *Polymarket) fetchGamma(ctx context.Context) ([]gammaMarket, error) {
	var all []gammaMarket
	offset, limit := 0, 100
	for {
		var page []gammaMarket
		_, err := p.gamma.do(ctx, func(r *resty.Request) (*resty.Response, error) {
			return r.SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).SetResult(&page).Get("/markets")
		})
		if err != nil {
			return nil, fmt.Errorf("polymarket markets page %d: %w", offset, err)
		}
		all = append(all, page...)
		if len(page) < limit {
			return all, nil
		}
		offset += limit
	}
}

func (p *Polymarket) rememberTokens(marketID, clobTokenIds string) {
	var ids []string
	if err := json.Unmarshal([]byte(clobTokenIds), &ids); err != nil || len(ids) < 2 {
		return
	}
	p.mu.Lock()
	p.tokens[marketID] = [2]string{ids[0], ids[1]}
	p.mu.Unlock()
}

// parsePair decodes the Gamma paired outcome-name and price JSON strings.
func parsePair(namesJSON, pricesJSON string) ([]string, []decimal.Decimal) {
	var names, priceStrs []string
	if err := json.Unmarshal([]byte(namesJSON), &names); err != nil {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(pricesJSON), &priceStrs); err != nil {
		return nil, nil
	}
	prices := make([]decimal.Decimal, len(priceStrs))
	for i, s := range priceStrs {
		prices[i] = safeDecimal(s)
	}
	return names, prices
}

// safeDecimal parses a decimal string, yielding zero for malformed input.
func safeDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
