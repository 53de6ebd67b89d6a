// kalshi.go adapts the Kalshi trade API. Kalshi quotes prices in integer
// cents (1–99); the adapter converts to decimal dollars at the boundary so
// nothing downstream ever sees venue units.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arbpilot/internal/config"
	"arbpilot/pkg/types"
)

var cents = decimal.NewFromInt(100)

type kalshiMarket struct {
	Ticker    string `json:"ticker"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	YesBid    int64  `json:"yes_bid"`
	YesAsk    int64  `json:"yes_ask"`
	NoBid     int64  `json:"no_bid"`
	NoAsk     int64  `json:"no_ask"`
	Volume24h int64  `json:"volume_24h"`
	Liquidity int64  `json:"liquidity"`
}

// kalshiBookSide is [[price_cents, contracts], …].
type kalshiBookSide [][2]int64

// Kalshi implements Adapter against the Kalshi trade API v2.
type Kalshi struct {
	client    *guardedClient
	creds     config.VenueCredentials
	logger    *slog.Logger
	connected bool
}

// NewKalshi creates the Kalshi adapter.
func NewKalshi(creds config.VenueCredentials, logger *slog.Logger) *Kalshi {
	return &Kalshi{
		client: newGuardedClient("kalshi", "https://api.elections.kalshi.com/trade-api/v2", logger),
		creds:  creds,
		logger: logger.With("component", "venue-kalshi"),
	}
}

func (k *Kalshi) Name() string { return "kalshi" }

func (k *Kalshi) Connect(ctx context.Context) error {
	_, err := k.client.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("limit", "1").Get("/markets")
	})
	if err != nil {
		return fmt.Errorf("kalshi connect: %w", err)
	}
	k.connected = true
	return nil
}

func (k *Kalshi) Disconnect(context.Context) error {
	k.connected = false
	return nil
}

func (k *Kalshi) IsConnected() bool { return k.connected }

// GetMarkets fetches open markets. Kalshi's mid of bid/ask becomes the
// canonical price; a one-sided book falls back to the quoted side.
func (k *Kalshi) GetMarkets(ctx context.Context) ([]types.Market, error) {
	var resp struct {
		Markets []kalshiMarket `json:"markets"`
	}
	_, err := k.client.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetQueryParams(map[string]string{"status": "open", "limit": "200"}).
			SetResult(&resp).
			Get("/markets")
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi markets: %w", err)
	}

	out := make([]types.Market, 0, len(resp.Markets))
	for _, km := range resp.Markets {
		if km.Status != "open" && km.Status != "active" {
			continue
		}
		m := types.Market{
			ID:        "kalshi:" + km.Ticker,
			Title:     km.Title,
			YesPrice:  centsMid(km.YesBid, km.YesAsk),
			NoPrice:   centsMid(km.NoBid, km.NoAsk),
			Volume24h: decimal.NewFromInt(km.Volume24h),
			Liquidity: decimal.NewFromInt(km.Liquidity).Div(cents),
			UpdatedAt: time.Now().UTC(),
		}
		if err := m.Validate(); err != nil {
			k.logger.Warn("dropping invalid market", "market", m.ID, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// GetMultiOutcomeMarkets returns empty: Kalshi lists each outcome as its own
// binary market.
func (k *Kalshi) GetMultiOutcomeMarkets(context.Context) ([]types.MultiOutcomeMarket, error) {
	return nil, nil
}

// GetOrderBook fetches and converts the cents book. Kalshi returns bids for
// each side; asks for YES are derived from NO bids (a NO bid at c cents is a
// YES ask at 100−c).
func (k *Kalshi) GetOrderBook(ctx context.Context, marketID string, outcome types.OutcomeKind) (*types.OrderBook, error) {
	ticker := marketID[len("kalshi:"):]
	var resp struct {
		Orderbook struct {
			Yes kalshiBookSide `json:"yes"`
			No  kalshiBookSide `json:"no"`
		} `json:"orderbook"`
	}
	_, err := k.client.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&resp).Get("/markets/" + ticker + "/orderbook")
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi book %s: %w", marketID, err)
	}

	same, opposite := resp.Orderbook.Yes, resp.Orderbook.No
	if outcome == types.NO {
		same, opposite = resp.Orderbook.No, resp.Orderbook.Yes
	}

	book := &types.OrderBook{MarketID: marketID}
	// Bids: quoted side, best (highest) first.
	for i := len(same) - 1; i >= 0; i-- {
		book.Bids = append(book.Bids, types.BookLevel{
			Price: decimal.NewFromInt(same[i][0]).Div(cents),
			Size:  decimal.NewFromInt(same[i][1]),
		})
	}
	// Asks: complement of the opposite side, best (lowest) first.
	for i := len(opposite) - 1; i >= 0; i-- {
		book.Asks = append(book.Asks, types.BookLevel{
			Price: decimal.NewFromInt(100 - opposite[i][0]).Div(cents),
			Size:  decimal.NewFromInt(opposite[i][1]),
		})
	}
	return book, nil
}

// PlaceOrder submits a limit order in venue units.
func (k *Kalshi) PlaceOrder(ctx context.Context, req types.TradeRequest) (*types.Trade, error) {
	ticker := req.MarketID[len("kalshi:"):]
	side := "yes"
	if req.Outcome == types.NO {
		side = "no"
	}
	payload := map[string]any{
		"ticker":    ticker,
		"action":    map[types.Side]string{types.BUY: "buy", types.SELL: "sell"}[req.Side],
		"side":      side,
		"type":      "limit",
		"count":     req.Amount.IntPart(),
		"yes_price": req.MaxPrice.Mul(cents).IntPart(),
	}
	var resp struct {
		Order struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
		} `json:"order"`
	}
	_, err := k.client.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.
			SetHeader("Authorization", "Bearer "+k.creds.APIKey).
			SetBody(payload).
			SetResult(&resp).
			Post("/portfolio/orders")
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi place order: %w", err)
	}

	return &types.Trade{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		MarketID:   req.MarketID,
		Venue:      k.Name(),
		Side:       req.Side,
		Outcome:    req.Outcome,
		Amount:     req.Amount,
		Price:      req.MaxPrice,
		Status:     translateKalshiStatus(resp.Order.Status),
		ExternalID: resp.Order.OrderID,
		ExecutedAt: time.Now().UTC(),
	}, nil
}

// GetBalance reads the portfolio balance (cents → dollars).
func (k *Kalshi) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	var resp struct {
		Balance int64 `json:"balance"`
	}
	_, err := k.client.do(ctx, func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeader("Authorization", "Bearer "+k.creds.APIKey).SetResult(&resp).Get("/portfolio/balance")
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("kalshi balance: %w", err)
	}
	return decimal.NewFromInt(resp.Balance).Div(cents), nil
}

func translateKalshiStatus(s string) types.TradeStatus {
	switch s {
	case "executed":
		return types.TradeFilled
	case "resting":
		return types.TradeSubmitted
	case "canceled":
		return types.TradeCancelled
	case "":
		return types.TradeFailed
	default:
		return types.TradePending
	}
}

// centsMid returns the mid of bid/ask in dollars, falling back to whichever
// side is quoted.
func centsMid(bid, ask int64) decimal.Decimal {
	switch {
	case bid > 0 && ask > 0:
		return decimal.NewFromInt(bid + ask).Div(decimal.NewFromInt(200))
	case ask > 0:
		return decimal.NewFromInt(ask).Div(cents)
	default:
		return decimal.NewFromInt(bid).Div(cents)
	}
}
