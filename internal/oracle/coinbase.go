// coinbase.go implements a polling spot-price oracle on the Coinbase public
// API. Responses are parsed defensively: a malformed amount yields an error,
// never a zero-value reading that could move the fair-value machine.
package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"arbpilot/pkg/types"
)

// Coinbase polls spot prices from the public prices endpoint.
type Coinbase struct {
	client *resty.Client
}

// NewCoinbase creates the Coinbase oracle.
func NewCoinbase() *Coinbase {
	return &Coinbase{
		client: resty.New().
			SetBaseURL("https://api.coinbase.com").
			SetTimeout(30 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second),
	}
}

func (c *Coinbase) Source() string { return "coinbase" }

// GetCurrent fetches the USD spot price for a symbol.
func (c *Coinbase) GetCurrent(ctx context.Context, symbol string) (*types.OracleData, error) {
	var resp struct {
		Data struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"data"`
	}
	res, err := c.client.R().
		SetContext(ctx).
		SetResult(&resp).
		Get("/v2/prices/" + symbol + "-USD/spot")
	if err != nil {
		return nil, fmt.Errorf("coinbase spot %s: %w", symbol, err)
	}
	if res.StatusCode() != 200 {
		return nil, fmt.Errorf("coinbase spot %s: status %d", symbol, res.StatusCode())
	}

	value, err := decimal.NewFromString(resp.Data.Amount)
	if err != nil {
		return nil, fmt.Errorf("coinbase spot %s: malformed amount %q", symbol, resp.Data.Amount)
	}
	return &types.OracleData{
		Source:    c.Source(),
		Symbol:    symbol,
		Value:     value,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]string{"currency": resp.Data.Currency},
	}, nil
}
