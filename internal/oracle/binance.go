// binance.go implements a streaming price oracle over the Binance combined
// miniTicker WebSocket. The stream auto-reconnects with exponential backoff
// (1s → 30s max) and a read deadline so silent server failures are detected.
// A REST fallback serves GetCurrent for callers that poll.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"arbpilot/pkg/types"
)

const (
	binanceWSBase    = "wss://stream.binance.com:9443/stream"
	binanceRESTBase  = "https://api.binance.com"
	wsReadTimeout    = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	streamBufferSize = 256
)

// Binance streams miniTicker prices and answers REST spot queries.
type Binance struct {
	rest *resty.Client
}

// NewBinance creates the Binance oracle.
func NewBinance() *Binance {
	return &Binance{
		rest: resty.New().
			SetBaseURL(binanceRESTBase).
			SetTimeout(30 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second),
	}
}

func (b *Binance) Source() string { return "binance" }

// GetCurrent fetches the USDT ticker price for a symbol.
func (b *Binance) GetCurrent(ctx context.Context, symbol string) (*types.OracleData, error) {
	var resp struct {
		Price string `json:"price"`
	}
	res, err := b.rest.R().
		SetContext(ctx).
		SetQueryParam("symbol", pairFor(symbol)).
		SetResult(&resp).
		Get("/api/v3/ticker/price")
	if err != nil {
		return nil, fmt.Errorf("binance ticker %s: %w", symbol, err)
	}
	if res.StatusCode() != 200 {
		return nil, fmt.Errorf("binance ticker %s: status %d", symbol, res.StatusCode())
	}
	value, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return nil, fmt.Errorf("binance ticker %s: malformed price %q", symbol, resp.Price)
	}
	return &types.OracleData{
		Source:    b.Source(),
		Symbol:    symbol,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}, nil
}

// miniTicker is the payload inside a combined-stream frame.
type miniTicker struct {
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// Stream opens the combined miniTicker stream for the given symbols and
// pushes readings until ctx is cancelled. Reconnection is internal; the
// returned channel stays open across reconnects.
func (b *Binance) Stream(ctx context.Context, symbols []string) (<-chan types.OracleData, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("binance stream: no symbols")
	}

	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(pairFor(s)) + "@miniTicker"
	}
	url := binanceWSBase + "?streams=" + strings.Join(streams, "/")

	// Map pair back to the caller's symbol for outgoing readings.
	bySymbol := make(map[string]string, len(symbols))
	for _, s := range symbols {
		bySymbol[pairFor(s)] = s
	}

	out := make(chan types.OracleData, streamBufferSize)
	go func() {
		defer close(out)
		backoff := time.Second
		for {
			err := b.readStream(ctx, url, bySymbol, out)
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxReconnectWait {
				backoff = maxReconnectWait
			}
			_ = err
		}
	}()
	return out, nil
}

// readStream runs one connection until it fails or ctx ends.
func (b *Binance) readStream(ctx context.Context, url string, bySymbol map[string]string, out chan<- types.OracleData) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("binance dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			return err
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("binance read: %w", err)
		}

		var frame combinedFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		var tick miniTicker
		if err := json.Unmarshal(frame.Data, &tick); err != nil {
			continue
		}
		symbol, ok := bySymbol[tick.Symbol]
		if !ok {
			continue
		}
		value, err := decimal.NewFromString(tick.Close)
		if err != nil {
			continue
		}

		reading := types.OracleData{
			Source:    b.Source(),
			Symbol:    symbol,
			Value:     value,
			Timestamp: time.Now().UTC(),
		}
		select {
		case out <- reading:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Consumer lagging: drop the reading, latest-received wins anyway.
		}
	}
}

// pairFor maps an oracle symbol to Binance's USDT pair.
func pairFor(symbol string) string {
	return strings.ToUpper(symbol) + "USDT"
}
