// client.go wraps a resty client with the shared adapter guards: a token
// bucket for venue rate limits, a circuit breaker for repeated upstream
// failures, and a one-way geo-block latch for HTTP 451.
package venue

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
)

// httpTimeout bounds every external venue call.
const httpTimeout = 30 * time.Second

// guardedClient is the HTTP substrate shared by all venue adapters.
type guardedClient struct {
	http       *resty.Client
	limiter    *TokenBucket
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	geoBlocked atomic.Bool
}

func newGuardedClient(venue, baseURL string, logger *slog.Logger) *guardedClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(httpTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    venue,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("venue circuit state change", "venue", name, "from", from.String(), "to", to.String())
		},
	})

	return &guardedClient{
		http:    client,
		limiter: NewTokenBucket(10, 5),
		breaker: breaker,
		logger:  logger.With("component", "venue-"+venue),
	}
}

// do runs one request through the limiter and breaker. fn receives a fresh
// request to configure and send. A 451 response latches the geo-block flag;
// a 429 surfaces as an error for the poll loop to log and retry next cycle.
func (g *guardedClient) do(ctx context.Context, fn func(r *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	if g.geoBlocked.Load() {
		return nil, ErrGeoBlocked
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		resp, err := fn(g.http.R().SetContext(ctx))
		if err != nil {
			return nil, err
		}
		switch resp.StatusCode() {
		case http.StatusUnavailableForLegalReasons:
			if g.geoBlocked.CompareAndSwap(false, true) {
				g.logger.Error("venue geo-blocked, adapter disabled")
			}
			return nil, ErrGeoBlocked
		case http.StatusTooManyRequests:
			return nil, fmt.Errorf("rate limited (429)")
		}
		if resp.StatusCode() >= 500 {
			return nil, fmt.Errorf("upstream error: status %d", resp.StatusCode())
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*resty.Response), nil
}
