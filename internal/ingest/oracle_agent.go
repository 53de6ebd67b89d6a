// oracle_agent.go publishes reference prices onto oracle.{source}.{symbol}.
// Streaming oracles are consumed push-style; everything else polls.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"arbpilot/internal/bus"
	"arbpilot/internal/oracle"
)

// OracleAgent feeds one oracle source onto the bus.
type OracleAgent struct {
	oracle   oracle.Oracle
	symbols  []string
	bus      bus.Bus
	logger   *slog.Logger
	interval time.Duration
	stream   <-chan struct{} // closed when the stream goroutine exits

	streaming bool
}

// NewOracleAgent creates an agent for one oracle source and symbol set.
func NewOracleAgent(o oracle.Oracle, symbols []string, b bus.Bus, logger *slog.Logger, interval time.Duration) *OracleAgent {
	return &OracleAgent{
		oracle:   o,
		symbols:  symbols,
		bus:      b,
		logger:   logger.With("component", "oracle-agent", "source", o.Source()),
		interval: interval,
	}
}

func (a *OracleAgent) Name() string            { return "oracle-agent-" + a.oracle.Source() }
func (a *OracleAgent) Subscriptions() []string { return nil }

// Handle is never called: the agent has no subscriptions.
func (a *OracleAgent) Handle(context.Context, string, bus.Message) error { return nil }

func (a *OracleAgent) TickInterval() time.Duration { return a.interval }

// Start switches to streaming when the oracle supports it. The stream
// goroutine lives on the agent's context, so runtime shutdown ends it.
func (a *OracleAgent) Start(ctx context.Context) error {
	streamer, ok := a.oracle.(oracle.Streamer)
	if !ok {
		return nil
	}
	readings, err := streamer.Stream(ctx, a.symbols)
	if err != nil {
		a.logger.Warn("stream unavailable, falling back to polling", "error", err)
		return nil
	}

	a.streaming = true
	done := make(chan struct{})
	a.stream = done
	go func() {
		defer close(done)
		for reading := range readings {
			if _, err := a.bus.Publish(ctx, bus.OracleChannel(reading.Source, reading.Symbol), reading.Record()); err != nil {
				a.logger.Error("stream publish failed", "symbol", reading.Symbol, "error", err)
				return
			}
		}
	}()
	a.logger.Info("streaming oracle started", "symbols", len(a.symbols))
	return nil
}

// Tick polls every configured symbol. A streaming agent only verifies its
// stream goroutine is still alive. Transient oracle failures are logged and
// retried next tick; bus failures propagate.
func (a *OracleAgent) Tick(ctx context.Context) error {
	if a.streaming {
		select {
		case <-a.stream:
			a.streaming = false
			a.logger.Warn("stream ended, resuming polling")
		default:
		}
		return nil
	}

	for _, symbol := range a.symbols {
		reading, err := a.oracle.GetCurrent(ctx, symbol)
		if err != nil {
			a.logger.Warn("oracle fetch failed", "symbol", symbol, "error", err)
			continue
		}
		if _, err := a.bus.Publish(ctx, bus.OracleChannel(reading.Source, reading.Symbol), reading.Record()); err != nil {
			return err
		}
	}
	return nil
}
