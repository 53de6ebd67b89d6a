// Package agent provides the runtime for the pilot's long-lived autonomous
// components.
//
// An Agent declares a name, its channel subscriptions, and a Handle method;
// the Runner gives it a cooperative run loop: drain system.commands (HALT_ALL
// stops the loop), drain each subscribed channel through a consumer group
// named {name}-group, and ack every record whether or not the handler
// succeeded — at-least-once delivery with poison-message tolerance. The
// Orchestrator supervises Runners with exponential-backoff restart.
package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"arbpilot/internal/bus"
)

// Agent is any component that lives on the bus.
type Agent interface {
	// Name identifies the agent; its consumer group is "{name}-group".
	Name() string

	// Subscriptions lists the channels the agent consumes. May be empty for
	// pure producers (ingest agents).
	Subscriptions() []string

	// Handle processes one record from one channel. Errors are logged and
	// the record is acked regardless; Handle must not block the scheduler
	// beyond ordinary I/O.
	Handle(ctx context.Context, channel string, msg bus.Message) error
}

// Starter is implemented by agents that recover state before the loop runs
// (the paper executor reloads open trades from the repository).
type Starter interface {
	Start(ctx context.Context) error
}

// Ticker is implemented by agents that do periodic work with no
// subscriptions — the polling ingest agents. Tick errors propagate to the
// supervisor and restart the agent; recoverable poll failures must be
// handled (logged) inside Tick.
type Ticker interface {
	Tick(ctx context.Context) error
	TickInterval() time.Duration
}

// Runner drives one agent's cooperative loop.
type Runner struct {
	agent Agent
	bus   bus.Bus
	log   Logger

	batch     int64
	block     time.Duration
	heartbeat atomic.Int64 // unix nanos of the last completed tick
	halt      atomic.Bool
}

// Logger is the slice of *slog.Logger the runtime needs. Narrowed to an
// interface so tests can run silent.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NewRunner wraps an agent with its run loop. batch is the per-channel drain
// limit per tick; block bounds each grouped read.
func NewRunner(a Agent, b bus.Bus, log Logger) *Runner {
	return &Runner{
		agent: a,
		bus:   b,
		log:   log,
		batch: 10,
		block: 200 * time.Millisecond,
	}
}

// Name returns the wrapped agent's name.
func (r *Runner) Name() string { return r.agent.Name() }

// LastHeartbeat reports when the agent last completed a loop tick.
func (r *Runner) LastHeartbeat() time.Time {
	n := r.heartbeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Halt asks the loop to stop at the next tick.
func (r *Runner) Halt() { r.halt.Store(true) }

// Run executes the agent loop until ctx is cancelled, HALT_ALL arrives, or
// a bus failure propagates. A nil return is a clean stop; the orchestrator
// restarts only on error.
func (r *Runner) Run(ctx context.Context) error {
	group := r.agent.Name() + "-group"

	channels := append([]string{bus.ChanCommands}, r.agent.Subscriptions()...)
	for _, ch := range channels {
		if err := r.bus.EnsureGroup(ctx, ch, group, bus.StartNew); err != nil {
			return err
		}
	}

	if s, ok := r.agent.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("agent %s start: %w", r.agent.Name(), err)
		}
	}

	var tickAt time.Time
	ticker, isTicker := r.agent.(Ticker)

	r.log.Info("agent_started", "agent", r.agent.Name(), "subscriptions", len(r.agent.Subscriptions()))

	for {
		if ctx.Err() != nil {
			return nil
		}
		if r.halt.Load() {
			r.log.Info("agent_stopped", "agent", r.agent.Name(), "cause", "halt")
			return nil
		}
		r.heartbeat.Store(time.Now().UnixNano())

		// Commands first: HALT_ALL transitions straight to Stop.
		halted, err := r.drainCommands(ctx, group)
		if err != nil {
			return err
		}
		if halted {
			r.log.Info("agent_stopped", "agent", r.agent.Name(), "cause", bus.CmdHaltAll)
			return nil
		}

		consumed := 0
		for _, ch := range r.agent.Subscriptions() {
			n, err := r.drainChannel(ctx, group, ch)
			if err != nil {
				return err
			}
			consumed += n
		}

		if isTicker && time.Since(tickAt) >= ticker.TickInterval() {
			if err := ticker.Tick(ctx); err != nil {
				return fmt.Errorf("agent %s tick: %w", r.agent.Name(), err)
			}
			tickAt = time.Now()
		}

		// Yield briefly when idle; the grouped reads already block when
		// the agent has subscriptions.
		if consumed == 0 && len(r.agent.Subscriptions()) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(r.block):
			}
		}
	}
}

// drainCommands consumes up to batch operator commands without blocking.
func (r *Runner) drainCommands(ctx context.Context, group string) (bool, error) {
	msgs, err := r.bus.ConsumeGroup(ctx, bus.ChanCommands, group, r.agent.Name(), r.batch, 0)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	halted := false
	for _, m := range msgs {
		if m.Values["command"] == bus.CmdHaltAll {
			halted = true
		}
		if err := r.bus.Ack(ctx, bus.ChanCommands, group, m.ID); err != nil {
			r.log.Warn("ack failed", "agent", r.agent.Name(), "channel", bus.ChanCommands, "id", m.ID, "error", err)
		}
	}
	return halted, nil
}

// drainChannel consumes up to batch records from one subscription. Handler
// errors are logged with full context; the record is acked in all cases so a
// poison message is recorded and abandoned rather than retried endlessly.
func (r *Runner) drainChannel(ctx context.Context, group, channel string) (int, error) {
	msgs, err := r.bus.ConsumeGroup(ctx, channel, group, r.agent.Name(), r.batch, r.block)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, err
	}
	for _, m := range msgs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Error("handler panic", "agent", r.agent.Name(), "channel", channel, "id", m.ID, "panic", p)
				}
				if err := r.bus.Ack(ctx, channel, group, m.ID); err != nil {
					r.log.Warn("ack failed", "agent", r.agent.Name(), "channel", channel, "id", m.ID, "error", err)
				}
			}()
			if err := r.agent.Handle(ctx, channel, m); err != nil {
				r.log.Error("handler error", "agent", r.agent.Name(), "channel", channel, "id", m.ID, "error", err)
			}
		}()
	}
	return len(msgs), nil
}
