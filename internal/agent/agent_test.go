package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"arbpilot/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingAgent records handled messages and can fail on demand.
type countingAgent struct {
	name    string
	subs    []string
	handled atomic.Int64
	fail    atomic.Bool
}

func (a *countingAgent) Name() string            { return a.name }
func (a *countingAgent) Subscriptions() []string { return a.subs }
func (a *countingAgent) Handle(_ context.Context, _ string, _ bus.Message) error {
	a.handled.Add(1)
	if a.fail.Load() {
		return errors.New("handler failure")
	}
	return nil
}

func TestRunnerDeliversAndAcks(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	a := &countingAgent{name: "worker", subs: []string{"work"}}
	r := NewRunner(a, b, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Wait for the runner to create its group, then publish.
	waitFor(t, func() bool { return !r.LastHeartbeat().IsZero() })
	if _, err := b.Publish(ctx, "work", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitFor(t, func() bool { return a.handled.Load() == 1 })
	waitFor(t, func() bool { return b.PendingCount("work", "worker-group") == 0 })

	r.Halt()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v on halt", err)
	}
}

func TestRunnerAcksOnHandlerError(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	a := &countingAgent{name: "flaky", subs: []string{"work"}}
	a.fail.Store(true)
	r := NewRunner(a, b, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, func() bool { return !r.LastHeartbeat().IsZero() })
	_, _ = b.Publish(ctx, "work", map[string]string{"k": "v"})

	// Poison tolerance: the failing handler's message is still acked and
	// the loop keeps running.
	waitFor(t, func() bool { return a.handled.Load() == 1 })
	waitFor(t, func() bool { return b.PendingCount("work", "flaky-group") == 0 })

	r.Halt()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v, handler errors must not crash the loop", err)
	}
}

func TestRunnerStopsOnHaltAll(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	a := &countingAgent{name: "obedient", subs: []string{"work"}}
	r := NewRunner(a, b, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, func() bool { return !r.LastHeartbeat().IsZero() })
	if _, err := bus.PublishCommand(ctx, b, bus.CmdHaltAll, nil); err != nil {
		t.Fatalf("PublishCommand: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v on HALT_ALL", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop on HALT_ALL")
	}
}

// crashingAgent fails its run loop by making the bus unusable: its ticker
// returns an error every invocation.
type crashingAgent struct {
	name string
	runs atomic.Int64
}

func (a *crashingAgent) Name() string                              { return a.name }
func (a *crashingAgent) Subscriptions() []string                   { return nil }
func (a *crashingAgent) Handle(context.Context, string, bus.Message) error { return nil }
func (a *crashingAgent) TickInterval() time.Duration               { return 0 }
func (a *crashingAgent) Tick(context.Context) error {
	a.runs.Add(1)
	return errors.New("boom")
}

func TestOrchestratorRestartsThenMarksTerminal(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	a := &crashingAgent{name: "doomed"}
	o := NewOrchestrator(testLogger(), OrchestratorOpts{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		MaxFailures:    3,
		GracePeriod:    50 * time.Millisecond,
	})
	o.Add(NewRunner(a, b, testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	waitFor(t, func() bool {
		return o.HealthReport().Agents["doomed"].TerminalFail
	})
	health := o.HealthReport().Agents["doomed"]
	if health.Restarts != 3 {
		t.Errorf("restarts = %d, want 3", health.Restarts)
	}
	if runs := a.runs.Load(); runs != 3 {
		t.Errorf("run attempts = %d, want 3", runs)
	}
	o.Stop()
}

func TestOrchestratorStopsCleanAgents(t *testing.T) {
	t.Parallel()
	b := bus.NewMemoryBus()
	a := &countingAgent{name: "steady", subs: []string{"work"}}
	o := NewOrchestrator(testLogger(), OrchestratorOpts{GracePeriod: time.Second})
	o.Add(NewRunner(a, b, testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	waitFor(t, func() bool { return o.HealthReport().Agents["steady"].Running })

	o.Stop()
	if h := o.HealthReport().Agents["steady"]; h.Running {
		t.Error("agent still running after Stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
