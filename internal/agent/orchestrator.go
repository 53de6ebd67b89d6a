// orchestrator.go supervises the agent fleet.
//
// Each runner gets a supervisor goroutine: when the run loop returns an
// error, the agent is restarted with exponential backoff (1s doubling to a
// 60s cap). Five consecutive failures mark the agent terminally failed; the
// process keeps running so surviving agents stay observable. Shutdown stops
// agents in reverse of start order with a bounded grace period per agent.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

// Supervision policy. Tests override via OrchestratorOpts.
const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 60 * time.Second
	defaultMaxFailures    = 5
	defaultGracePeriod    = 2 * time.Second
	healthyRunThreshold   = time.Minute // runs at least this long reset the failure count
)

// AgentHealth is the per-agent slice of a health report.
type AgentHealth struct {
	Running       bool
	Restarts      int
	TerminalFail  bool
	LastHeartbeat time.Time
}

// Health is the orchestrator-level health report.
type Health struct {
	Running bool
	Uptime  time.Duration
	Agents  map[string]AgentHealth
}

// OrchestratorOpts tunes supervision; zero values select the defaults.
type OrchestratorOpts struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxFailures    int
	GracePeriod    time.Duration
}

type supervised struct {
	runner *Runner
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	running  bool
	restarts int
	terminal bool
}

// Orchestrator owns the lifecycle of every agent in the process.
type Orchestrator struct {
	log  Logger
	opts OrchestratorOpts

	mu        sync.Mutex
	agents    []*supervised // in start order
	startedAt time.Time
	running   bool

	group    *errgroup.Group
	groupCtx context.Context
}

// NewOrchestrator creates an orchestrator with the given supervision policy.
func NewOrchestrator(log Logger, opts OrchestratorOpts) *Orchestrator {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = defaultMaxFailures
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	return &Orchestrator{log: log, opts: opts}
}

// Add registers a runner. Agents start in Add order and stop in reverse.
// Must be called before Start.
func (o *Orchestrator) Add(r *Runner) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents = append(o.agents, &supervised{runner: r, done: make(chan struct{})})
}

// Start launches every agent under supervision.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.group, o.groupCtx = errgroup.WithContext(ctx)
	o.startedAt = time.Now()
	o.running = true

	for _, s := range o.agents {
		s := s
		agentCtx, cancel := context.WithCancel(o.groupCtx)
		s.cancel = cancel
		o.group.Go(func() error {
			defer close(s.done)
			o.supervise(agentCtx, s)
			return nil
		})
		o.log.Info("agent supervised", "agent", s.runner.Name())
	}
}

// supervise runs one agent until clean exit, terminal failure, or shutdown.
func (o *Orchestrator) supervise(ctx context.Context, s *supervised) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.opts.InitialBackoff
	bo.MaxInterval = o.opts.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()

	failures := 0
	for {
		s.setRunning(true)
		began := time.Now()
		err := s.runner.Run(ctx)
		s.setRunning(false)

		if err == nil || ctx.Err() != nil {
			return
		}

		if time.Since(began) >= healthyRunThreshold {
			failures = 0
			bo.Reset()
		}
		failures++
		s.incRestarts()

		if failures >= o.opts.MaxFailures {
			s.setTerminal()
			o.log.Error("agent terminally failed",
				"agent", s.runner.Name(),
				"consecutive_failures", failures,
				"error", err,
			)
			return
		}

		wait := bo.NextBackOff()
		o.log.Warn("agent crashed, restarting",
			"agent", s.runner.Name(),
			"error", err,
			"backoff", wait,
			"consecutive_failures", failures,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Stop shuts agents down in reverse of start order, giving each a grace
// period before its context is cancelled outright, then waits for the group.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	agents := make([]*supervised, len(o.agents))
	copy(agents, o.agents)
	o.running = false
	o.mu.Unlock()

	for i := len(agents) - 1; i >= 0; i-- {
		s := agents[i]
		s.runner.Halt()
		select {
		case <-s.done:
		case <-time.After(o.opts.GracePeriod):
			if s.cancel != nil {
				s.cancel()
			}
			<-s.done
		}
		o.log.Info("agent stopped", "agent", s.runner.Name())
	}

	if o.group != nil {
		_ = o.group.Wait()
	}
}

// HealthReport snapshots orchestrator and per-agent state.
func (o *Orchestrator) HealthReport() Health {
	o.mu.Lock()
	defer o.mu.Unlock()

	report := Health{
		Running: o.running,
		Agents:  make(map[string]AgentHealth, len(o.agents)),
	}
	if o.running {
		report.Uptime = time.Since(o.startedAt)
	}
	for _, s := range o.agents {
		s.mu.Lock()
		report.Agents[s.runner.Name()] = AgentHealth{
			Running:       s.running,
			Restarts:      s.restarts,
			TerminalFail:  s.terminal,
			LastHeartbeat: s.runner.LastHeartbeat(),
		}
		s.mu.Unlock()
	}
	return report
}

// WarnStale logs agents whose heartbeat is older than threshold. Intended to
// run on the health-check cadence.
func (o *Orchestrator) WarnStale(threshold time.Duration) {
	for name, h := range o.HealthReport().Agents {
		if h.Running && !h.LastHeartbeat.IsZero() && time.Since(h.LastHeartbeat) > threshold {
			o.log.Warn("agent heartbeat stale", "agent", name, "last_heartbeat", h.LastHeartbeat)
		}
	}
}

func (s *supervised) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func (s *supervised) incRestarts() {
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
}

func (s *supervised) setTerminal() {
	s.mu.Lock()
	s.terminal = true
	s.mu.Unlock()
}
