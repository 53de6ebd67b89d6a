// Package engine is the composition root of the arbitrage pilot.
//
// It wires together all subsystems:
//
//  1. Venue watchers and oracle agents feed market and reference prices
//     onto the bus.
//  2. The scanner turns those feeds into opportunities; the matcher gives
//     it oracle mappings.
//  3. Strategy agents size opportunities into trade requests.
//  4. The risk gate approves or rejects; the executor fills and persists.
//  5. The allocator redistributes capital across strategies by performance.
//
// Agents start downstream-first so nothing is published into a void, and
// stop in reverse order. Lifecycle: New() → Run() → [runs until signal] →
// Stop() via context cancellation.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"arbpilot/internal/agent"
	"arbpilot/internal/allocator"
	"arbpilot/internal/api"
	"arbpilot/internal/bus"
	"arbpilot/internal/config"
	"arbpilot/internal/executor"
	"arbpilot/internal/ingest"
	"arbpilot/internal/matcher"
	"arbpilot/internal/oracle"
	"arbpilot/internal/risk"
	"arbpilot/internal/scanner"
	"arbpilot/internal/store"
	"arbpilot/internal/strategy"
	"arbpilot/internal/venue"
	"arbpilot/pkg/types"
)

const (
	healthCheckCadence = 5 * time.Second
	staleThreshold     = 120 * time.Second
)

// Engine owns every component of the pilot process.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	bus          bus.Bus
	repo         *store.Repo // nil without a database
	adapters     map[string]venue.Adapter
	orchestrator *agent.Orchestrator

	scanner   *scanner.Scanner
	gate      *risk.Gate
	paper     *executor.Paper
	allocator *allocator.Allocator
	dashboard *api.Server
}

// New builds and wires the full agent fleet from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, logger: logger.With("component", "engine")}

	var err error
	e.bus, err = buildBus(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var repo executor.Repository
	if cfg.DatabaseURL != "" {
		e.repo, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			e.bus.Close()
			return nil, err
		}
		repo = e.repo
	} else {
		logger.Warn("no database configured, trades will not survive restart")
		repo = executor.NewMemRepo()
	}

	e.adapters = buildAdapters(cfg, logger)
	oracles, err := buildOracles(cfg)
	if err != nil {
		e.Close()
		return nil, err
	}

	var parser matcher.TitleParser
	if cfg.LLM.Endpoint != "" {
		parser = matcher.NewLLMParser(cfg.LLM.Endpoint, cfg.LLM.APIKey, cfg.LLM.Model)
	}
	titleMatcher := matcher.New(parser, logger)

	e.scanner = scanner.New(e.bus, titleMatcher, cfg.Venues, cfg.Oracles, cfg.Symbols,
		cfg.MinEdgePct, cfg.MinSignalStrength, logger)

	e.gate = risk.NewGate(e.bus, &adapterBooks{adapters: e.adapters}, risk.Limits{
		InitialBankroll:    cfg.InitialBankroll,
		PositionLimitPct:   cfg.PositionLimitPct,
		PlatformLimitPct:   cfg.PlatformLimitPct,
		DailyLossLimitPct:  cfg.DailyLossLimitPct,
		DrawdownLimitPct:   cfg.DrawdownLimitPct,
		MinProfitThreshold: cfg.MinProfitThreshold,
	}, logger)

	sniper := strategy.NewOracleSniper()
	strategyNames := []string{sniper.StrategyName()}
	e.allocator = allocator.New(e.bus, strategyNames, cfg.InitialBankroll,
		cfg.MinAllocation, cfg.MaxAllocation, cfg.RebalanceIntervalTrades, logger)

	initialAlloc := decimal.NewFromInt(1).Div(decimal.NewFromInt(int64(len(strategyNames))))
	sniperAgent := strategy.NewAgent(sniper, e.bus,
		cfg.MinEdgePct, cfg.MinSignalStrength, cfg.PositionLimitPct,
		initialAlloc, cfg.InitialBankroll, logger)

	e.paper = executor.NewPaper(e.bus, repo, logger)

	// Downstream-first start order: consumers exist before producers emit.
	e.orchestrator = agent.NewOrchestrator(logger, agent.OrchestratorOpts{})
	e.orchestrator.Add(agent.NewRunner(e.allocator, e.bus, logger))
	if cfg.PaperTrading {
		e.orchestrator.Add(agent.NewRunner(e.paper, e.bus, logger))
	} else {
		e.orchestrator.Add(agent.NewRunner(executor.NewLive(e.bus, e.adapters, logger), e.bus, logger))
	}
	e.orchestrator.Add(agent.NewRunner(e.gate, e.bus, logger))
	e.orchestrator.Add(agent.NewRunner(sniperAgent, e.bus, logger))
	e.orchestrator.Add(agent.NewRunner(e.scanner, e.bus, logger))
	for _, name := range cfg.Venues {
		adapter, ok := e.adapters[name]
		if !ok {
			continue
		}
		e.orchestrator.Add(agent.NewRunner(
			ingest.NewVenueWatcher(adapter, e.bus, logger, cfg.VenuePollInterval), e.bus, logger))
	}
	for _, o := range oracles {
		e.orchestrator.Add(agent.NewRunner(
			ingest.NewOracleAgent(o, cfg.Symbols, e.bus, logger, cfg.OraclePollInterval), e.bus, logger))
	}

	if cfg.DashboardPort > 0 {
		e.dashboard = api.NewServer(cfg.DashboardPort, e, logger)
	}

	return e, nil
}

// Run starts the fleet and blocks until ctx is cancelled, then shuts down
// in reverse order.
func (e *Engine) Run(ctx context.Context) error {
	mode := "live"
	if e.cfg.PaperTrading {
		mode = "paper"
	}
	e.logger.Info("pilot starting",
		"mode", mode,
		"venues", e.cfg.Venues,
		"oracles", e.cfg.Oracles,
		"bus", e.cfg.BusBackend,
	)
	e.orchestrator.Start(ctx)
	if e.dashboard != nil {
		go func() {
			if err := e.dashboard.Start(); err != nil {
				e.logger.Error("dashboard failed", "error", err)
			}
		}()
	}

	ticker := time.NewTicker(healthCheckCadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("shutdown requested")
			if e.dashboard != nil {
				_ = e.dashboard.Stop()
			}
			e.orchestrator.Stop()
			e.Close()
			return nil
		case <-ticker.C:
			e.orchestrator.WarnStale(staleThreshold)
		}
	}
}

// Health returns the orchestrator's health report.
func (e *Engine) Health() agent.Health {
	return e.orchestrator.HealthReport()
}

// Snapshot aggregates the stateful agents' snapshots for the dashboard.
func (e *Engine) Snapshot() map[string]any {
	return map[string]any{
		"risk":      e.gate.GetStateSnapshot(),
		"allocator": e.allocator.GetStateSnapshot(),
		"executor":  e.paper.GetStateSnapshot(),
	}
}

// Close releases the bus, database, and adapter resources.
func (e *Engine) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, a := range e.adapters {
		if a.IsConnected() {
			_ = a.Disconnect(ctx)
		}
	}
	if e.repo != nil {
		_ = e.repo.Close()
	}
	if e.bus != nil {
		_ = e.bus.Close()
	}
}

// ————————————————————————————————————————————————————————————————————————
// Wiring helpers
// ————————————————————————————————————————————————————————————————————————

func buildBus(ctx context.Context, cfg *config.Config) (bus.Bus, error) {
	switch cfg.BusBackend {
	case "memory":
		return bus.NewMemoryBus(), nil
	case "redis":
		return bus.NewRedisBus(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("engine: unknown bus backend %q", cfg.BusBackend)
	}
}

func buildAdapters(cfg *config.Config, logger *slog.Logger) map[string]venue.Adapter {
	adapters := make(map[string]venue.Adapter, len(cfg.Venues))
	for _, name := range cfg.Venues {
		creds := cfg.Credentials[name]
		switch name {
		case "polymarket":
			adapters[name] = venue.NewPolymarket(creds, logger)
		case "kalshi":
			adapters[name] = venue.NewKalshi(creds, logger)
		default:
			logger.Warn("unknown venue, skipping", "venue", name)
		}
	}
	return adapters
}

func buildOracles(cfg *config.Config) ([]oracle.Oracle, error) {
	oracles := make([]oracle.Oracle, 0, len(cfg.Oracles))
	for _, name := range cfg.Oracles {
		switch name {
		case "coinbase":
			oracles = append(oracles, oracle.NewCoinbase())
		case "binance":
			oracles = append(oracles, oracle.NewBinance())
		default:
			return nil, fmt.Errorf("engine: unknown oracle %q", name)
		}
	}
	return oracles, nil
}

// adapterBooks adapts the venue adapters into the risk gate's book source.
type adapterBooks struct {
	adapters map[string]venue.Adapter
}

func (b *adapterBooks) Book(ctx context.Context, marketID string, outcome types.OutcomeKind) (*types.OrderBook, error) {
	adapter, ok := b.adapters[types.VenueOf(marketID)]
	if !ok {
		return nil, nil
	}
	return adapter.GetOrderBook(ctx, marketID, outcome)
}
