// Arbitrage Pilot — an automated arbitrage engine for crypto prediction
// markets across Polymarket and Kalshi.
//
// Architecture:
//
//	main.go               — CLI: pilot (run the fleet), report, version
//	engine/engine.go      — composition root: wires ingest → scanner → strategy → risk → executor
//	bus/                  — durable message bus (Redis Streams, in-memory for dev/tests)
//	agent/                — agent runtime loop and supervising orchestrator
//	ingest/               — venue watchers and oracle agents (pure producers)
//	matcher/              — regex-first title parsing with batched LLM fallback
//	scanner/              — opportunity detection: mispricing, oracle lag, cross-platform
//	strategy/             — strategy shell + Oracle Sniper evaluator
//	risk/gate.go          — ordered pre-trade rule chain with drawdown halt latch
//	executor/             — paper fills with idempotent persistence; live adapter routing
//	allocator/            — tournament capital allocation across strategies
//	store/                — Postgres repository for trades and reporting
//
// How it makes money:
//
//	Prediction-market prices drift from each other and from reality. The
//	pilot watches YES/NO quote sums, cross-venue spreads on matched events,
//	and markets whose prices lag a live crypto oracle, then takes the cheap
//	side — in paper mode by default, so the edge is measured before any
//	capital moves.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"arbpilot/internal/config"
	"arbpilot/internal/engine"
	"arbpilot/internal/store"
)

// version is stamped by the build: -ldflags "-X main.version=…".
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "arbpilot",
		Short:         "Prediction-market arbitrage pilot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(pilotCmd(), reportCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// pilotCmd runs the agent fleet until SIGINT/SIGTERM.
func pilotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pilot",
		Short: "Run the arbitrage pilot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := buildLogger(cfg.Logging)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := engine.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return eng.Run(ctx)
		},
	}
}

// reportCmd prints the trailing trade summary from the database.
func reportCmd() *cobra.Command {
	var days int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print the paper-trading summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("report requires ARB_DATABASE_URL")
			}

			ctx := cmd.Context()
			repo, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer repo.Close()

			summary, err := repo.GetDailySummary(ctx, days)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(summaryJSON(summary))
			}
			printSummary(summary, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "trailing window in days")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of text")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println("arbpilot", version)
		},
	}
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func printSummary(s *store.DailySummary, days int) {
	fmt.Printf("Trades over the last %d day(s)\n", days)
	fmt.Printf("  total:        %d\n", s.Total)
	fmt.Printf("  open:         %d\n", s.Open)
	fmt.Printf("  closed:       %d\n", s.Closed)
	fmt.Printf("  realized pnl: %s\n", s.RealizedPnL)
	fmt.Printf("  wins/losses:  %d/%d (win rate %s)\n", s.Wins, s.Losses, s.WinRate)
	fmt.Printf("  rejections:   %d\n", s.Rejections)
	if len(s.ByOpportunityType) > 0 {
		fmt.Println("  by opportunity type:")
		for t, n := range s.ByOpportunityType {
			fmt.Printf("    %-16s %d\n", t, n)
		}
	}
	if len(s.RiskRejections) > 0 {
		fmt.Println("  risk rejections:")
		for reason, n := range s.RiskRejections {
			fmt.Printf("    %-24s %d\n", reason, n)
		}
	}
}

func summaryJSON(s *store.DailySummary) map[string]any {
	return map[string]any{
		"total":               s.Total,
		"open":                s.Open,
		"closed":              s.Closed,
		"realized_pnl":        s.RealizedPnL.String(),
		"wins":                s.Wins,
		"losses":              s.Losses,
		"win_rate":            s.WinRate.String(),
		"rejections":          s.Rejections,
		"by_opportunity_type": s.ByOpportunityType,
		"risk_rejections":     s.RiskRejections,
	}
}
