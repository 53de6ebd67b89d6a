// Package store provides Postgres persistence for trades and reporting.
//
// A single paper_trades table holds every trade attempt, paper or live,
// approved or rejected. The unique constraint on (opportunity_id, market_id,
// side) is the authoritative duplicate-trade guard: the scanner may re-emit
// an opportunity before the executor finishes the prior attempt, and the
// insert collapses the race into a silent no-op.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Trade lifecycle states in the database. These are positions, not orders:
// open until resolution, then closed or resolved.
const (
	StatusOpen     = "open"
	StatusClosed   = "closed"
	StatusResolved = "resolved"
)

const schema = `
CREATE TABLE IF NOT EXISTS paper_trades (
	id                    TEXT PRIMARY KEY,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	opportunity_id        TEXT NOT NULL,
	opportunity_type      TEXT NOT NULL,
	market_id             TEXT NOT NULL,
	venue                 TEXT NOT NULL,
	side                  TEXT NOT NULL,
	outcome               TEXT NOT NULL,
	quantity              NUMERIC NOT NULL,
	price                 NUMERIC NOT NULL,
	fees                  NUMERIC NOT NULL DEFAULT 0,
	expected_edge         NUMERIC NOT NULL DEFAULT 0,
	strategy_id           TEXT,
	risk_approved         BOOLEAN NOT NULL,
	risk_rejection_reason TEXT,
	status                TEXT NOT NULL DEFAULT 'open',
	exit_price            NUMERIC,
	realized_pnl          NUMERIC,
	resolved_at           TIMESTAMPTZ,
	UNIQUE (opportunity_id, market_id, side)
);
CREATE INDEX IF NOT EXISTS idx_paper_trades_created_at ON paper_trades (created_at);
CREATE INDEX IF NOT EXISTS idx_paper_trades_market_id ON paper_trades (market_id);
CREATE INDEX IF NOT EXISTS idx_paper_trades_status ON paper_trades (status);
CREATE INDEX IF NOT EXISTS idx_paper_trades_opportunity_type ON paper_trades (opportunity_type);
`

// TradeRow is one paper_trades row.
type TradeRow struct {
	ID                  string              `db:"id"`
	CreatedAt           time.Time           `db:"created_at"`
	OpportunityID       string              `db:"opportunity_id"`
	OpportunityType     string              `db:"opportunity_type"`
	MarketID            string              `db:"market_id"`
	Venue               string              `db:"venue"`
	Side                string              `db:"side"`
	Outcome             string              `db:"outcome"`
	Quantity            decimal.Decimal     `db:"quantity"`
	Price               decimal.Decimal     `db:"price"`
	Fees                decimal.Decimal     `db:"fees"`
	ExpectedEdge        decimal.Decimal     `db:"expected_edge"`
	StrategyID          sql.NullString      `db:"strategy_id"`
	RiskApproved        bool                `db:"risk_approved"`
	RiskRejectionReason sql.NullString      `db:"risk_rejection_reason"`
	Status              string              `db:"status"`
	ExitPrice           decimal.NullDecimal `db:"exit_price"`
	RealizedPnL         decimal.NullDecimal `db:"realized_pnl"`
	ResolvedAt          sql.NullTime        `db:"resolved_at"`
}

// DailySummary is the reporting aggregate over a trailing window.
type DailySummary struct {
	Total             int
	Open              int
	Closed            int
	RealizedPnL       decimal.Decimal
	Wins              int
	Losses            int
	WinRate           decimal.Decimal
	Rejections        int
	ByOpportunityType map[string]int
	RiskRejections    map[string]int
}

// Repo is the trade repository.
type Repo struct {
	db *sqlx.DB
}

// Open connects to Postgres, bounds the pool, and ensures the schema.
func Open(ctx context.Context, databaseURL string) (*Repo, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	return &Repo{db: db}, nil
}

// NewWithDB wraps an existing connection; used by tests with sqlmock.
func NewWithDB(db *sqlx.DB) *Repo { return &Repo{db: db} }

func (r *Repo) Close() error { return r.db.Close() }

// InsertTrade inserts one trade attempt. A duplicate (opportunity_id,
// market_id, side) returns ("", nil): success-but-noop.
func (r *Repo) InsertTrade(ctx context.Context, row TradeRow) (string, error) {
	const q = `
		INSERT INTO paper_trades (
			id, created_at, opportunity_id, opportunity_type, market_id, venue,
			side, outcome, quantity, price, fees, expected_edge,
			strategy_id, risk_approved, risk_rejection_reason, status
		) VALUES (
			:id, :created_at, :opportunity_id, :opportunity_type, :market_id, :venue,
			:side, :outcome, :quantity, :price, :fees, :expected_edge,
			:strategy_id, :risk_approved, :risk_rejection_reason, :status
		)
		ON CONFLICT (opportunity_id, market_id, side) DO NOTHING
		RETURNING id`

	rows, err := r.db.NamedQueryContext(ctx, q, row)
	if err != nil {
		return "", fmt.Errorf("store: insert trade: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		// Conflict: the insert did nothing and RETURNING produced no row.
		return "", rows.Err()
	}
	var id string
	if err := rows.Scan(&id); err != nil {
		return "", fmt.Errorf("store: insert trade: %w", err)
	}
	return id, nil
}

// GetTrade fetches one trade by id.
func (r *Repo) GetTrade(ctx context.Context, id string) (*TradeRow, error) {
	var row TradeRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM paper_trades WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get trade %s: %w", id, err)
	}
	return &row, nil
}

// GetOpenTrades returns approved open trades for executor recovery.
func (r *Repo) GetOpenTrades(ctx context.Context) ([]TradeRow, error) {
	var rows []TradeRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM paper_trades WHERE status = $1 AND risk_approved = true ORDER BY created_at`,
		StatusOpen)
	if err != nil {
		return nil, fmt.Errorf("store: get open trades: %w", err)
	}
	return rows, nil
}

// GetTradesSinceDays returns trades created in the trailing n days, newest
// first.
func (r *Repo) GetTradesSinceDays(ctx context.Context, days int) ([]TradeRow, error) {
	var rows []TradeRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM paper_trades WHERE created_at >= now() - ($1 * INTERVAL '1 day') ORDER BY created_at DESC`,
		days)
	if err != nil {
		return nil, fmt.Errorf("store: get trades since %d days: %w", days, err)
	}
	return rows, nil
}

// GetDailySummary aggregates the trailing window in memory. Zero counters,
// not errors, when the window is empty.
func (r *Repo) GetDailySummary(ctx context.Context, days int) (*DailySummary, error) {
	rows, err := r.GetTradesSinceDays(ctx, days)
	if err != nil {
		return nil, err
	}

	summary := &DailySummary{
		ByOpportunityType: make(map[string]int),
		RiskRejections:    make(map[string]int),
	}
	for _, row := range rows {
		if !row.RiskApproved {
			summary.Rejections++
			if row.RiskRejectionReason.Valid {
				summary.RiskRejections[row.RiskRejectionReason.String]++
			}
			continue
		}
		summary.Total++
		summary.ByOpportunityType[row.OpportunityType]++
		switch row.Status {
		case StatusOpen:
			summary.Open++
		default:
			summary.Closed++
		}
		if row.RealizedPnL.Valid {
			pnl := row.RealizedPnL.Decimal
			summary.RealizedPnL = summary.RealizedPnL.Add(pnl)
			if pnl.IsPositive() {
				summary.Wins++
			} else if pnl.IsNegative() {
				summary.Losses++
			}
		}
	}
	if decided := summary.Wins + summary.Losses; decided > 0 {
		summary.WinRate = decimal.NewFromInt(int64(summary.Wins)).
			Div(decimal.NewFromInt(int64(decided)))
	}
	return summary, nil
}

// UpdateTradeResult moves a trade to a terminal or intermediate status.
// Terminal statuses stamp resolved_at.
func (r *Repo) UpdateTradeResult(ctx context.Context, id, status string, exitPrice, realizedPnL *decimal.Decimal) error {
	var resolvedAt sql.NullTime
	if status == StatusClosed || status == StatusResolved {
		resolvedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	var exit, pnl decimal.NullDecimal
	if exitPrice != nil {
		exit = decimal.NullDecimal{Decimal: *exitPrice, Valid: true}
	}
	if realizedPnL != nil {
		pnl = decimal.NullDecimal{Decimal: *realizedPnL, Valid: true}
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE paper_trades SET status = $2, exit_price = $3, realized_pnl = $4, resolved_at = $5 WHERE id = $1`,
		id, status, exit, pnl, resolvedAt)
	if err != nil {
		return fmt.Errorf("store: update trade %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("store: update trade %s: not found", id)
	}
	return nil
}
