package storage

import (
	"context"
	"fmt"
)

// schemaStatements creates all tables and indexes. Statements are
// idempotent so startup can always run them.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS stocks (
		id BIGSERIAL PRIMARY KEY,
		ticker TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		sector TEXT NOT NULL DEFAULT '',
		industry TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL DEFAULT 'USD',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS price_bars (
		id BIGSERIAL PRIMARY KEY,
		stock_id BIGINT NOT NULL REFERENCES stocks(id) ON DELETE CASCADE,
		date DATE NOT NULL,
		open NUMERIC(18,6) NOT NULL,
		high NUMERIC(18,6) NOT NULL,
		low NUMERIC(18,6) NOT NULL,
		close NUMERIC(18,6) NOT NULL,
		adj_close NUMERIC(18,6) NOT NULL,
		volume BIGINT NOT NULL DEFAULT 0,
		UNIQUE (stock_id, date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_bars_stock_date ON price_bars (stock_id, date DESC)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id BIGSERIAL PRIMARY KEY,
		stock_id BIGINT NOT NULL REFERENCES stocks(id),
		quantity NUMERIC(18,6) NOT NULL,
		avg_price NUMERIC(18,6) NOT NULL,
		currency TEXT NOT NULL DEFAULT 'USD',
		status TEXT NOT NULL DEFAULT 'OPEN',
		opened_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		closed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id BIGSERIAL PRIMARY KEY,
		stock_id BIGINT NOT NULL REFERENCES stocks(id),
		side TEXT NOT NULL,
		quantity NUMERIC(18,6) NOT NULL,
		price NUMERIC(18,6) NOT NULL,
		total_value NUMERIC(18,6) NOT NULL,
		currency TEXT NOT NULL DEFAULT 'USD',
		status TEXT NOT NULL,
		broker_order_id TEXT NOT NULL DEFAULT '',
		pipeline_run_id TEXT NOT NULL DEFAULT '',
		is_backtest BOOLEAN NOT NULL DEFAULT FALSE,
		backtest_run_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		executed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_scope ON trades (is_backtest, backtest_run_id)`,
	`CREATE TABLE IF NOT EXISTS decision_reports (
		id BIGSERIAL PRIMARY KEY,
		stock_id BIGINT NOT NULL REFERENCES stocks(id),
		pipeline_run_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		reasoning TEXT NOT NULL DEFAULT '',
		technical_summary JSONB NOT NULL DEFAULT '{}',
		news_summary JSONB NOT NULL DEFAULT '[]',
		memory_refs JSONB NOT NULL DEFAULT '[]',
		portfolio_state JSONB NOT NULL DEFAULT '{}',
		outcome_pnl DOUBLE PRECISION,
		outcome_assessed_at TIMESTAMPTZ,
		is_backtest BOOLEAN NOT NULL DEFAULT FALSE,
		backtest_run_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_stock ON decision_reports (stock_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_scope ON decision_reports (is_backtest, backtest_run_id)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_rsi ON decision_reports (((technical_summary->>'rsi')::float8))`,
	`CREATE TABLE IF NOT EXISTS decision_context_items (
		id BIGSERIAL PRIMARY KEY,
		report_id BIGINT NOT NULL REFERENCES decision_reports(id) ON DELETE CASCADE,
		context_type TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		relevance_score DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		trigger_kind TEXT NOT NULL DEFAULT 'manual',
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ,
		stocks_analyzed INT NOT NULL DEFAULT 0,
		candidates_screened INT NOT NULL DEFAULT 0,
		trades_approved INT NOT NULL DEFAULT 0,
		trades_executed INT NOT NULL DEFAULT 0,
		errors JSONB NOT NULL DEFAULT '[]',
		is_backtest BOOLEAN NOT NULL DEFAULT FALSE,
		backtest_run_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS backtest_runs (
		id TEXT PRIMARY KEY,
		start_date DATE NOT NULL,
		end_date DATE NOT NULL,
		initial_capital NUMERIC(18,6) NOT NULL,
		status TEXT NOT NULL,
		current_day INT NOT NULL DEFAULT 0,
		total_days INT NOT NULL DEFAULT 0,
		metrics JSONB,
		equity_curve JSONB NOT NULL DEFAULT '[]',
		errors JSONB NOT NULL DEFAULT '[]',
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS portfolio_snapshots (
		id BIGSERIAL PRIMARY KEY,
		date DATE NOT NULL,
		total_value NUMERIC(18,6) NOT NULL,
		cash_available NUMERIC(18,6) NOT NULL,
		invested_value NUMERIC(18,6) NOT NULL,
		cumulative_pnl_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		num_positions INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS position_snapshots (
		id BIGSERIAL PRIMARY KEY,
		snapshot_id BIGINT NOT NULL REFERENCES portfolio_snapshots(id) ON DELETE CASCADE,
		stock_id BIGINT NOT NULL REFERENCES stocks(id),
		quantity NUMERIC(18,6) NOT NULL,
		avg_price NUMERIC(18,6) NOT NULL,
		current_price NUMERIC(18,6) NOT NULL,
		market_value NUMERIC(18,6) NOT NULL,
		unrealized_pnl NUMERIC(18,6) NOT NULL,
		weight_pct DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
}

// EnsureSchema creates any missing tables and indexes.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
