package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tradeagent/internal/models"
)

// InsertTrade stores a trade and fills in its ID.
func (db *DB) InsertTrade(ctx context.Context, trade *models.Trade) error {
	query := `
		INSERT INTO trades (stock_id, side, quantity, price, total_value, currency,
			status, broker_order_id, pipeline_run_id, is_backtest, backtest_run_id,
			error_message, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at`

	var executedAt sql.NullTime
	if trade.ExecutedAt != nil {
		executedAt = sql.NullTime{Time: *trade.ExecutedAt, Valid: true}
	}
	err := db.conn.QueryRowContext(ctx, query,
		trade.StockID, trade.Side, trade.Quantity, trade.Price, trade.TotalValue,
		trade.Currency, trade.Status, trade.BrokerOrderID, trade.PipelineRunID,
		trade.IsBacktest, trade.BacktestRunID, trade.ErrorMessage, executedAt,
	).Scan(&trade.ID, &trade.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s trade for stock %d: %w", trade.Side, trade.StockID, err)
	}
	return nil
}

// UpdateTradeStatus moves a trade through its lifecycle.
func (db *DB) UpdateTradeStatus(ctx context.Context, tradeID int64, status models.TradeStatus, brokerOrderID, errorMessage string, executedAt *time.Time) error {
	var ts sql.NullTime
	if executedAt != nil {
		ts = sql.NullTime{Time: *executedAt, Valid: true}
	}
	result, err := db.conn.ExecContext(ctx, `
		UPDATE trades SET status = $2,
			broker_order_id = COALESCE(NULLIF($3, ''), broker_order_id),
			error_message = $4,
			executed_at = COALESCE($5, executed_at)
		WHERE id = $1`,
		tradeID, status, brokerOrderID, errorMessage, ts)
	if err != nil {
		return fmt.Errorf("update trade %d: %w", tradeID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update trade %d: %w", tradeID, models.ErrNotFound)
	}
	return nil
}

// FailedTrades returns trades stuck in FAILED for the given scope, oldest
// first, so the next run can retry them.
func (db *DB) FailedTrades(ctx context.Context, scope models.RunScope) ([]models.Trade, error) {
	query := `
		SELECT t.id, t.stock_id, s.ticker, t.side, t.quantity, t.price, t.total_value,
			t.currency, t.status, t.broker_order_id, t.pipeline_run_id, t.is_backtest,
			t.backtest_run_id, t.error_message, t.executed_at, t.created_at
		FROM trades t
		JOIN stocks s ON s.id = t.stock_id
		WHERE t.status = $1 AND t.is_backtest = $2 AND t.backtest_run_id = $3
		ORDER BY t.created_at`

	rows, err := db.conn.QueryContext(ctx, query, models.TradeFailed, scope.IsBacktest(), scope.BacktestRunID)
	if err != nil {
		return nil, fmt.Errorf("query failed trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// TradesByRun returns all trades recorded for one pipeline run.
func (db *DB) TradesByRun(ctx context.Context, pipelineRunID string) ([]models.Trade, error) {
	query := `
		SELECT t.id, t.stock_id, s.ticker, t.side, t.quantity, t.price, t.total_value,
			t.currency, t.status, t.broker_order_id, t.pipeline_run_id, t.is_backtest,
			t.backtest_run_id, t.error_message, t.executed_at, t.created_at
		FROM trades t
		JOIN stocks s ON s.id = t.stock_id
		WHERE t.pipeline_run_id = $1
		ORDER BY t.created_at`

	rows, err := db.conn.QueryContext(ctx, query, pipelineRunID)
	if err != nil {
		return nil, fmt.Errorf("query trades for run %s: %w", pipelineRunID, err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows *sql.Rows) ([]models.Trade, error) {
	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var executedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.StockID, &t.Ticker, &t.Side, &t.Quantity, &t.Price,
			&t.TotalValue, &t.Currency, &t.Status, &t.BrokerOrderID, &t.PipelineRunID,
			&t.IsBacktest, &t.BacktestRunID, &t.ErrorMessage, &executedAt, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if executedAt.Valid {
			t.ExecutedAt = &executedAt.Time
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
