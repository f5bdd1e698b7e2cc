package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tradeagent/internal/models"
)

// InsertDecisionReport stores a report and its context items in one
// transaction, filling in the report ID.
func (db *DB) InsertDecisionReport(ctx context.Context, report *models.DecisionReport) error {
	technical, err := json.Marshal(report.Technical)
	if err != nil {
		return fmt.Errorf("marshal technical summary: %w", err)
	}
	news, err := json.Marshal(report.News)
	if err != nil {
		return fmt.Errorf("marshal news summary: %w", err)
	}
	memoryRefs, err := json.Marshal(report.Memory)
	if err != nil {
		return fmt.Errorf("marshal memory refs: %w", err)
	}
	portfolio, err := json.Marshal(report.Portfolio)
	if err != nil {
		return fmt.Errorf("marshal portfolio state: %w", err)
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO decision_reports (stock_id, pipeline_run_id, action, confidence,
				reasoning, technical_summary, news_summary, memory_refs, portfolio_state,
				is_backtest, backtest_run_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id, created_at`,
			report.StockID, report.PipelineRunID, report.Action, report.Confidence,
			report.Reasoning, technical, news, memoryRefs, portfolio,
			report.IsBacktest, report.BacktestRunID,
		).Scan(&report.ID, &report.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert decision report for stock %d: %w", report.StockID, err)
		}

		for i := range report.ContextItems {
			item := &report.ContextItems[i]
			item.ReportID = report.ID
			var relevance sql.NullFloat64
			if item.RelevanceScore != nil {
				relevance = sql.NullFloat64{Float64: *item.RelevanceScore, Valid: true}
			}
			err := tx.QueryRowContext(ctx, `
				INSERT INTO decision_context_items (report_id, context_type, source, content, relevance_score)
				VALUES ($1, $2, $3, $4, $5)
				RETURNING id, created_at`,
				item.ReportID, item.ContextType, item.Source, item.Content, relevance,
			).Scan(&item.ID, &item.CreatedAt)
			if err != nil {
				return fmt.Errorf("insert context item: %w", err)
			}
		}
		return nil
	})
}

const decisionColumns = `
	d.id, d.stock_id, s.ticker, d.pipeline_run_id, d.action, d.confidence,
	d.reasoning, d.technical_summary, d.news_summary, d.memory_refs,
	d.portfolio_state, d.outcome_pnl, d.outcome_assessed_at,
	d.is_backtest, d.backtest_run_id, d.created_at`

// RecentDecisionsByStock returns the most recent decisions for one
// instrument in the given scope, newest first.
func (db *DB) RecentDecisionsByStock(ctx context.Context, scope models.RunScope, stockID int64, limit int) ([]models.DecisionReport, error) {
	query := `
		SELECT ` + decisionColumns + `
		FROM decision_reports d
		JOIN stocks s ON s.id = d.stock_id
		WHERE d.stock_id = $1 AND d.is_backtest = $2 AND d.backtest_run_id = $3
		ORDER BY d.created_at DESC
		LIMIT $4`

	rows, err := db.conn.QueryContext(ctx, query, stockID, scope.IsBacktest(), scope.BacktestRunID, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions for stock %d: %w", stockID, err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// DecisionsBySectorAction returns assessed decisions for other instruments
// in the same sector with the same action, ordered by realized outcome.
func (db *DB) DecisionsBySectorAction(ctx context.Context, scope models.RunScope, sector string, action models.Action, excludeStockID int64, bestFirst bool, limit int) ([]models.DecisionReport, error) {
	order := "ASC"
	if bestFirst {
		order = "DESC"
	}
	query := `
		SELECT ` + decisionColumns + `
		FROM decision_reports d
		JOIN stocks s ON s.id = d.stock_id
		WHERE s.sector = $1 AND d.action = $2 AND d.stock_id <> $3
			AND d.outcome_assessed_at IS NOT NULL
			AND d.is_backtest = $4 AND d.backtest_run_id = $5
		ORDER BY d.outcome_pnl ` + order + `
		LIMIT $6`

	rows, err := db.conn.QueryContext(ctx, query, sector, action, excludeStockID,
		scope.IsBacktest(), scope.BacktestRunID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sector decisions for %s: %w", sector, err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// DecisionsBySimilarSignals returns decisions whose recorded RSI fell in
// [rsiLow, rsiHigh] with a matching MACD direction, newest first.
func (db *DB) DecisionsBySimilarSignals(ctx context.Context, scope models.RunScope, rsiLow, rsiHigh float64, macdDirection string, excludeStockID int64, limit int) ([]models.DecisionReport, error) {
	query := `
		SELECT ` + decisionColumns + `
		FROM decision_reports d
		JOIN stocks s ON s.id = d.stock_id
		WHERE (d.technical_summary->>'rsi')::float8 BETWEEN $1 AND $2
			AND ($3 = '' OR d.technical_summary->'macd'->>'direction' = $3)
			AND d.stock_id <> $4
			AND d.is_backtest = $5 AND d.backtest_run_id = $6
		ORDER BY d.created_at DESC
		LIMIT $7`

	rows, err := db.conn.QueryContext(ctx, query, rsiLow, rsiHigh, macdDirection,
		excludeStockID, scope.IsBacktest(), scope.BacktestRunID, limit)
	if err != nil {
		return nil, fmt.Errorf("query similar signal decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// UnassessedDecisions returns decisions created before the cutoff whose
// outcome has not been assessed yet, oldest first.
func (db *DB) UnassessedDecisions(ctx context.Context, scope models.RunScope, before time.Time, limit int) ([]models.DecisionReport, error) {
	query := `
		SELECT ` + decisionColumns + `
		FROM decision_reports d
		JOIN stocks s ON s.id = d.stock_id
		WHERE d.outcome_assessed_at IS NULL AND d.created_at < $1
			AND d.is_backtest = $2 AND d.backtest_run_id = $3
		ORDER BY d.created_at
		LIMIT $4`

	rows, err := db.conn.QueryContext(ctx, query, before, scope.IsBacktest(), scope.BacktestRunID, limit)
	if err != nil {
		return nil, fmt.Errorf("query unassessed decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}

// SetDecisionOutcome records the assessed P&L percentage on a decision.
func (db *DB) SetDecisionOutcome(ctx context.Context, decisionID int64, pnlPct float64, assessedAt time.Time) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE decision_reports SET outcome_pnl = $2, outcome_assessed_at = $3 WHERE id = $1`,
		decisionID, pnlPct, assessedAt)
	if err != nil {
		return fmt.Errorf("set outcome on decision %d: %w", decisionID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("set outcome on decision %d: %w", decisionID, models.ErrNotFound)
	}
	return nil
}

func scanDecisions(rows *sql.Rows) ([]models.DecisionReport, error) {
	var reports []models.DecisionReport
	for rows.Next() {
		var r models.DecisionReport
		var technical, news, memoryRefs, portfolio []byte
		var outcomePnL sql.NullFloat64
		var assessedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.StockID, &r.Ticker, &r.PipelineRunID, &r.Action,
			&r.Confidence, &r.Reasoning, &technical, &news, &memoryRefs, &portfolio,
			&outcomePnL, &assessedAt, &r.IsBacktest, &r.BacktestRunID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision report: %w", err)
		}
		if err := json.Unmarshal(technical, &r.Technical); err != nil {
			return nil, fmt.Errorf("decode technical summary on report %d: %w", r.ID, err)
		}
		if err := json.Unmarshal(news, &r.News); err != nil {
			return nil, fmt.Errorf("decode news summary on report %d: %w", r.ID, err)
		}
		if err := json.Unmarshal(memoryRefs, &r.Memory); err != nil {
			return nil, fmt.Errorf("decode memory refs on report %d: %w", r.ID, err)
		}
		if err := json.Unmarshal(portfolio, &r.Portfolio); err != nil {
			return nil, fmt.Errorf("decode portfolio state on report %d: %w", r.ID, err)
		}
		if outcomePnL.Valid {
			r.OutcomePnL = &outcomePnL.Float64
		}
		if assessedAt.Valid {
			r.OutcomeAssessedAt = &assessedAt.Time
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}
