package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tradeagent/internal/models"
)

// InsertPipelineRun records the start of an orchestrator run.
func (db *DB) InsertPipelineRun(ctx context.Context, run *models.PipelineRun) error {
	errs, err := json.Marshal(orEmpty(run.Errors))
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, status, trigger_kind, started_at, errors, is_backtest, backtest_run_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.Status, run.Trigger, run.StartedAt, errs, run.IsBacktest, run.BacktestRunID)
	if err != nil {
		return fmt.Errorf("insert pipeline run %s: %w", run.ID, err)
	}
	return nil
}

// UpdatePipelineRun persists a run's final status and counters.
func (db *DB) UpdatePipelineRun(ctx context.Context, run *models.PipelineRun) error {
	errs, err := json.Marshal(orEmpty(run.Errors))
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}
	var completedAt sql.NullTime
	if run.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *run.CompletedAt, Valid: true}
	}
	result, err := db.conn.ExecContext(ctx, `
		UPDATE pipeline_runs SET status = $2, completed_at = $3, stocks_analyzed = $4,
			candidates_screened = $5, trades_approved = $6, trades_executed = $7, errors = $8
		WHERE id = $1`,
		run.ID, run.Status, completedAt, run.StocksAnalyzed, run.CandidatesScreened,
		run.TradesApproved, run.TradesExecuted, errs)
	if err != nil {
		return fmt.Errorf("update pipeline run %s: %w", run.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update pipeline run %s: %w", run.ID, models.ErrNotFound)
	}
	return nil
}

// LatestPipelineRun loads the most recently started live run.
func (db *DB) LatestPipelineRun(ctx context.Context) (models.PipelineRun, error) {
	var run models.PipelineRun
	var errs []byte
	var completedAt sql.NullTime
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, status, trigger_kind, started_at, completed_at, stocks_analyzed,
			candidates_screened, trades_approved, trades_executed, errors
		FROM pipeline_runs WHERE is_backtest = FALSE
		ORDER BY started_at DESC LIMIT 1`,
	).Scan(&run.ID, &run.Status, &run.Trigger, &run.StartedAt, &completedAt,
		&run.StocksAnalyzed, &run.CandidatesScreened, &run.TradesApproved,
		&run.TradesExecuted, &errs)
	if errors.Is(err, sql.ErrNoRows) {
		return run, fmt.Errorf("latest pipeline run: %w", models.ErrNotFound)
	}
	if err != nil {
		return run, fmt.Errorf("latest pipeline run: %w", err)
	}
	if err := json.Unmarshal(errs, &run.Errors); err != nil {
		return run, fmt.Errorf("decode errors on run %s: %w", run.ID, err)
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// InsertBacktestRun records a new backtest.
func (db *DB) InsertBacktestRun(ctx context.Context, run *models.BacktestRun) error {
	curve, errs, metrics, err := marshalBacktestBlobs(run)
	if err != nil {
		return err
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO backtest_runs (id, start_date, end_date, initial_capital, status,
			current_day, total_days, metrics, equity_curve, errors, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.StartDate, run.EndDate, run.InitialCapital, run.Status,
		run.CurrentDay, run.TotalDays, metrics, curve, errs, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert backtest run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateBacktestRun persists backtest progress, metrics and the equity curve.
func (db *DB) UpdateBacktestRun(ctx context.Context, run *models.BacktestRun) error {
	curve, errs, metrics, err := marshalBacktestBlobs(run)
	if err != nil {
		return err
	}
	var completedAt sql.NullTime
	if run.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *run.CompletedAt, Valid: true}
	}
	result, err := db.conn.ExecContext(ctx, `
		UPDATE backtest_runs SET status = $2, current_day = $3, total_days = $4,
			metrics = $5, equity_curve = $6, errors = $7, completed_at = $8
		WHERE id = $1`,
		run.ID, run.Status, run.CurrentDay, run.TotalDays, metrics, curve, errs, completedAt)
	if err != nil {
		return fmt.Errorf("update backtest run %s: %w", run.ID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update backtest run %s: %w", run.ID, models.ErrNotFound)
	}
	return nil
}

// GetBacktestRun loads one backtest by ID.
func (db *DB) GetBacktestRun(ctx context.Context, id string) (models.BacktestRun, error) {
	var run models.BacktestRun
	var metrics, curve, errs []byte
	var completedAt sql.NullTime
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, start_date, end_date, initial_capital, status, current_day,
			total_days, metrics, equity_curve, errors, started_at, completed_at
		FROM backtest_runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.StartDate, &run.EndDate, &run.InitialCapital, &run.Status,
		&run.CurrentDay, &run.TotalDays, &metrics, &curve, &errs, &run.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return run, fmt.Errorf("backtest run %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return run, fmt.Errorf("get backtest run %s: %w", id, err)
	}
	if metrics != nil {
		run.Metrics = &models.BacktestMetrics{}
		if err := json.Unmarshal(metrics, run.Metrics); err != nil {
			return run, fmt.Errorf("decode metrics on run %s: %w", id, err)
		}
	}
	if err := json.Unmarshal(curve, &run.EquityCurve); err != nil {
		return run, fmt.Errorf("decode equity curve on run %s: %w", id, err)
	}
	if err := json.Unmarshal(errs, &run.Errors); err != nil {
		return run, fmt.Errorf("decode errors on run %s: %w", id, err)
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func marshalBacktestBlobs(run *models.BacktestRun) (curve, errs []byte, metrics any, err error) {
	curve, err = json.Marshal(orEmpty(run.EquityCurve))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal equity curve: %w", err)
	}
	errs, err = json.Marshal(orEmpty(run.Errors))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal run errors: %w", err)
	}
	if run.Metrics != nil {
		raw, mErr := json.Marshal(run.Metrics)
		if mErr != nil {
			return nil, nil, nil, fmt.Errorf("marshal metrics: %w", mErr)
		}
		metrics = raw
	}
	return curve, errs, metrics, nil
}

// orEmpty keeps JSONB columns as [] instead of null for nil slices.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
