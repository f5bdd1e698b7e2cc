package storage

import (
	"context"
	"database/sql"
	"fmt"

	"tradeagent/internal/models"
)

// InsertSnapshot stores an end-of-run portfolio valuation with its position
// breakdown in one transaction.
func (db *DB) InsertSnapshot(ctx context.Context, snapshot *models.PortfolioSnapshot) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO portfolio_snapshots (date, total_value, cash_available,
				invested_value, cumulative_pnl_pct, num_positions)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			snapshot.Date, snapshot.TotalValue, snapshot.CashAvailable,
			snapshot.InvestedValue, snapshot.CumulativePnLPct, snapshot.NumPositions,
		).Scan(&snapshot.ID)
		if err != nil {
			return fmt.Errorf("insert portfolio snapshot: %w", err)
		}

		for i := range snapshot.Positions {
			ps := &snapshot.Positions[i]
			ps.SnapshotID = snapshot.ID
			err := tx.QueryRowContext(ctx, `
				INSERT INTO position_snapshots (snapshot_id, stock_id, quantity, avg_price,
					current_price, market_value, unrealized_pnl, weight_pct)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				RETURNING id`,
				ps.SnapshotID, ps.StockID, ps.Quantity, ps.AvgPrice,
				ps.CurrentPrice, ps.MarketValue, ps.UnrealizedPnL, ps.WeightPct,
			).Scan(&ps.ID)
			if err != nil {
				return fmt.Errorf("insert position snapshot for stock %d: %w", ps.StockID, err)
			}
		}
		return nil
	})
}

// LatestSnapshot returns the most recent portfolio snapshot, or
// models.ErrNotFound when none exist yet.
func (db *DB) LatestSnapshot(ctx context.Context) (models.PortfolioSnapshot, error) {
	var s models.PortfolioSnapshot
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, date, total_value, cash_available, invested_value,
			cumulative_pnl_pct, num_positions
		FROM portfolio_snapshots ORDER BY date DESC, id DESC LIMIT 1`,
	).Scan(&s.ID, &s.Date, &s.TotalValue, &s.CashAvailable, &s.InvestedValue,
		&s.CumulativePnLPct, &s.NumPositions)
	if err == sql.ErrNoRows {
		return s, fmt.Errorf("no snapshots: %w", models.ErrNotFound)
	}
	if err != nil {
		return s, fmt.Errorf("latest snapshot: %w", err)
	}
	return s, nil
}
