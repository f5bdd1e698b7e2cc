package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradeagent/internal/models"
)

// OpenPositions returns all open holdings with their tickers.
func (db *DB) OpenPositions(ctx context.Context) ([]models.Position, error) {
	query := `
		SELECT p.id, p.stock_id, s.ticker, p.quantity, p.avg_price, p.currency,
			p.status, p.opened_at, p.closed_at
		FROM positions p
		JOIN stocks s ON s.id = p.stock_id
		WHERE p.status = $1
		ORDER BY s.ticker`

	rows, err := db.conn.QueryContext(ctx, query, models.PositionOpen)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetOpenPosition returns the open position for an instrument, or
// models.ErrNotFound when there is none.
func (db *DB) GetOpenPosition(ctx context.Context, stockID int64) (models.Position, error) {
	query := `
		SELECT p.id, p.stock_id, s.ticker, p.quantity, p.avg_price, p.currency,
			p.status, p.opened_at, p.closed_at
		FROM positions p
		JOIN stocks s ON s.id = p.stock_id
		WHERE p.stock_id = $1 AND p.status = $2`

	row := db.conn.QueryRowContext(ctx, query, stockID, models.PositionOpen)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Position{}, fmt.Errorf("no open position for stock %d: %w", stockID, models.ErrNotFound)
	}
	if err != nil {
		return models.Position{}, err
	}
	return p, nil
}

// CreatePosition opens a new holding.
func (db *DB) CreatePosition(ctx context.Context, pos *models.Position) error {
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO positions (stock_id, quantity, avg_price, currency, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		pos.StockID, pos.Quantity, pos.AvgPrice, pos.Currency, models.PositionOpen, pos.OpenedAt,
	).Scan(&pos.ID)
	if err != nil {
		return fmt.Errorf("create position for stock %d: %w", pos.StockID, err)
	}
	pos.Status = models.PositionOpen
	return nil
}

// UpdatePositionQuantity adjusts quantity and average price after a fill.
func (db *DB) UpdatePositionQuantity(ctx context.Context, positionID int64, quantity, avgPrice decimal.Decimal) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE positions SET quantity = $2, avg_price = $3 WHERE id = $1`,
		positionID, quantity, avgPrice)
	if err != nil {
		return fmt.Errorf("update position %d: %w", positionID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("update position %d: %w", positionID, models.ErrNotFound)
	}
	return nil
}

// ClosePosition marks a holding closed at the given time.
func (db *DB) ClosePosition(ctx context.Context, positionID int64, closedAt time.Time) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE positions SET status = $2, quantity = 0, closed_at = $3 WHERE id = $1`,
		positionID, models.PositionClosed, closedAt)
	if err != nil {
		return fmt.Errorf("close position %d: %w", positionID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("close position %d: %w", positionID, models.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (models.Position, error) {
	var p models.Position
	var closedAt sql.NullTime
	err := row.Scan(&p.ID, &p.StockID, &p.Ticker, &p.Quantity, &p.AvgPrice,
		&p.Currency, &p.Status, &p.OpenedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan position: %w", err)
	}
	if closedAt.Valid {
		p.ClosedAt = &closedAt.Time
	}
	return p, nil
}
