package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"tradeagent/internal/models"
)

// UpsertStock inserts a stock or reactivates and updates an existing one,
// filling in the ID either way.
func (db *DB) UpsertStock(ctx context.Context, stock *models.Stock) error {
	query := `
		INSERT INTO stocks (ticker, name, sector, industry, currency, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ticker) DO UPDATE SET
			name = EXCLUDED.name,
			sector = EXCLUDED.sector,
			industry = EXCLUDED.industry,
			currency = EXCLUDED.currency,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	err := db.conn.QueryRowContext(ctx, query,
		stock.Ticker, stock.Name, stock.Sector, stock.Industry, stock.Currency, stock.Active,
	).Scan(&stock.ID, &stock.CreatedAt, &stock.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert stock %s: %w", stock.Ticker, err)
	}
	return nil
}

// ActiveStocks returns the active instrument universe ordered by ticker.
func (db *DB) ActiveStocks(ctx context.Context) ([]models.Stock, error) {
	query := `
		SELECT id, ticker, name, sector, industry, currency, active, created_at, updated_at
		FROM stocks WHERE active = TRUE ORDER BY ticker`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active stocks: %w", err)
	}
	defer rows.Close()

	var stocks []models.Stock
	for rows.Next() {
		var s models.Stock
		if err := rows.Scan(&s.ID, &s.Ticker, &s.Name, &s.Sector, &s.Industry,
			&s.Currency, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		stocks = append(stocks, s)
	}
	return stocks, rows.Err()
}

// UpdateStockMetadata refreshes name/sector/industry/currency. Empty
// arguments leave the stored value alone so a thin fundamentals source
// cannot blank out seeded metadata.
func (db *DB) UpdateStockMetadata(ctx context.Context, stockID int64, name, sector, industry, currency string) error {
	query := `
		UPDATE stocks SET
			name = COALESCE(NULLIF($2, ''), name),
			sector = COALESCE(NULLIF($3, ''), sector),
			industry = COALESCE(NULLIF($4, ''), industry),
			currency = COALESCE(NULLIF($5, ''), currency),
			updated_at = NOW()
		WHERE id = $1`

	if _, err := db.conn.ExecContext(ctx, query, stockID, name, sector, industry, currency); err != nil {
		return fmt.Errorf("update stock %d metadata: %w", stockID, err)
	}
	return nil
}

// UpsertPriceBars stores daily bars, replacing any existing bar for the
// same day.
func (db *DB) UpsertPriceBars(ctx context.Context, stockID int64, bars []models.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}
	query := `
		INSERT INTO price_bars (stock_id, date, open, high, low, close, adj_close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (stock_id, date) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			adj_close = EXCLUDED.adj_close,
			volume = EXCLUDED.volume`

	return db.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare bar upsert: %w", err)
		}
		defer stmt.Close()

		for _, bar := range bars {
			if _, err := stmt.ExecContext(ctx, stockID, bar.Date,
				bar.Open, bar.High, bar.Low, bar.Close, bar.AdjClose, bar.Volume); err != nil {
				return fmt.Errorf("upsert bar %s %s: %w", bar.Ticker, bar.Date.Format("2006-01-02"), err)
			}
		}
		return nil
	})
}

// LatestClose returns the most recent stored close for an instrument.
func (db *DB) LatestClose(ctx context.Context, stockID int64) (decimal.Decimal, error) {
	var close decimal.Decimal
	err := db.conn.QueryRowContext(ctx,
		`SELECT close FROM price_bars WHERE stock_id = $1 ORDER BY date DESC LIMIT 1`,
		stockID,
	).Scan(&close)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("no bars for stock %d: %w", stockID, models.ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("latest close for stock %d: %w", stockID, err)
	}
	return close, nil
}

// SeedWatchlist inserts the default instrument universe, skipping tickers
// that already exist. Returns the number of newly inserted stocks.
func (db *DB) SeedWatchlist(ctx context.Context, stocks []models.Stock) (int, error) {
	inserted := 0
	for i := range stocks {
		var id int64
		err := db.conn.QueryRowContext(ctx, `
			INSERT INTO stocks (ticker, name, sector, industry, currency, active)
			VALUES ($1, $2, $3, $4, $5, TRUE)
			ON CONFLICT (ticker) DO NOTHING
			RETURNING id`,
			stocks[i].Ticker, stocks[i].Name, stocks[i].Sector, stocks[i].Industry, stocks[i].Currency,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue // already present
		}
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) {
				return inserted, fmt.Errorf("seed %s: %s: %w", stocks[i].Ticker, pqErr.Code.Name(), err)
			}
			return inserted, fmt.Errorf("seed %s: %w", stocks[i].Ticker, err)
		}
		inserted++
	}
	return inserted, nil
}
