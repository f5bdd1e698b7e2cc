package marketdata

import (
	"context"
	"time"

	"tradeagent/internal/adapters"
	"tradeagent/internal/models"
)

// Mock serves preloaded bars and fundamentals. FetchDailyPrices filters by
// the requested window, so a caller replaying history day by day only ever
// sees bars up to its requested end date. The backtester relies on that.
type Mock struct {
	bars         map[string][]models.PriceBar
	fundamentals map[string]*models.FundamentalSnapshot
	Err          error
}

// NewMock builds an empty in-memory market data source.
func NewMock() *Mock {
	return &Mock{
		bars:         make(map[string][]models.PriceBar),
		fundamentals: make(map[string]*models.FundamentalSnapshot),
	}
}

// SetBars replaces the full history for a ticker (ascending by date).
func (m *Mock) SetBars(ticker string, bars []models.PriceBar) {
	m.bars[ticker] = bars
}

// SetFundamentals replaces the fundamentals for a ticker.
func (m *Mock) SetFundamentals(ticker string, f *models.FundamentalSnapshot) {
	m.fundamentals[ticker] = f
}

// FetchDailyPrices returns the stored bars inside [start, end].
func (m *Mock) FetchDailyPrices(_ context.Context, tickers []string, start, end time.Time) (map[string]*adapters.PriceSeries, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	result := make(map[string]*adapters.PriceSeries, len(tickers))
	for _, ticker := range tickers {
		all, ok := m.bars[ticker]
		if !ok {
			continue
		}
		var window []models.PriceBar
		for _, bar := range all {
			if bar.Date.Before(start) || bar.Date.After(end) {
				continue
			}
			window = append(window, bar)
		}
		if len(window) == 0 {
			continue
		}
		result[ticker] = &adapters.PriceSeries{Ticker: ticker, Bars: window}
	}
	return result, nil
}

// FetchFundamentals returns the stored fundamentals.
func (m *Mock) FetchFundamentals(_ context.Context, tickers []string) (map[string]*models.FundamentalSnapshot, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	result := make(map[string]*models.FundamentalSnapshot, len(tickers))
	for _, ticker := range tickers {
		if f, ok := m.fundamentals[ticker]; ok {
			result[ticker] = f
		}
	}
	return result, nil
}
