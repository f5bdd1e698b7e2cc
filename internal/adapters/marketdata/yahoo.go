// Package marketdata implements the MarketData capability against Yahoo
// Finance, plus validation helpers and an in-memory implementation for
// tests and backtests.
package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/piquette/finance-go/equity"
	"go.uber.org/zap"

	"tradeagent/internal/adapters"
	"tradeagent/internal/models"
	"tradeagent/pkg/retry"
)

// Yahoo fetches daily bars and fundamentals from Yahoo Finance.
type Yahoo struct {
	log       *zap.Logger
	retryConf retry.Config
}

// NewYahoo builds the Yahoo market data adapter.
func NewYahoo(log *zap.Logger) *Yahoo {
	return &Yahoo{
		log:       log.Named("yahoo"),
		retryConf: retry.DefaultConfig(),
	}
}

// FetchDailyPrices fetches validated daily bars per ticker. Tickers that
// fail entirely are absent from the result; an error is returned only when
// nothing could be fetched at all.
func (y *Yahoo) FetchDailyPrices(ctx context.Context, tickers []string, start, end time.Time) (map[string]*adapters.PriceSeries, error) {
	result := make(map[string]*adapters.PriceSeries, len(tickers))
	var lastErr error

	for _, ticker := range tickers {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		bars, err := y.fetchBars(ctx, ticker, start, end)
		if err != nil {
			y.log.Warn("price fetch failed", zap.String("ticker", ticker), zap.Error(err))
			lastErr = err
			continue
		}
		series := ValidateBars(ticker, bars)
		if len(series.Bars) == 0 {
			y.log.Warn("no usable bars", zap.String("ticker", ticker))
			continue
		}
		result[ticker] = series
	}

	if len(result) == 0 && len(tickers) > 0 {
		return nil, fmt.Errorf("no price data for any of %d tickers: %w", len(tickers), lastErr)
	}
	return result, nil
}

func (y *Yahoo) fetchBars(ctx context.Context, ticker string, start, end time.Time) ([]models.PriceBar, error) {
	var bars []models.PriceBar
	err := retry.Do(ctx, y.retryConf, func() error {
		params := &chart.Params{
			Symbol:   ticker,
			Start:    datetime.New(&start),
			End:      datetime.New(&end),
			Interval: datetime.OneDay,
		}
		iter := chart.Get(params)

		bars = bars[:0]
		for iter.Next() {
			bar := iter.Bar()
			bars = append(bars, models.PriceBar{
				Ticker:   ticker,
				Date:     time.Unix(int64(bar.Timestamp), 0).UTC().Truncate(24 * time.Hour),
				Open:     bar.Open,
				High:     bar.High,
				Low:      bar.Low,
				Close:    bar.Close,
				AdjClose: bar.AdjClose,
				Volume:   int64(bar.Volume),
			})
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("chart fetch for %s: %w", ticker, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bars, nil
}

// FetchFundamentals fetches the latest fundamentals per ticker. Missing
// tickers are absent from the result.
func (y *Yahoo) FetchFundamentals(ctx context.Context, tickers []string) (map[string]*models.FundamentalSnapshot, error) {
	result := make(map[string]*models.FundamentalSnapshot, len(tickers))

	for _, ticker := range tickers {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		q, err := equity.Get(ticker)
		if err != nil {
			y.log.Warn("fundamentals fetch failed", zap.String("ticker", ticker), zap.Error(err))
			continue
		}

		snap := &models.FundamentalSnapshot{
			Ticker:    ticker,
			Name:      q.ShortName,
			Currency:  q.CurrencyID,
			Exchange:  q.FullExchangeName,
			MarketCap: q.MarketCap,
			FetchedAt: time.Now().UTC(),
		}
		if q.EpsTrailingTwelveMonths != 0 {
			eps := q.EpsTrailingTwelveMonths
			snap.EPS = &eps
			if eps > 0 && q.RegularMarketPrice > 0 {
				pe := q.RegularMarketPrice / eps
				snap.TrailingPE = &pe
			}
		}
		if q.ForwardPE != 0 {
			v := q.ForwardPE
			snap.ForwardPE = &v
		}
		if q.PriceToBook != 0 {
			v := q.PriceToBook
			snap.PriceToBook = &v
		}
		if q.TrailingAnnualDividendYield != 0 {
			v := q.TrailingAnnualDividendYield
			snap.DividendYield = &v
		}
		result[ticker] = snap
	}
	return result, nil
}
