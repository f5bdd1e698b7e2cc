package marketdata

import (
	"fmt"
	"sort"
	"time"

	"tradeagent/internal/adapters"
	"tradeagent/internal/models"
)

// maxGapBusinessDays is the widest gap between consecutive bars that passes
// without a warning. Exchange holidays produce small gaps; anything wider
// suggests missing data.
const maxGapBusinessDays = 3

// ValidateBars filters a raw bar series: bars with non-positive prices or a
// high below the low are dropped and counted, zero-volume bars are kept
// with a warning, and wide date gaps are reported. Bars come back sorted
// ascending by date.
func ValidateBars(ticker string, raw []models.PriceBar) *adapters.PriceSeries {
	series := &adapters.PriceSeries{Ticker: ticker}

	zeroVolume := 0
	for _, bar := range raw {
		if bar.Open.Sign() <= 0 || bar.High.Sign() <= 0 || bar.Low.Sign() <= 0 || bar.Close.Sign() <= 0 {
			series.RejectedBars++
			continue
		}
		if bar.High.LessThan(bar.Low) {
			series.RejectedBars++
			continue
		}
		if bar.Volume == 0 {
			zeroVolume++
		}
		series.Bars = append(series.Bars, bar)
	}

	sort.Slice(series.Bars, func(i, j int) bool {
		return series.Bars[i].Date.Before(series.Bars[j].Date)
	})

	if series.RejectedBars > 0 {
		series.Warnings = append(series.Warnings,
			fmt.Sprintf("%d bars rejected for invalid prices", series.RejectedBars))
	}
	if zeroVolume > 0 {
		series.Warnings = append(series.Warnings,
			fmt.Sprintf("%d bars have zero volume", zeroVolume))
	}

	for i := 1; i < len(series.Bars); i++ {
		gap := businessDaysBetween(series.Bars[i-1].Date, series.Bars[i].Date)
		if gap > maxGapBusinessDays {
			series.Warnings = append(series.Warnings,
				fmt.Sprintf("%d business days missing between %s and %s",
					gap-1,
					series.Bars[i-1].Date.Format("2006-01-02"),
					series.Bars[i].Date.Format("2006-01-02")))
		}
	}

	return series
}

// businessDaysBetween counts weekdays in (from, to].
func businessDaysBetween(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	days := 0
	for d := from.AddDate(0, 0, 1); !d.After(to); d = d.AddDate(0, 0, 1) {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
		default:
			days++
		}
	}
	return days
}
