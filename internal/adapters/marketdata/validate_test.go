package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradeagent/internal/models"
)

func bar(date time.Time, open, high, low, close float64, volume int64) models.PriceBar {
	return models.PriceBar{
		Ticker: "TEST",
		Date:   date,
		Open:   decimal.NewFromFloat(open),
		High:   decimal.NewFromFloat(high),
		Low:    decimal.NewFromFloat(low),
		Close:  decimal.NewFromFloat(close),
		Volume: volume,
	}
}

func TestValidateBarsRejectsBadPrices(t *testing.T) {
	monday := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	raw := []models.PriceBar{
		bar(monday, 10, 11, 9, 10.5, 1000),
		bar(monday.AddDate(0, 0, 1), 0, 11, 9, 10, 1000),   // zero open
		bar(monday.AddDate(0, 0, 2), 10, 9, 11, 10, 1000),  // high < low
		bar(monday.AddDate(0, 0, 3), 10, 11, 9, -1, 1000),  // negative close
	}

	series := ValidateBars("TEST", raw)
	if len(series.Bars) != 1 {
		t.Fatalf("expected 1 valid bar, got %d", len(series.Bars))
	}
	if series.RejectedBars != 3 {
		t.Errorf("expected 3 rejected bars, got %d", series.RejectedBars)
	}
}

func TestValidateBarsToleratesZeroVolume(t *testing.T) {
	monday := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	raw := []models.PriceBar{
		bar(monday, 10, 11, 9, 10, 0),
	}
	series := ValidateBars("TEST", raw)
	if len(series.Bars) != 1 {
		t.Fatalf("zero-volume bar should be kept, got %d bars", len(series.Bars))
	}
	if len(series.Warnings) == 0 {
		t.Error("expected a zero-volume warning")
	}
}

func TestValidateBarsSortsAscending(t *testing.T) {
	monday := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	raw := []models.PriceBar{
		bar(monday.AddDate(0, 0, 1), 10, 11, 9, 10, 100),
		bar(monday, 10, 11, 9, 10, 100),
	}
	series := ValidateBars("TEST", raw)
	if !series.Bars[0].Date.Equal(monday) {
		t.Error("bars should be sorted ascending by date")
	}
}

func TestValidateBarsWarnsOnGaps(t *testing.T) {
	monday := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	raw := []models.PriceBar{
		bar(monday, 10, 11, 9, 10, 100),
		bar(monday.AddDate(0, 0, 14), 10, 11, 9, 10, 100), // two weeks later
	}
	series := ValidateBars("TEST", raw)
	if len(series.Warnings) == 0 {
		t.Error("expected a gap warning")
	}

	// A weekend gap is normal.
	friday := time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC)
	raw = []models.PriceBar{
		bar(friday, 10, 11, 9, 10, 100),
		bar(friday.AddDate(0, 0, 3), 10, 11, 9, 10, 100), // next monday
	}
	series = ValidateBars("TEST", raw)
	if len(series.Warnings) != 0 {
		t.Errorf("weekend gap should not warn: %v", series.Warnings)
	}
}

func TestBusinessDaysBetween(t *testing.T) {
	friday := time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC)
	monday := friday.AddDate(0, 0, 3)
	if got := businessDaysBetween(friday, monday); got != 1 {
		t.Errorf("friday to monday should be 1 business day, got %d", got)
	}
	if got := businessDaysBetween(monday, monday); got != 0 {
		t.Errorf("same day should be 0, got %d", got)
	}
}
