package backtest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"tradeagent/internal/adapters/broker"
	"tradeagent/internal/models"
)

func curveOf(values ...float64) []models.EquityPoint {
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	curve := make([]models.EquityPoint, len(values))
	for i, v := range values {
		curve[i] = models.EquityPoint{Date: day.AddDate(0, 0, i), Value: decimal.NewFromFloat(v)}
	}
	return curve
}

func TestComputeFlatCurve(t *testing.T) {
	m := Compute(curveOf(10000, 10000, 10000), nil, decimal.NewFromInt(10000), nil)

	assert.Zero(t, m.TotalReturnPct)
	assert.Zero(t, m.AnnualizedReturnPct)
	assert.Zero(t, m.MaxDrawdownPct)
	assert.Zero(t, m.SharpeRatio, "zero variance must report Sharpe 0, not NaN")
	assert.Zero(t, m.TotalTrades)
	assert.Equal(t, 10000.0, m.FinalValue)
}

func TestComputeReturnsAndDrawdown(t *testing.T) {
	closed := []broker.ClosedTrade{
		{Ticker: "A", PnL: decimal.NewFromInt(50), HoldingDays: 3},
		{Ticker: "B", PnL: decimal.NewFromInt(-20), HoldingDays: 5},
		{Ticker: "C", PnL: decimal.NewFromInt(30), HoldingDays: 4},
	}
	m := Compute(curveOf(11000, 9900, 12100), closed, decimal.NewFromInt(10000), map[string]float64{"^GSPC": 8.5})

	assert.InDelta(t, 21.0, m.TotalReturnPct, 1e-9)
	assert.InDelta(t, 10.0, m.MaxDrawdownPct, 1e-9, "peak 11000 to trough 9900")
	assert.NotZero(t, m.SharpeRatio)
	assert.Equal(t, 3, m.TotalTrades)
	assert.InDelta(t, 66.666, m.WinRatePct, 0.01)
	assert.InDelta(t, 4.0, m.AvgHoldingDays, 1e-9)
	assert.Equal(t, 8.5, m.BenchmarkReturns["^GSPC"])
	assert.Equal(t, 12100.0, m.FinalValue)
}

func TestComputeAnnualization(t *testing.T) {
	values := make([]float64, 252)
	for i := range values {
		values[i] = 10000 + float64(i+1)*1000/252
	}
	m := Compute(curveOf(values...), nil, decimal.NewFromInt(10000), nil)

	assert.InDelta(t, 10.0, m.TotalReturnPct, 0.01)
	assert.InDelta(t, 10.0, m.AnnualizedReturnPct, 0.05, "a 252-day curve annualizes to itself")
}

func TestComputeEmptyCurve(t *testing.T) {
	m := Compute(nil, nil, decimal.NewFromInt(5000), nil)

	assert.Zero(t, m.TotalReturnPct)
	assert.Zero(t, m.SharpeRatio)
	assert.Equal(t, 5000.0, m.FinalValue)
}

func TestMaxDrawdownTracksLaterPeaks(t *testing.T) {
	// Recovers past the first peak, then falls harder from the second.
	m := Compute(curveOf(10000, 12000, 11000, 14000, 10500), nil, decimal.NewFromInt(10000), nil)
	assert.InDelta(t, 25.0, m.MaxDrawdownPct, 1e-9, "worst decline is 14000 to 10500")
}
