package backtest

import (
	"math"

	"github.com/shopspring/decimal"

	"tradeagent/internal/adapters/broker"
	"tradeagent/internal/models"
)

const tradingDaysPerYear = 252

// Compute derives the performance summary from an equity curve and the
// realized round trips. A flat or too-short curve yields zeros rather than
// NaN: a Sharpe ratio over zero variance is reported as 0.
func Compute(curve []models.EquityPoint, closed []broker.ClosedTrade,
	initialCapital decimal.Decimal, benchmarks map[string]float64) models.BacktestMetrics {

	m := models.BacktestMetrics{
		TotalTrades:      len(closed),
		BenchmarkReturns: benchmarks,
	}
	if initialCapital.Sign() > 0 {
		m.FinalValue, _ = initialCapital.Float64()
	}
	if len(curve) == 0 || initialCapital.Sign() <= 0 {
		fillTradeStats(&m, closed)
		return m
	}

	final := curve[len(curve)-1].Value
	m.FinalValue, _ = final.Float64()

	totalReturn, _ := final.Sub(initialCapital).Div(initialCapital).Float64()
	m.TotalReturnPct = totalReturn * 100
	if n := len(curve); n > 0 {
		m.AnnualizedReturnPct = (math.Pow(1+totalReturn, tradingDaysPerYear/float64(n)) - 1) * 100
	}

	m.MaxDrawdownPct = maxDrawdown(curve)
	m.SharpeRatio = sharpe(dailyReturns(curve, initialCapital))
	fillTradeStats(&m, closed)
	return m
}

func fillTradeStats(m *models.BacktestMetrics, closed []broker.ClosedTrade) {
	if len(closed) == 0 {
		return
	}
	wins := 0
	totalDays := 0
	for _, t := range closed {
		if t.PnL.Sign() > 0 {
			wins++
		}
		totalDays += t.HoldingDays
	}
	m.WinRatePct = float64(wins) / float64(len(closed)) * 100
	m.AvgHoldingDays = float64(totalDays) / float64(len(closed))
}

// dailyReturns includes the first day's return against the initial capital
// so a one-day backtest still has one sample.
func dailyReturns(curve []models.EquityPoint, initialCapital decimal.Decimal) []float64 {
	returns := make([]float64, 0, len(curve))
	prev := initialCapital
	for _, point := range curve {
		if prev.Sign() > 0 {
			r, _ := point.Value.Sub(prev).Div(prev).Float64()
			returns = append(returns, r)
		}
		prev = point.Value
	}
	return returns
}

func sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	if variance == 0 {
		return 0
	}
	return mean / math.Sqrt(variance) * math.Sqrt(tradingDaysPerYear)
}

// maxDrawdown is the largest peak-to-trough decline on the curve, as a
// positive percentage.
func maxDrawdown(curve []models.EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak := curve[0].Value
	worst := 0.0
	for _, point := range curve {
		if point.Value.GreaterThan(peak) {
			peak = point.Value
		}
		if peak.Sign() > 0 {
			dd, _ := peak.Sub(point.Value).Div(peak).Float64()
			if dd > worst {
				worst = dd
			}
		}
	}
	return worst * 100
}
