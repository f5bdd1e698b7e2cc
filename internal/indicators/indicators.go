// Package indicators computes the technical indicator snapshot used by
// screening and decision reports. All math is on float64; indicators whose
// window exceeds the available history come back nil.
package indicators

import (
	"math"

	"tradeagent/internal/config"
	"tradeagent/internal/models"
)

// SMA calculates the simple moving average of the last period values.
// Returns nil if there is not enough data.
func SMA(values []float64, period int) *float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	avg := sum / float64(period)
	return &avg
}

// emaSeries calculates the full EMA series. Entries before index period-1
// are invalid; the caller must respect the returned start index.
func emaSeries(values []float64, period int) ([]float64, int) {
	if period <= 0 || len(values) < period {
		return nil, 0
	}
	out := make([]float64, len(values))
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	out[period-1] = sum / float64(period)
	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out, period - 1
}

// EMA calculates the latest exponential moving average value.
func EMA(values []float64, period int) *float64 {
	series, _ := emaSeries(values, period)
	if series == nil {
		return nil
	}
	last := series[len(series)-1]
	return &last
}

// RSI calculates the Relative Strength Index using Wilder's smoothing.
func RSI(closes []float64, period int) *float64 {
	if period <= 0 || len(closes) < period+1 {
		return nil
	}
	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		v := 100.0
		return &v
	}
	rs := avgGain / avgLoss
	v := 100.0 - 100.0/(1.0+rs)
	return &v
}

// macdNoise is the histogram magnitude below which line and signal are
// treated as equal. A steady trend leaves both EMAs converged to the same
// value, differing only by float accumulation error.
const macdNoise = 1e-9

// MACD calculates the latest MACD line, signal line and histogram.
func MACD(closes []float64, fast, slow, signal int) *models.MACDSnapshot {
	if fast >= slow || len(closes) < slow+signal {
		return nil
	}
	fastEMA, _ := emaSeries(closes, fast)
	slowEMA, start := emaSeries(closes, slow)
	if fastEMA == nil || slowEMA == nil {
		return nil
	}

	macdLine := make([]float64, 0, len(closes)-start)
	for i := start; i < len(closes); i++ {
		macdLine = append(macdLine, fastEMA[i]-slowEMA[i])
	}
	signalSeries, _ := emaSeries(macdLine, signal)
	if signalSeries == nil {
		return nil
	}

	line := macdLine[len(macdLine)-1]
	sig := signalSeries[len(signalSeries)-1]
	snap := &models.MACDSnapshot{
		Line:      line,
		Signal:    sig,
		Histogram: line - sig,
	}
	switch {
	case snap.Histogram > macdNoise:
		snap.Direction = "bullish"
	case snap.Histogram < -macdNoise:
		snap.Direction = "bearish"
	default:
		snap.Direction = "neutral"
	}
	return snap
}

// Bollinger calculates the latest Bollinger bands and %B.
func Bollinger(closes []float64, period int, numStd float64) *models.BollingerSnapshot {
	mid := SMA(closes, period)
	if mid == nil {
		return nil
	}
	window := closes[len(closes)-period:]
	variance := 0.0
	for _, v := range window {
		d := v - *mid
		variance += d * d
	}
	// Sample standard deviation, matching a rolling std with ddof=1.
	std := 0.0
	if period > 1 {
		std = math.Sqrt(variance / float64(period-1))
	}

	upper := *mid + numStd*std
	lower := *mid - numStd*std
	snap := &models.BollingerSnapshot{Upper: upper, Middle: *mid, Lower: lower}
	if band := upper - lower; band > 0 {
		snap.PercentB = (closes[len(closes)-1] - lower) / band
	} else {
		snap.PercentB = 0.5
	}
	return snap
}

// Compute builds the full technical snapshot for one instrument from its
// daily bars (ascending by date). Score is left for the screener to fill.
func Compute(bars []models.PriceBar, cfg config.TechnicalConfig) models.TechnicalSummary {
	summary := models.TechnicalSummary{DataPoints: len(bars)}
	if len(bars) == 0 {
		return summary
	}

	closes := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close.InexactFloat64()
		volumes[i] = float64(b.Volume)
	}

	last := bars[len(bars)-1]
	summary.LatestClose = last.Close
	summary.LatestVolume = last.Volume
	summary.RSI = RSI(closes, cfg.RSIPeriod)
	summary.MACD = MACD(closes, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
	summary.Bollinger = Bollinger(closes, cfg.BollingerPeriod, cfg.BollingerStd)
	summary.SMAShort = SMA(closes, cfg.SMAShort)
	summary.SMALong = SMA(closes, cfg.SMALong)
	summary.EMAShort = EMA(closes, cfg.EMAShort)
	summary.EMALong = EMA(closes, cfg.EMALong)
	summary.VolumeSMA = SMA(volumes, cfg.VolumeSMAPeriod)
	return summary
}
