// Package screening ranks the instrument universe by a weighted composite
// of technical and fundamental component scores. Components sit in [0, 1]
// with 0.5 meaning "no signal" so missing data never dominates a rank.
package screening

import (
	"sort"

	"tradeagent/internal/config"
	"tradeagent/internal/models"
)

const neutral = 0.5

// Input is one instrument entering the screen.
type Input struct {
	Stock        models.Stock
	Technical    models.TechnicalSummary
	Fundamentals *models.FundamentalSnapshot
	InPortfolio  bool
}

// Candidate is a screened instrument with its composite score.
type Candidate struct {
	Stock        models.Stock
	Technical    models.TechnicalSummary
	Fundamentals *models.FundamentalSnapshot
	InPortfolio  bool
	Score        float64
	Components   map[string]float64
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// rsiScore favors oversold instruments: 1.0 at RSI 30 and below, 0.0 at
// RSI 70 and above.
func rsiScore(t models.TechnicalSummary) float64 {
	if t.RSI == nil {
		return neutral
	}
	return clamp01((70 - *t.RSI) / 40)
}

func macdScore(t models.TechnicalSummary) float64 {
	switch {
	case t.MACD == nil, t.MACD.Direction == "neutral":
		return neutral
	case t.MACD.Direction == "bullish":
		return 1.0
	default:
		return 0.0
	}
}

// bollingerScore favors price near the lower band (low %B).
func bollingerScore(t models.TechnicalSummary) float64 {
	if t.Bollinger == nil {
		return neutral
	}
	return clamp01(1 - t.Bollinger.PercentB)
}

func smaCrossScore(t models.TechnicalSummary) float64 {
	if t.SMAShort == nil || t.SMALong == nil {
		return neutral
	}
	if *t.SMAShort > *t.SMALong {
		return 1.0
	}
	return 0.0
}

func volumeScore(t models.TechnicalSummary) float64 {
	if t.VolumeSMA == nil || *t.VolumeSMA <= 0 {
		return neutral
	}
	return clamp01(float64(t.LatestVolume) / (*t.VolumeSMA * 1.5))
}

// peScore favors cheap earnings: 1.0 at P/E 15 and below, 0.0 at 25 and
// above. Missing or negative P/E is neutral.
func peScore(f *models.FundamentalSnapshot) float64 {
	if f == nil || f.TrailingPE == nil || *f.TrailingPE <= 0 {
		return neutral
	}
	return clamp01((25 - *f.TrailingPE) / 10)
}

// Score computes the weighted composite and its components.
func Score(t models.TechnicalSummary, f *models.FundamentalSnapshot, weights map[string]float64) (float64, map[string]float64) {
	components := map[string]float64{
		"rsi":       rsiScore(t),
		"macd":      macdScore(t),
		"bollinger": bollingerScore(t),
		"sma_cross": smaCrossScore(t),
		"volume":    volumeScore(t),
		"pe":        peScore(f),
	}

	total, weightSum := 0.0, 0.0
	for name, w := range weights {
		c, ok := components[name]
		if !ok {
			continue
		}
		total += w * c
		weightSum += w
	}
	if weightSum == 0 {
		return 0, components
	}
	return total / weightSum, components
}

// Rank screens the universe: scores every input, filters small caps, sorts
// by score descending and keeps the top N. Instruments currently held skip
// the market-cap filter and are always retained so the oracle can decide to
// exit them.
func Rank(inputs []Input, cfg config.ScreeningConfig) []Candidate {
	candidates := make([]Candidate, 0, len(inputs))
	for _, in := range inputs {
		if !in.InPortfolio && in.Fundamentals != nil &&
			in.Fundamentals.MarketCap > 0 && in.Fundamentals.MarketCap < cfg.MinMarketCap {
			continue
		}
		score, components := Score(in.Technical, in.Fundamentals, cfg.Weights)
		in.Technical.Score = score
		candidates = append(candidates, Candidate{
			Stock:        in.Stock,
			Technical:    in.Technical,
			Fundamentals: in.Fundamentals,
			InPortfolio:  in.InPortfolio,
			Score:        score,
			Components:   components,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Stock.Ticker < candidates[j].Stock.Ticker
	})

	if cfg.TopCandidates <= 0 || len(candidates) <= cfg.TopCandidates {
		return candidates
	}

	kept := candidates[:cfg.TopCandidates:cfg.TopCandidates]
	for _, c := range candidates[cfg.TopCandidates:] {
		if c.InPortfolio {
			kept = append(kept, c)
		}
	}
	return kept
}
