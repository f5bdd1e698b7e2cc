// Package memory retrieves relevant past decisions for a candidate under
// analysis. Three deterministic strategies run in order: same instrument,
// same sector and action, similar technical signals. Results are deduped
// and capped; retrieval never blocks a pipeline run.
package memory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeagent/internal/config"
	"tradeagent/internal/models"
)

// Retrieval strategy names recorded on each memory reference.
const (
	StrategyInstrument = "instrument"
	StrategySector     = "sector"
	StrategySignal     = "signal"
)

const reasoningSnippetLen = 200

// Store is the slice of decision storage the retriever needs.
type Store interface {
	// RecentDecisionsByStock returns the most recent decisions for one
	// instrument, newest first.
	RecentDecisionsByStock(ctx context.Context, scope models.RunScope, stockID int64, limit int) ([]models.DecisionReport, error)

	// DecisionsBySectorAction returns assessed decisions for other
	// instruments in the same sector with the same action, ordered by
	// outcome (best first when bestFirst is true).
	DecisionsBySectorAction(ctx context.Context, scope models.RunScope, sector string, action models.Action, excludeStockID int64, bestFirst bool, limit int) ([]models.DecisionReport, error)

	// DecisionsBySimilarSignals returns decisions whose recorded RSI fell
	// inside [rsiLow, rsiHigh] with a matching MACD direction, newest
	// first.
	DecisionsBySimilarSignals(ctx context.Context, scope models.RunScope, rsiLow, rsiHigh float64, macdDirection string, excludeStockID int64, limit int) ([]models.DecisionReport, error)

	// UnassessedDecisions returns decisions created before the cutoff
	// whose outcome has not been assessed yet.
	UnassessedDecisions(ctx context.Context, scope models.RunScope, before time.Time, limit int) ([]models.DecisionReport, error)

	// LatestClose returns the most recent stored close for an instrument.
	LatestClose(ctx context.Context, stockID int64) (decimal.Decimal, error)

	// SetDecisionOutcome records the assessed P&L percentage.
	SetDecisionOutcome(ctx context.Context, decisionID int64, pnlPct float64, assessedAt time.Time) error
}

// Query describes the candidate that memories are being retrieved for.
// Intent is the candidate's likely direction and only influences the
// ordering of sector memories.
type Query struct {
	StockID       int64
	Ticker        string
	Sector        string
	Intent        models.Action
	RSI           *float64
	MACDDirection string
}

// Service retrieves and assesses decision memories.
type Service struct {
	store Store
	cfg   config.MemoryConfig
	log   *zap.Logger
}

// NewService builds a memory service.
func NewService(store Store, cfg config.MemoryConfig, log *zap.Logger) *Service {
	return &Service{store: store, cfg: cfg, log: log.Named("memory")}
}

// Retrieve runs the three strategies for one candidate and returns the
// deduped union, capped at the configured maximum. Partial store failures
// degrade to fewer memories, never to an error: analysis proceeds with
// whatever history is reachable.
func (s *Service) Retrieve(ctx context.Context, scope models.RunScope, q Query) []models.MemoryReference {
	seen := make(map[int64]bool)
	refs := make([]models.MemoryReference, 0, s.cfg.MaxItems)

	add := func(reports []models.DecisionReport, strategy string) {
		for _, r := range reports {
			if len(refs) >= s.cfg.MaxItems {
				return
			}
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			refs = append(refs, toReference(r, strategy))
		}
	}

	recent, err := s.store.RecentDecisionsByStock(ctx, scope, q.StockID, s.cfg.InstrumentLimit)
	if err != nil {
		s.log.Warn("instrument memory lookup failed", zap.String("ticker", q.Ticker), zap.Error(err))
	} else {
		add(recent, StrategyInstrument)
	}

	if q.Sector != "" {
		action := q.Intent
		if !action.Valid() || action == models.ActionHold {
			action = models.ActionBuy
		}
		bestFirst := action == models.ActionBuy
		sector, err := s.store.DecisionsBySectorAction(ctx, scope, q.Sector, action, q.StockID, bestFirst, s.cfg.SectorLimit)
		if err != nil {
			s.log.Warn("sector memory lookup failed", zap.String("sector", q.Sector), zap.Error(err))
		} else {
			add(sector, StrategySector)
		}
	}

	if q.RSI != nil {
		low := *q.RSI - s.cfg.RSITolerance
		high := *q.RSI + s.cfg.RSITolerance
		similar, err := s.store.DecisionsBySimilarSignals(ctx, scope, low, high, q.MACDDirection, q.StockID, s.cfg.SignalLimit)
		if err != nil {
			s.log.Warn("signal memory lookup failed", zap.String("ticker", q.Ticker), zap.Error(err))
		} else {
			add(similar, StrategySignal)
		}
	}

	return refs
}

func toReference(r models.DecisionReport, strategy string) models.MemoryReference {
	reasoning := r.Reasoning
	if len(reasoning) > reasoningSnippetLen {
		reasoning = reasoning[:reasoningSnippetLen]
	}
	return models.MemoryReference{
		DecisionID:      r.ID,
		Ticker:          r.Ticker,
		Action:          r.Action,
		Confidence:      r.Confidence,
		Reasoning:       reasoning,
		OutcomePnL:      r.OutcomePnL,
		OutcomeAssessed: r.OutcomeAssessedAt != nil,
		DecidedAt:       r.CreatedAt,
		Strategy:        strategy,
	}
}

// AssessOutcomes fills outcome P&L on decisions older than the lookback
// window, comparing the close recorded at decision time with the latest
// stored close. BUY and HOLD outcomes follow the price; SELL outcomes are
// inverted (a fall after selling is a good outcome). Returns the number of
// decisions assessed.
func (s *Service) AssessOutcomes(ctx context.Context, scope models.RunScope, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -s.cfg.OutcomeLookbackDays)
	pending, err := s.store.UnassessedDecisions(ctx, scope, cutoff, 500)
	if err != nil {
		return 0, err
	}

	assessed := 0
	for _, report := range pending {
		then := report.Technical.LatestClose
		if then.Sign() <= 0 {
			continue
		}
		latest, err := s.store.LatestClose(ctx, report.StockID)
		if err != nil || latest.Sign() <= 0 {
			s.log.Warn("no price for outcome assessment",
				zap.String("ticker", report.Ticker), zap.Error(err))
			continue
		}

		change, _ := latest.Sub(then).Div(then).Float64()
		pnlPct := change * 100
		if report.Action == models.ActionSell {
			pnlPct = -pnlPct
		}
		if err := s.store.SetDecisionOutcome(ctx, report.ID, pnlPct, now); err != nil {
			s.log.Warn("failed to record outcome", zap.Int64("decision_id", report.ID), zap.Error(err))
			continue
		}
		assessed++
	}

	s.log.Info("outcome assessment complete", zap.Int("assessed", assessed), zap.Int("pending", len(pending)))
	return assessed, nil
}
