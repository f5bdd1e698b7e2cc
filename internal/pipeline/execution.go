package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeagent/internal/adapters"
	"tradeagent/internal/models"
	"tradeagent/internal/risk"
	"tradeagent/internal/screening"
)

// execute places approved trades through the broker. Per-trade failures
// mark that trade FAILED for the next run to retry; they degrade the run
// but never abort it.
func (r *Runner) execute(ctx context.Context, st *runState) {
	if r.broker == nil {
		r.log.Info("no broker configured, skipping execution",
			zap.Int("approved", len(st.result.Approved)))
		return
	}
	if st.withheld {
		return
	}

	symbols, err := r.broker.Instruments(ctx)
	if err != nil {
		r.log.Warn("could not load broker symbol mapping, using local tickers", zap.Error(err))
		symbols = nil
	}

	r.retryFailedTrades(ctx, st, symbols)

	for _, approved := range st.result.Approved {
		trade := &models.Trade{
			StockID:       approved.StockID,
			Ticker:        approved.Ticker,
			Side:          approved.Side,
			Quantity:      approved.Quantity,
			Price:         approved.EstimatedPrice,
			TotalValue:    approved.EstimatedValue,
			Currency:      r.cfg.Portfolio.BaseCurrency,
			Status:        models.TradePending,
			PipelineRunID: st.run.ID,
			IsBacktest:    r.scope.IsBacktest(),
			BacktestRunID: r.scope.BacktestRunID,
		}
		if err := r.store.InsertTrade(ctx, trade); err != nil {
			r.log.Error("could not record trade, skipping execution",
				zap.String("ticker", approved.Ticker), zap.Error(err))
			st.run.Errors = append(st.run.Errors, "trade not recorded for "+approved.Ticker)
			st.degraded = true
			continue
		}
		r.placeAndSettle(ctx, st, trade, symbols)
	}
}

// retryFailedTrades re-places trades left FAILED by earlier runs in the
// same scope.
func (r *Runner) retryFailedTrades(ctx context.Context, st *runState, symbols map[string]string) {
	failed, err := r.store.FailedTrades(ctx, r.scope)
	if err != nil {
		r.log.Warn("could not load failed trades for retry", zap.Error(err))
		return
	}
	for i := range failed {
		trade := failed[i]
		r.log.Info("retrying failed trade",
			zap.Int64("trade_id", trade.ID), zap.String("ticker", trade.Ticker))
		r.placeAndSettle(ctx, st, &trade, symbols)
	}
}

func (r *Runner) placeAndSettle(ctx context.Context, st *runState, trade *models.Trade, symbols map[string]string) {
	brokerTicker := trade.Ticker
	if mapped, ok := symbols[trade.Ticker]; ok {
		brokerTicker = mapped
	}
	status, err := r.broker.PlaceOrder(ctx, adapters.OrderRequest{
		Ticker:   brokerTicker,
		Side:     trade.Side,
		Quantity: trade.Quantity,
	})
	if err != nil || status.Status != models.TradeFilled {
		msg := status.ErrorMessage
		if msg == "" && err != nil {
			msg = err.Error()
		}
		final := models.TradeFailed
		if status.Status == models.TradeCancelled {
			final = models.TradeCancelled
		}
		if uErr := r.store.UpdateTradeStatus(ctx, trade.ID, final, status.BrokerOrderID, msg, nil); uErr != nil {
			r.log.Error("could not mark trade failed", zap.Int64("trade_id", trade.ID), zap.Error(uErr))
		}
		st.run.Errors = append(st.run.Errors,
			fmt.Sprintf("%s %s failed: %s", trade.Side, trade.Ticker, msg))
		st.degraded = true
		st.executed[trade.Ticker] = final
		return
	}

	executedAt := r.now()
	if status.FilledAt != nil {
		executedAt = *status.FilledAt
	}
	if err := r.store.UpdateTradeStatus(ctx, trade.ID, models.TradeFilled,
		status.BrokerOrderID, "", &executedAt); err != nil {
		r.log.Error("could not mark trade filled", zap.Int64("trade_id", trade.ID), zap.Error(err))
	}
	st.run.TradesExecuted++
	st.executed[trade.Ticker] = models.TradeFilled

	// The simulator settles its own book; stored positions are live state.
	if !r.scope.IsBacktest() {
		r.settle(ctx, trade, status, executedAt)
	}
	r.log.Info("trade filled",
		zap.String("ticker", trade.Ticker),
		zap.String("side", string(trade.Side)),
		zap.String("quantity", status.FilledQuantity.String()),
		zap.String("price", status.FilledPrice.String()))
}

// settle applies a fill to the stored position book.
func (r *Runner) settle(ctx context.Context, trade *models.Trade, status adapters.OrderStatus, executedAt time.Time) {
	quantity := status.FilledQuantity
	if quantity.Sign() <= 0 {
		quantity = trade.Quantity
	}
	price := status.FilledPrice
	if price.Sign() <= 0 {
		price = trade.Price
	}

	pos, err := r.store.GetOpenPosition(ctx, trade.StockID)
	switch {
	case trade.Side == models.SideBuy && errors.Is(err, models.ErrNotFound):
		newPos := models.Position{
			StockID:  trade.StockID,
			Quantity: quantity,
			AvgPrice: price,
			Currency: trade.Currency,
			OpenedAt: executedAt,
		}
		if err := r.store.CreatePosition(ctx, &newPos); err != nil {
			r.log.Error("could not open position", zap.String("ticker", trade.Ticker), zap.Error(err))
		}
	case trade.Side == models.SideBuy && err == nil:
		total := pos.Quantity.Add(quantity)
		cost := pos.Quantity.Mul(pos.AvgPrice).Add(quantity.Mul(price))
		if err := r.store.UpdatePositionQuantity(ctx, pos.ID, total, cost.DivRound(total, 8)); err != nil {
			r.log.Error("could not grow position", zap.String("ticker", trade.Ticker), zap.Error(err))
		}
	case trade.Side == models.SideSell && err == nil:
		remaining := pos.Quantity.Sub(quantity)
		if remaining.Sign() <= 0 {
			if err := r.store.ClosePosition(ctx, pos.ID, executedAt); err != nil {
				r.log.Error("could not close position", zap.String("ticker", trade.Ticker), zap.Error(err))
			}
		} else if err := r.store.UpdatePositionQuantity(ctx, pos.ID, remaining, pos.AvgPrice); err != nil {
			r.log.Error("could not shrink position", zap.String("ticker", trade.Ticker), zap.Error(err))
		}
	default:
		r.log.Error("settlement skipped", zap.String("ticker", trade.Ticker), zap.Error(err))
	}
}

// persistReports writes one decision report per candidate. HOLD reports
// are kept only for instruments currently held; an unheld candidate the
// oracle passed over generates no record.
func (r *Runner) persistReports(ctx context.Context, st *runState) {
	recByTicker := make(map[string]adapters.Recommendation, len(st.recs))
	for _, rec := range st.recs {
		recByTicker[rec.Ticker] = rec
	}
	rejByTicker := make(map[string]risk.RejectedTrade, len(st.result.Rejected))
	for _, rej := range st.result.Rejected {
		rejByTicker[rej.Ticker] = rej
	}

	summary := models.PortfolioSummary{
		TotalValue:    st.portfolio.TotalValue,
		CashAvailable: st.portfolio.CashAvailable,
		NumPositions:  len(st.portfolio.Positions),
	}
	briefs := newsBriefs(st.newsItems)

	for _, c := range st.candidates {
		_, held := st.portfolio.Positions[c.Stock.Ticker]
		rec, hasRec := recByTicker[c.Stock.Ticker]

		action := models.ActionHold
		confidence := 0.0
		reasoning := ""
		if hasRec && models.Action(rec.Action).Valid() {
			action = models.Action(rec.Action)
			confidence = rec.Confidence
			reasoning = rec.Reasoning
		}
		if action == models.ActionHold && !held {
			continue
		}
		if rej, rejected := rejByTicker[c.Stock.Ticker]; rejected {
			reasoning = fmt.Sprintf("%s\n\nRisk check rejected (%s): %s", reasoning, rej.ReasonCode, rej.Detail)
		}

		report := &models.DecisionReport{
			StockID:       c.Stock.ID,
			Ticker:        c.Stock.Ticker,
			PipelineRunID: st.run.ID,
			Action:        action,
			Confidence:    confidence,
			Reasoning:     reasoning,
			Technical:     c.Technical,
			News:          briefs,
			Memory:        st.memoryRefs[c.Stock.Ticker],
			Portfolio:     summary,
			IsBacktest:    r.scope.IsBacktest(),
			BacktestRunID: r.scope.BacktestRunID,
			ContextItems:  r.contextItems(c, st),
		}
		if err := r.store.InsertDecisionReport(ctx, report); err != nil {
			r.log.Error("could not persist report", zap.String("ticker", c.Stock.Ticker), zap.Error(err))
			st.run.Errors = append(st.run.Errors, "report not persisted for "+c.Stock.Ticker)
			st.degraded = true
		}
	}
}

func (r *Runner) contextItems(c screening.Candidate, st *runState) []models.DecisionContextItem {
	score := c.Score
	items := []models.DecisionContextItem{{
		ContextType:    models.ContextTechnical,
		Source:         "screening",
		Content:        technicalContent(c),
		RelevanceScore: &score,
	}}
	for _, item := range st.newsItems {
		items = append(items, models.DecisionContextItem{
			ContextType: models.ContextNews,
			Source:      item.Source,
			Content:     item.Headline,
		})
	}
	for _, ref := range st.memoryRefs[c.Stock.Ticker] {
		relevance := ref.Confidence
		items = append(items, models.DecisionContextItem{
			ContextType:    models.ContextMemory,
			Source:         ref.Strategy,
			Content:        fmt.Sprintf("%s %s (%.2f): %s", ref.Action, ref.Ticker, ref.Confidence, ref.Reasoning),
			RelevanceScore: &relevance,
		})
	}
	return items
}

func technicalContent(c screening.Candidate) string {
	raw, err := json.Marshal(c.Technical)
	if err != nil {
		return fmt.Sprintf("score %.3f", c.Score)
	}
	return string(raw)
}

func newsBriefs(items []adapters.NewsItem) []models.NewsBrief {
	briefs := make([]models.NewsBrief, 0, len(items))
	for _, item := range items {
		briefs = append(briefs, models.NewsBrief{Source: item.Source, Headline: item.Headline})
	}
	return briefs
}

// snapshot records the end-of-run portfolio valuation. Backtest runs keep
// their equity curve on the backtest record instead.
func (r *Runner) snapshot(ctx context.Context, st *runState) {
	if r.scope.IsBacktest() {
		return
	}
	state, err := r.portfolio(ctx, st.baseCloses)
	if err != nil {
		r.log.Warn("could not value portfolio for snapshot", zap.Error(err))
		st.run.Errors = append(st.run.Errors, "snapshot skipped: "+err.Error())
		st.degraded = true
		return
	}

	invested := state.TotalValue.Sub(state.CashAvailable)
	initial := decimal.NewFromFloat(r.cfg.Portfolio.InitialCapital)
	pnlPct := 0.0
	if initial.Sign() > 0 {
		change, _ := state.TotalValue.Sub(initial).Div(initial).Float64()
		pnlPct = change * 100
	}

	snap := models.PortfolioSnapshot{
		Date:             st.asOf,
		TotalValue:       state.TotalValue,
		CashAvailable:    state.CashAvailable,
		InvestedValue:    invested,
		CumulativePnLPct: pnlPct,
		NumPositions:     len(state.Positions),
	}
	for _, pos := range state.Positions {
		unrealized := decimal.Zero
		weight := 0.0
		if state.TotalValue.Sign() > 0 {
			w, _ := pos.MarketValue.Div(state.TotalValue).Float64()
			weight = w * 100
		}
		avgPrice := decimal.Zero
		if livePos, err := r.store.GetOpenPosition(ctx, pos.StockID); err == nil {
			avgPrice = livePos.AvgPrice
			unrealized = pos.MarketValue.Sub(livePos.Quantity.Mul(livePos.AvgPrice))
		}
		snap.Positions = append(snap.Positions, models.PositionSnapshot{
			StockID:       pos.StockID,
			Quantity:      pos.Quantity,
			AvgPrice:      avgPrice,
			CurrentPrice:  pos.CurrentPrice,
			MarketValue:   pos.MarketValue,
			UnrealizedPnL: unrealized,
			WeightPct:     weight,
		})
	}
	if err := r.store.InsertSnapshot(ctx, &snap); err != nil {
		r.log.Warn("could not persist snapshot", zap.Error(err))
		st.run.Errors = append(st.run.Errors, "snapshot not persisted: "+err.Error())
		st.degraded = true
	}
}
