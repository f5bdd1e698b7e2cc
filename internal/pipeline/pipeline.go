// Package pipeline orchestrates one daily analysis-and-trade cycle: fetch
// market data, score and screen the universe, gather news and decision
// memory, ask the reasoning oracle, validate through the risk engine,
// execute, and persist one decision report per candidate. A single-flight
// lock guarantees at most one run at a time per Runner.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeagent/internal/adapters"
	"tradeagent/internal/config"
	"tradeagent/internal/indicators"
	"tradeagent/internal/memory"
	"tradeagent/internal/models"
	"tradeagent/internal/risk"
	"tradeagent/internal/screening"
)

// defaultAllocationPct sizes BUY recommendations whose oracle output
// carried no suggested allocation.
const defaultAllocationPct = 3.0

// Store is the slice of persistence the orchestrator needs.
type Store interface {
	ActiveStocks(ctx context.Context) ([]models.Stock, error)
	UpsertPriceBars(ctx context.Context, stockID int64, bars []models.PriceBar) error
	UpdateStockMetadata(ctx context.Context, stockID int64, name, sector, industry, currency string) error

	OpenPositions(ctx context.Context) ([]models.Position, error)
	GetOpenPosition(ctx context.Context, stockID int64) (models.Position, error)
	CreatePosition(ctx context.Context, pos *models.Position) error
	UpdatePositionQuantity(ctx context.Context, positionID int64, quantity, avgPrice decimal.Decimal) error
	ClosePosition(ctx context.Context, positionID int64, closedAt time.Time) error

	InsertTrade(ctx context.Context, trade *models.Trade) error
	UpdateTradeStatus(ctx context.Context, tradeID int64, status models.TradeStatus, brokerOrderID, errorMessage string, executedAt *time.Time) error
	FailedTrades(ctx context.Context, scope models.RunScope) ([]models.Trade, error)

	InsertDecisionReport(ctx context.Context, report *models.DecisionReport) error
	InsertPipelineRun(ctx context.Context, run *models.PipelineRun) error
	UpdatePipelineRun(ctx context.Context, run *models.PipelineRun) error

	InsertSnapshot(ctx context.Context, snapshot *models.PortfolioSnapshot) error
	LatestSnapshot(ctx context.Context) (models.PortfolioSnapshot, error)
}

// Memory retrieves past decisions for a candidate. The concrete retriever
// never fails; it degrades to fewer or zero references.
type Memory interface {
	Retrieve(ctx context.Context, scope models.RunScope, q memory.Query) []models.MemoryReference
}

// Notifier receives the summary of a finished run.
type Notifier interface {
	RunCompleted(ctx context.Context, run *models.PipelineRun)
}

// PortfolioFunc produces the risk engine's view of the portfolio. The
// closes argument maps ticker to the latest fetched close in the base
// currency so positions can be marked to market.
type PortfolioFunc func(ctx context.Context, closes map[string]decimal.Decimal) (risk.PortfolioState, error)

// Runner owns run state and the step sequence.
type Runner struct {
	cfg      *config.Config
	store    Store
	market   adapters.MarketData
	news     adapters.News
	oracle   adapters.Reasoning
	broker   adapters.Broker
	memory   Memory
	risk     *risk.Engine
	notifier Notifier
	log      *zap.Logger

	scope     models.RunScope
	now       func() time.Time
	portfolio PortfolioFunc

	mu      sync.Mutex
	running bool
	current *models.PipelineRun
}

// Option customizes a Runner, mainly so the backtest engine can substitute
// scope, clock and portfolio source.
type Option func(*Runner)

// WithScope sets the visibility partition for everything the run writes
// and reads.
func WithScope(scope models.RunScope) Option {
	return func(r *Runner) { r.scope = scope }
}

// WithClock overrides the run's notion of now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithPortfolio overrides where the portfolio state comes from.
func WithPortfolio(fn PortfolioFunc) Option {
	return func(r *Runner) { r.portfolio = fn }
}

// WithNotifier attaches a run-summary notifier.
func WithNotifier(n Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

// New builds a Runner. A nil broker disables execution; a nil news adapter
// disables the news step without degrading the run.
func New(cfg *config.Config, store Store, market adapters.MarketData, news adapters.News,
	oracle adapters.Reasoning, broker adapters.Broker, mem Memory,
	engine *risk.Engine, log *zap.Logger, opts ...Option) *Runner {

	r := &Runner{
		cfg:    cfg,
		store:  store,
		market: market,
		news:   news,
		oracle: oracle,
		broker: broker,
		memory: mem,
		risk:   engine,
		log:    log.Named("pipeline"),
		scope:  models.LiveScope(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.portfolio == nil {
		r.portfolio = r.storedPortfolio
	}
	return r
}

// Status returns a copy of the current or most recently finished run, or
// nil when the runner has never run.
func (r *Runner) Status() *models.PipelineRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	snapshot := *r.current
	snapshot.Errors = append([]string(nil), r.current.Errors...)
	return &snapshot
}

// runState accumulates everything the steps pass forward.
type runState struct {
	run          *models.PipelineRun
	asOf         time.Time
	stocks       []models.Stock
	stockByTic   map[string]models.Stock
	series       map[string]*adapters.PriceSeries
	baseCloses   map[string]decimal.Decimal
	fundamentals map[string]*models.FundamentalSnapshot
	candidates   []screening.Candidate
	memoryRefs   map[string][]models.MemoryReference
	newsItems    []adapters.NewsItem
	portfolio    risk.PortfolioState
	recs         []adapters.Recommendation
	result       risk.Result
	executed     map[string]models.TradeStatus // ticker -> final status
	degraded     bool
	withheld     bool
}

// Run executes one full cycle synchronously and returns the finished run
// record. A second call while one is in flight fails with
// models.ErrAlreadyRunning.
func (r *Runner) Run(ctx context.Context, trigger models.Trigger) (*models.PipelineRun, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil, fmt.Errorf("pipeline: %w", models.ErrAlreadyRunning)
	}
	r.running = true
	run := &models.PipelineRun{
		ID:            uuid.NewString(),
		Status:        models.PipelineRunning,
		Trigger:       trigger,
		StartedAt:     r.now(),
		IsBacktest:    r.scope.IsBacktest(),
		BacktestRunID: r.scope.BacktestRunID,
	}
	r.current = run
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if err := r.store.InsertPipelineRun(ctx, run); err != nil {
		return nil, fmt.Errorf("record run start: %w", err)
	}

	st := &runState{
		run:        run,
		asOf:       run.StartedAt,
		memoryRefs: make(map[string][]models.MemoryReference),
		executed:   make(map[string]models.TradeStatus),
	}
	err := r.steps(ctx, st)
	r.finalize(ctx, st, err)
	return run, err
}

func (r *Runner) steps(ctx context.Context, st *runState) error {
	if err := r.fetchMarketData(ctx, st); err != nil {
		return err
	}
	r.screen(ctx, st)
	r.fetchNews(ctx, st)
	if err := r.buildPortfolio(ctx, st); err != nil {
		return err
	}
	r.retrieveMemory(ctx, st)
	if err := r.reason(ctx, st); err != nil {
		return err
	}
	r.sanityCheck(st)
	r.validate(st)
	r.execute(ctx, st)
	r.persistReports(ctx, st)
	r.snapshot(ctx, st)
	return nil
}

// fetchMarketData loads and validates price history for the active
// universe. Missing data for more than the configured fraction of the
// universe aborts the run; per-instrument gaps only exclude that
// instrument.
func (r *Runner) fetchMarketData(ctx context.Context, st *runState) error {
	stocks, err := r.store.ActiveStocks(ctx)
	if err != nil {
		return fmt.Errorf("load universe: %w", err)
	}
	if len(stocks) == 0 {
		return fmt.Errorf("empty instrument universe: %w", models.ErrDataUnavailable)
	}
	st.stocks = stocks
	st.stockByTic = make(map[string]models.Stock, len(stocks))
	tickers := make([]string, 0, len(stocks))
	for _, s := range stocks {
		st.stockByTic[s.Ticker] = s
		tickers = append(tickers, s.Ticker)
	}

	start := st.asOf.AddDate(0, 0, -r.cfg.Technical.LookbackDays)
	series, err := r.market.FetchDailyPrices(ctx, tickers, start, st.asOf)
	if err != nil {
		return fmt.Errorf("fetch prices: %w: %v", models.ErrDataUnavailable, err)
	}
	minOK := int(float64(len(tickers)) * r.cfg.Pipeline.MinDataFraction)
	if len(series) < minOK || len(series) == 0 {
		return fmt.Errorf("prices for %d of %d instruments, need %d: %w",
			len(series), len(tickers), minOK, models.ErrDataUnavailable)
	}
	for ticker := range st.stockByTic {
		if _, ok := series[ticker]; !ok {
			r.log.Warn("instrument excluded, no price data", zap.String("ticker", ticker))
			st.run.Errors = append(st.run.Errors, "no price data for "+ticker)
		}
	}
	st.series = series
	st.run.StocksAnalyzed = len(series)

	st.baseCloses = make(map[string]decimal.Decimal, len(series))
	for ticker, ps := range series {
		latest := ps.Latest()
		if latest == nil {
			continue
		}
		close, err := r.toBase(latest.Close, st.stockByTic[ticker].Currency)
		if err != nil {
			r.log.Warn("no exchange rate, valuing at native close", zap.String("ticker", ticker), zap.Error(err))
			close = latest.Close
		}
		st.baseCloses[ticker] = close
	}

	if !r.scope.IsBacktest() {
		for ticker, ps := range series {
			stock := st.stockByTic[ticker]
			if err := r.store.UpsertPriceBars(ctx, stock.ID, ps.Bars); err != nil {
				r.log.Warn("failed to persist bars", zap.String("ticker", ticker), zap.Error(err))
			}
		}
		r.refreshMetadata(ctx, st)
	}
	return nil
}

// refreshMetadata updates sector/name/currency from fundamentals. Failures
// never degrade the run; screening just works from stale metadata.
func (r *Runner) refreshMetadata(ctx context.Context, st *runState) {
	tickers := make([]string, 0, len(st.series))
	for ticker := range st.series {
		tickers = append(tickers, ticker)
	}
	funds, err := r.market.FetchFundamentals(ctx, tickers)
	if err != nil {
		r.log.Warn("fundamentals fetch failed", zap.Error(err))
		return
	}
	st.fundamentals = funds
	for ticker, f := range funds {
		stock := st.stockByTic[ticker]
		if err := r.store.UpdateStockMetadata(ctx, stock.ID, f.Name, f.Sector, f.Industry, f.Currency); err != nil {
			r.log.Warn("metadata update failed", zap.String("ticker", ticker), zap.Error(err))
		}
	}
}

// screen computes indicators and ranks the universe.
func (r *Runner) screen(ctx context.Context, st *runState) {
	held := r.heldTickers(ctx)
	inputs := make([]screening.Input, 0, len(st.series))
	for ticker, ps := range st.series {
		stock := st.stockByTic[ticker]
		tech := indicators.Compute(ps.Bars, r.cfg.Technical)
		var fund *models.FundamentalSnapshot
		if st.fundamentals != nil {
			fund = st.fundamentals[ticker]
		}
		inputs = append(inputs, screening.Input{
			Stock:        stock,
			Technical:    tech,
			Fundamentals: fund,
			InPortfolio:  held[ticker],
		})
	}
	st.candidates = screening.Rank(inputs, r.cfg.Screening)
	st.run.CandidatesScreened = len(st.candidates)
	r.log.Info("screening complete",
		zap.Int("universe", len(inputs)), zap.Int("candidates", len(st.candidates)))
}

// heldTickers is the pre-portfolio view of holdings used by screening's
// force-include rule. Backtest scope gets holdings from the portfolio
// function later; here the stored live positions are only advisory.
func (r *Runner) heldTickers(ctx context.Context) map[string]bool {
	held := make(map[string]bool)
	if r.scope.IsBacktest() {
		state, err := r.portfolio(ctx, nil)
		if err == nil {
			for ticker := range state.Positions {
				held[ticker] = true
			}
		}
		return held
	}
	positions, err := r.store.OpenPositions(ctx)
	if err != nil {
		r.log.Warn("could not load positions for screening", zap.Error(err))
		return held
	}
	for _, p := range positions {
		held[p.Ticker] = true
	}
	return held
}

// fetchNews is a continue-on-failure step: the run proceeds with no news
// and a degraded status.
func (r *Runner) fetchNews(ctx context.Context, st *runState) {
	if r.news == nil {
		return
	}
	topics := append([]string(nil), r.cfg.News.Sectors...)
	for _, c := range st.candidates {
		topics = append(topics, c.Stock.Ticker)
	}
	items, err := r.news.FetchNews(ctx, topics)
	if err != nil {
		r.log.Warn("news unavailable, continuing without", zap.Error(err))
		st.run.Errors = append(st.run.Errors, "news unavailable: "+err.Error())
		st.degraded = true
		return
	}
	st.newsItems = items
}

func (r *Runner) buildPortfolio(ctx context.Context, st *runState) error {
	state, err := r.portfolio(ctx, st.baseCloses)
	if err != nil {
		return fmt.Errorf("build portfolio state: %w", err)
	}
	st.portfolio = state
	return nil
}

// storedPortfolio is the live portfolio source: open positions from the
// store marked to the latest fetched closes, cash carried forward from the
// most recent snapshot.
func (r *Runner) storedPortfolio(ctx context.Context, closes map[string]decimal.Decimal) (risk.PortfolioState, error) {
	positions, err := r.store.OpenPositions(ctx)
	if err != nil {
		return risk.PortfolioState{}, err
	}

	cash := decimal.NewFromFloat(r.cfg.Portfolio.InitialCapital)
	snap, err := r.store.LatestSnapshot(ctx)
	if err == nil {
		cash = snap.CashAvailable
	} else if !errors.Is(err, models.ErrNotFound) {
		return risk.PortfolioState{}, err
	}

	state := risk.PortfolioState{
		CashAvailable: cash,
		Positions:     make(map[string]risk.PositionState, len(positions)),
	}
	total := cash
	for _, p := range positions {
		price, ok := closes[p.Ticker]
		if !ok || price.Sign() <= 0 {
			converted, cErr := r.toBase(p.AvgPrice, p.Currency)
			if cErr != nil {
				converted = p.AvgPrice
			}
			price = converted
		}
		value := p.Quantity.Mul(price)
		state.Positions[p.Ticker] = risk.PositionState{
			StockID:      p.StockID,
			Ticker:       p.Ticker,
			Quantity:     p.Quantity,
			CurrentPrice: price,
			MarketValue:  value,
		}
		total = total.Add(value)
	}
	state.TotalValue = total
	return state, nil
}

// retrieveMemory collects decision history per candidate. The retriever
// never errors, so this step cannot degrade the run.
func (r *Runner) retrieveMemory(ctx context.Context, st *runState) {
	if r.memory == nil {
		return
	}
	for _, c := range st.candidates {
		_, held := st.portfolio.Positions[c.Stock.Ticker]
		intent := models.ActionBuy
		if held {
			intent = models.ActionSell
		}
		refs := r.memory.Retrieve(ctx, r.scope, memory.Query{
			StockID:       c.Stock.ID,
			Ticker:        c.Stock.Ticker,
			Sector:        c.Stock.Sector,
			Intent:        intent,
			RSI:           c.Technical.RSI,
			MACDDirection: c.Technical.MACDDirection(),
		})
		if len(refs) > 0 {
			st.memoryRefs[c.Stock.Ticker] = refs
		}
	}
}

// reason assembles the context package and asks the oracle, batching when
// the candidate list exceeds the per-call limit. Any batch failing after
// the oracle's own retry budget aborts the run.
func (r *Runner) reason(ctx context.Context, st *runState) error {
	summary := models.PortfolioSummary{
		TotalValue:    st.portfolio.TotalValue,
		CashAvailable: st.portfolio.CashAvailable,
		NumPositions:  len(st.portfolio.Positions),
	}

	contexts := make([]adapters.CandidateContext, 0, len(st.candidates))
	for _, c := range st.candidates {
		pos, held := st.portfolio.Positions[c.Stock.Ticker]
		cc := adapters.CandidateContext{
			Ticker:      c.Stock.Ticker,
			Name:        c.Stock.Name,
			Sector:      c.Stock.Sector,
			Score:       c.Score,
			InPortfolio: held,
			Technical:   c.Technical,
			Memory:      st.memoryRefs[c.Stock.Ticker],
		}
		if held {
			cc.PositionValue = pos.MarketValue
		}
		contexts = append(contexts, cc)
	}

	batchSize := r.cfg.Pipeline.MaxCandidatesPerCall
	for start := 0; start < len(contexts); start += batchSize {
		end := start + batchSize
		if end > len(contexts) {
			end = len(contexts)
		}
		pkg := &adapters.ContextPackage{
			AsOf:       st.asOf,
			Portfolio:  summary,
			Candidates: contexts[start:end],
			News:       st.newsItems,
		}
		set, err := r.oracle.Analyze(ctx, pkg)
		if err != nil {
			return fmt.Errorf("reasoning batch %d-%d: %w", start, end, err)
		}
		// Retry warnings are informational: the batch ultimately produced a
		// valid recommendation set, so the run is not degraded by them.
		for _, w := range set.Warnings {
			r.log.Warn("oracle retry", zap.String("warning", w))
			st.run.Errors = append(st.run.Errors, "oracle: "+w)
		}
		st.recs = append(st.recs, set.Recommendations...)
	}
	return nil
}

// sanityCheck drops recommendations the oracle had no business making and
// withholds execution for anomalous batches.
func (r *Runner) sanityCheck(st *runState) {
	inRun := make(map[string]bool, len(st.candidates))
	for _, c := range st.candidates {
		inRun[c.Stock.Ticker] = true
	}

	kept := st.recs[:0]
	buys := 0
	sellValue := decimal.Zero
	for _, rec := range st.recs {
		if !inRun[rec.Ticker] {
			r.log.Warn("dropping recommendation outside candidate set", zap.String("ticker", rec.Ticker))
			st.run.Errors = append(st.run.Errors, "oracle recommended unknown ticker "+rec.Ticker)
			continue
		}
		pos, held := st.portfolio.Positions[rec.Ticker]
		action := models.Action(rec.Action)
		if action == models.ActionBuy && held {
			r.log.Warn("dropping BUY on held instrument", zap.String("ticker", rec.Ticker))
			st.run.Errors = append(st.run.Errors, "oracle recommended BUY on held "+rec.Ticker)
			continue
		}
		if action == models.ActionBuy {
			buys++
		}
		if action == models.ActionSell && held {
			sellValue = sellValue.Add(pos.MarketValue)
		}
		kept = append(kept, rec)
	}
	st.recs = kept

	maxSell := st.portfolio.TotalValue.Mul(decimal.NewFromFloat(r.cfg.Pipeline.MaxSellFraction))
	switch {
	case buys > r.cfg.Pipeline.MaxBuysPerRun:
		st.withheld = true
		st.run.Errors = append(st.run.Errors,
			fmt.Sprintf("anomalous batch: %d buys exceeds limit %d, execution withheld", buys, r.cfg.Pipeline.MaxBuysPerRun))
	case sellValue.GreaterThan(maxSell):
		st.withheld = true
		st.run.Errors = append(st.run.Errors,
			fmt.Sprintf("anomalous batch: sell value %s exceeds %s, execution withheld", sellValue, maxSell))
	}
	if st.withheld {
		r.log.Warn("execution withheld for anomalous batch",
			zap.Int("buys", buys), zap.String("sell_value", sellValue.String()))
		st.degraded = true
	}
}

// validate runs the risk engine over the surviving recommendations.
func (r *Runner) validate(st *runState) {
	proposals := make([]risk.Proposal, 0, len(st.recs))
	for _, rec := range st.recs {
		action := models.Action(rec.Action)
		if action == models.ActionHold {
			continue
		}
		stock := st.stockByTic[rec.Ticker]
		var price decimal.Decimal
		if ps, ok := st.series[rec.Ticker]; ok {
			if latest := ps.Latest(); latest != nil {
				price = latest.Close
			}
		}
		// A BUY without a sizing hint gets the conservative 3% default; the
		// engine rejects non-positive allocations outright.
		alloc := rec.SuggestedAllocationPct
		if action == models.ActionBuy && alloc <= 0 {
			alloc = defaultAllocationPct
		}
		proposals = append(proposals, risk.Proposal{
			StockID:                stock.ID,
			Ticker:                 rec.Ticker,
			Action:                 action,
			Confidence:             rec.Confidence,
			Reasoning:              rec.Reasoning,
			SuggestedAllocationPct: alloc,
			Price:                  price,
			Currency:               stock.Currency,
		})
	}
	st.result = r.risk.Validate(proposals, st.portfolio)
	st.run.TradesApproved = len(st.result.Approved)
	for _, rej := range st.result.Rejected {
		r.log.Info("trade rejected",
			zap.String("ticker", rej.Ticker), zap.String("reason", rej.ReasonCode), zap.String("detail", rej.Detail))
	}
}

func (r *Runner) finalize(ctx context.Context, st *runState, stepErr error) {
	run := st.run
	now := r.now()
	run.CompletedAt = &now

	switch {
	case stepErr != nil:
		run.Status = models.PipelineFailed
		run.Errors = append(run.Errors, stepErr.Error())
	case st.degraded:
		run.Status = models.PipelinePartialFailure
	default:
		run.Status = models.PipelineSuccess
	}

	if err := r.store.UpdatePipelineRun(ctx, run); err != nil {
		r.log.Error("failed to persist run result", zap.String("run_id", run.ID), zap.Error(err))
	}
	r.log.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("analyzed", run.StocksAnalyzed),
		zap.Int("approved", run.TradesApproved),
		zap.Int("executed", run.TradesExecuted),
		zap.Int("errors", len(run.Errors)))

	if r.notifier != nil {
		r.notifier.RunCompleted(ctx, run)
	}
}

func (r *Runner) toBase(amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	if currency == "" || currency == r.cfg.Portfolio.BaseCurrency {
		return amount, nil
	}
	rate, ok := r.cfg.Portfolio.ExchangeRates[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("no exchange rate for %s", currency)
	}
	return amount.Mul(decimal.NewFromFloat(rate)), nil
}
