// Package backtest replays the daily pipeline over a historical range. The
// engine prefetches the full price history once, then drives the same
// orchestrator day by day through a window-filtered market source and a
// simulated broker, so later data can never leak into an earlier day.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeagent/internal/adapters"
	"tradeagent/internal/adapters/broker"
	"tradeagent/internal/adapters/marketdata"
	"tradeagent/internal/config"
	"tradeagent/internal/models"
	"tradeagent/internal/pipeline"
	"tradeagent/internal/risk"
)

// Store is the persistence the engine needs: the pipeline's store plus the
// backtest run records.
type Store interface {
	pipeline.Store
	InsertBacktestRun(ctx context.Context, run *models.BacktestRun) error
	UpdateBacktestRun(ctx context.Context, run *models.BacktestRun) error
	GetBacktestRun(ctx context.Context, id string) (models.BacktestRun, error)
}

// BrokerFactory builds the broker used for one backtest. The default
// returns the built-in simulator; the engine refuses anything that
// satisfies adapters.LiveBroker.
type BrokerFactory func(initialCash decimal.Decimal) adapters.Broker

// Engine runs backtests under a single-flight lock.
type Engine struct {
	cfg     *config.Config
	store   Store
	market  adapters.MarketData
	oracle  adapters.Reasoning
	memory  pipeline.Memory
	log     *zap.Logger
	brokers BrokerFactory

	mu      sync.Mutex
	running bool
	current *models.BacktestRun
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithBrokerFactory overrides how the simulated broker is built, mainly
// for tests.
func WithBrokerFactory(f BrokerFactory) Option {
	return func(e *Engine) { e.brokers = f }
}

// NewEngine builds a backtest engine around the given market source and
// oracle. No broker is accepted here: execution always goes through the
// factory, which is checked against the live-broker marker at start.
func NewEngine(cfg *config.Config, store Store, market adapters.MarketData,
	oracle adapters.Reasoning, mem pipeline.Memory, log *zap.Logger, opts ...Option) *Engine {

	e := &Engine{
		cfg:    cfg,
		store:  store,
		market: market,
		oracle: oracle,
		memory: mem,
		log:    log.Named("backtest"),
		brokers: func(cash decimal.Decimal) adapters.Broker {
			return broker.NewSimulated(cash)
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start validates the range, reserves the single-flight slot and launches
// the replay in the background. It returns the new backtest run ID.
func (e *Engine) Start(ctx context.Context, start, end time.Time, initialCapital decimal.Decimal) (string, error) {
	if !end.After(start) {
		return "", fmt.Errorf("end %s not after start %s: %w",
			end.Format("2006-01-02"), start.Format("2006-01-02"), models.ErrInvalidRange)
	}
	if end.After(start.AddDate(e.cfg.Backtest.MaxSpanYears, 0, 0)) {
		return "", fmt.Errorf("range exceeds %d years: %w", e.cfg.Backtest.MaxSpanYears, models.ErrInvalidRange)
	}
	if initialCapital.Sign() <= 0 {
		return "", fmt.Errorf("initial capital %s not positive: %w", initialCapital, models.ErrInvalidRange)
	}

	b := e.brokers(initialCapital)
	if _, live := b.(adapters.LiveBroker); live {
		return "", fmt.Errorf("refusing to backtest against a live broker")
	}
	sim, ok := b.(*broker.Simulated)
	if !ok {
		return "", fmt.Errorf("backtest broker must be the simulator, got %T", b)
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return "", fmt.Errorf("backtest: %w", models.ErrAlreadyRunning)
	}
	run := &models.BacktestRun{
		ID:             uuid.NewString(),
		StartDate:      start,
		EndDate:        end,
		InitialCapital: initialCapital,
		Status:         models.BacktestPending,
		StartedAt:      time.Now(),
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.running = true
	e.current = run
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	if err := e.store.InsertBacktestRun(ctx, run); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		cancel()
		return "", fmt.Errorf("record backtest start: %w", err)
	}

	go func() {
		defer close(e.done)
		defer cancel()
		e.replay(runCtx, run, sim)
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()
	return run.ID, nil
}

// Status returns a copy of the in-flight run, or loads a finished one from
// the store.
func (e *Engine) Status(ctx context.Context, id string) (models.BacktestRun, error) {
	e.mu.Lock()
	if e.current != nil && e.current.ID == id && e.running {
		snapshot := *e.current
		snapshot.EquityCurve = append([]models.EquityPoint(nil), e.current.EquityCurve...)
		snapshot.Errors = append([]string(nil), e.current.Errors...)
		e.mu.Unlock()
		return snapshot, nil
	}
	e.mu.Unlock()
	return e.store.GetBacktestRun(ctx, id)
}

// Cancel asks the running backtest to stop at the next day boundary.
// Partial results stay persisted.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running && e.cancel != nil {
		e.cancel()
	}
}

// Wait blocks until the current backtest finishes. Mainly for the CLI and
// tests.
func (e *Engine) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Engine) replay(ctx context.Context, run *models.BacktestRun, sim *broker.Simulated) {
	scope := models.BacktestScope(run.ID)
	log := e.log.With(zap.String("backtest_id", run.ID))

	fail := func(err error) {
		log.Error("backtest failed", zap.Error(err))
		e.mu.Lock()
		run.Status = models.BacktestFailed
		run.Errors = append(run.Errors, err.Error())
		now := time.Now()
		run.CompletedAt = &now
		e.mu.Unlock()
		e.persist(run)
	}

	stocks, err := e.store.ActiveStocks(ctx)
	if err != nil {
		fail(fmt.Errorf("load universe: %w", err))
		return
	}
	stockByTicker := make(map[string]models.Stock, len(stocks))
	tickers := make([]string, 0, len(stocks))
	for _, s := range stocks {
		stockByTicker[s.Ticker] = s
		tickers = append(tickers, s.Ticker)
	}

	warmupStart := run.StartDate.AddDate(0, 0, -e.cfg.Backtest.WarmupDays)
	history, err := e.market.FetchDailyPrices(ctx, tickers, warmupStart, run.EndDate)
	if err != nil {
		fail(fmt.Errorf("prefetch history: %w", err))
		return
	}
	if len(history) == 0 {
		fail(fmt.Errorf("no price history in range: %w", models.ErrDataUnavailable))
		return
	}

	replaySource := marketdata.NewMock()
	for ticker, series := range history {
		replaySource.SetBars(ticker, series.Bars)
	}
	days := tradingDays(history, run.StartDate, run.EndDate)
	if len(days) == 0 {
		fail(fmt.Errorf("no trading days in range: %w", models.ErrDataUnavailable))
		return
	}

	e.mu.Lock()
	run.Status = models.BacktestRunning
	run.TotalDays = len(days)
	e.mu.Unlock()
	e.persist(run)

	var currentDay time.Time
	runner := pipeline.New(e.cfg, e.store, replaySource, nil, e.oracle, sim, e.memory,
		risk.NewEngine(e.cfg.Portfolio, log), log,
		pipeline.WithScope(scope),
		pipeline.WithClock(func() time.Time { return currentDay }),
		pipeline.WithPortfolio(simPortfolio(sim, stockByTicker)),
	)

	for i, day := range days {
		if ctx.Err() != nil {
			log.Info("backtest cancelled", zap.Int("completed_days", i))
			e.mu.Lock()
			run.Status = models.BacktestCancelled
			now := time.Now()
			run.CompletedAt = &now
			e.mu.Unlock()
			e.finish(run, sim)
			return
		}
		currentDay = day

		closes, fills := e.pricesFor(history, days, i)
		sim.SetDay(day, closes, fills)

		if _, err := runner.Run(ctx, models.TriggerBacktest); err != nil {
			log.Warn("simulated day failed", zap.Time("day", day), zap.Error(err))
			e.mu.Lock()
			run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", day.Format("2006-01-02"), err))
			e.mu.Unlock()
		}

		e.mu.Lock()
		run.CurrentDay = i + 1
		run.EquityCurve = append(run.EquityCurve, models.EquityPoint{
			Date:  day,
			Value: sim.PortfolioValue(),
		})
		e.mu.Unlock()
		e.persist(run)
	}

	e.mu.Lock()
	run.Status = models.BacktestCompleted
	now := time.Now()
	run.CompletedAt = &now
	e.mu.Unlock()
	e.finish(run, sim)
	log.Info("backtest complete", zap.Int("days", len(days)),
		zap.String("final_value", sim.PortfolioValue().String()))
}

// finish computes metrics over whatever the run accumulated and persists
// the terminal record. Used for both completed and cancelled runs.
func (e *Engine) finish(run *models.BacktestRun, sim *broker.Simulated) {
	benchmarks := e.benchmarkReturns(run)
	e.mu.Lock()
	metrics := Compute(run.EquityCurve, sim.ClosedTrades(), run.InitialCapital, benchmarks)
	run.Metrics = &metrics
	e.mu.Unlock()
	e.persist(run)
}

func (e *Engine) persist(run *models.BacktestRun) {
	e.mu.Lock()
	snapshot := *run
	snapshot.EquityCurve = append([]models.EquityPoint(nil), run.EquityCurve...)
	snapshot.Errors = append([]string(nil), run.Errors...)
	e.mu.Unlock()
	if err := e.store.UpdateBacktestRun(context.Background(), &snapshot); err != nil {
		e.log.Error("failed to persist backtest progress", zap.String("backtest_id", run.ID), zap.Error(err))
	}
}

// benchmarkReturns computes each configured benchmark's return over the
// run's window. Failures degrade to a missing entry, never to a run error.
func (e *Engine) benchmarkReturns(run *models.BacktestRun) map[string]float64 {
	if len(e.cfg.Backtest.Benchmarks) == 0 {
		return nil
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFn()

	series, err := e.market.FetchDailyPrices(ctx, e.cfg.Backtest.Benchmarks, run.StartDate, run.EndDate)
	if err != nil {
		e.log.Warn("benchmark fetch failed", zap.Error(err))
		return nil
	}
	out := make(map[string]float64, len(series))
	for ticker, ps := range series {
		if len(ps.Bars) < 2 {
			continue
		}
		first := ps.Bars[0].Close
		last := ps.Bars[len(ps.Bars)-1].Close
		if first.Sign() <= 0 {
			continue
		}
		change, _ := last.Sub(first).Div(first).Float64()
		out[ticker] = change * 100
	}
	return out
}

// pricesFor builds the valuation closes for day i and the fill prices for
// orders placed on day i. Fills use the next trading day's open; the final
// day falls back to its own close so end-of-range orders still settle.
func (e *Engine) pricesFor(history map[string]*adapters.PriceSeries, days []time.Time, i int) (closes, fills map[string]decimal.Decimal) {
	day := days[i]
	closes = make(map[string]decimal.Decimal)
	fills = make(map[string]decimal.Decimal)
	for ticker, ps := range history {
		for j := range ps.Bars {
			if ps.Bars[j].Date.Equal(day) {
				closes[ticker] = ps.Bars[j].Close
				if i == len(days)-1 {
					fills[ticker] = ps.Bars[j].Close
				} else if j+1 < len(ps.Bars) {
					fills[ticker] = ps.Bars[j+1].Open
				}
				break
			}
		}
	}
	return closes, fills
}

// tradingDays is the sorted union of bar dates inside [start, end].
// Weekends and holidays never appear because no instrument has a bar then.
func tradingDays(history map[string]*adapters.PriceSeries, start, end time.Time) []time.Time {
	seen := make(map[time.Time]bool)
	for _, ps := range history {
		for _, bar := range ps.Bars {
			if bar.Date.Before(start) || bar.Date.After(end) {
				continue
			}
			seen[bar.Date] = true
		}
	}
	days := make([]time.Time, 0, len(seen))
	for day := range seen {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// simPortfolio adapts the simulator's book into the risk engine's view.
func simPortfolio(sim *broker.Simulated, stockByTicker map[string]models.Stock) pipeline.PortfolioFunc {
	return func(ctx context.Context, _ map[string]decimal.Decimal) (risk.PortfolioState, error) {
		positions, err := sim.GetPositions(ctx)
		if err != nil {
			return risk.PortfolioState{}, err
		}
		state := risk.PortfolioState{
			TotalValue:    sim.PortfolioValue(),
			CashAvailable: sim.Cash(),
			Positions:     make(map[string]risk.PositionState, len(positions)),
		}
		for _, p := range positions {
			state.Positions[p.Ticker] = risk.PositionState{
				StockID:      stockByTicker[p.Ticker].ID,
				Ticker:       p.Ticker,
				Quantity:     p.Quantity,
				CurrentPrice: p.CurrentPrice,
				MarketValue:  p.Quantity.Mul(p.CurrentPrice),
			}
		}
		return state, nil
	}
}
