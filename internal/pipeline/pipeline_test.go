package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeagent/internal/adapters"
	"tradeagent/internal/adapters/broker"
	"tradeagent/internal/adapters/llm"
	"tradeagent/internal/adapters/marketdata"
	"tradeagent/internal/adapters/news"
	"tradeagent/internal/config"
	"tradeagent/internal/memory"
	"tradeagent/internal/models"
	"tradeagent/internal/risk"
	"tradeagent/pkg/logger"
)

type fakeStore struct {
	stocks    []models.Stock
	positions map[int64]models.Position
	trades    map[int64]*models.Trade
	reports   []*models.DecisionReport
	runs      map[string]*models.PipelineRun
	snapshots []models.PortfolioSnapshot
	nextID    int64
}

func newFakeStore(stocks ...models.Stock) *fakeStore {
	return &fakeStore{
		stocks:    stocks,
		positions: make(map[int64]models.Position),
		trades:    make(map[int64]*models.Trade),
		runs:      make(map[string]*models.PipelineRun),
		nextID:    100,
	}
}

func (f *fakeStore) id() int64 { f.nextID++; return f.nextID }

func (f *fakeStore) ActiveStocks(context.Context) ([]models.Stock, error) { return f.stocks, nil }

func (f *fakeStore) UpsertPriceBars(context.Context, int64, []models.PriceBar) error { return nil }

func (f *fakeStore) UpdateStockMetadata(context.Context, int64, string, string, string, string) error {
	return nil
}

func (f *fakeStore) OpenPositions(context.Context) ([]models.Position, error) {
	var out []models.Position
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) GetOpenPosition(_ context.Context, stockID int64) (models.Position, error) {
	for _, p := range f.positions {
		if p.StockID == stockID {
			return p, nil
		}
	}
	return models.Position{}, models.ErrNotFound
}

func (f *fakeStore) CreatePosition(_ context.Context, pos *models.Position) error {
	pos.ID = f.id()
	pos.Status = models.PositionOpen
	f.positions[pos.ID] = *pos
	return nil
}

func (f *fakeStore) UpdatePositionQuantity(_ context.Context, positionID int64, quantity, avgPrice decimal.Decimal) error {
	p, ok := f.positions[positionID]
	if !ok {
		return models.ErrNotFound
	}
	p.Quantity, p.AvgPrice = quantity, avgPrice
	f.positions[positionID] = p
	return nil
}

func (f *fakeStore) ClosePosition(_ context.Context, positionID int64, _ time.Time) error {
	if _, ok := f.positions[positionID]; !ok {
		return models.ErrNotFound
	}
	delete(f.positions, positionID)
	return nil
}

func (f *fakeStore) InsertTrade(_ context.Context, trade *models.Trade) error {
	trade.ID = f.id()
	f.trades[trade.ID] = trade
	return nil
}

func (f *fakeStore) UpdateTradeStatus(_ context.Context, tradeID int64, status models.TradeStatus, brokerOrderID, errorMessage string, executedAt *time.Time) error {
	t, ok := f.trades[tradeID]
	if !ok {
		return models.ErrNotFound
	}
	t.Status = status
	if brokerOrderID != "" {
		t.BrokerOrderID = brokerOrderID
	}
	t.ErrorMessage = errorMessage
	if executedAt != nil {
		t.ExecutedAt = executedAt
	}
	return nil
}

func (f *fakeStore) FailedTrades(_ context.Context, scope models.RunScope) ([]models.Trade, error) {
	var out []models.Trade
	for _, t := range f.trades {
		if t.Status == models.TradeFailed && t.IsBacktest == scope.IsBacktest() && t.BacktestRunID == scope.BacktestRunID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertDecisionReport(_ context.Context, report *models.DecisionReport) error {
	report.ID = f.id()
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakeStore) InsertPipelineRun(_ context.Context, run *models.PipelineRun) error {
	f.runs[run.ID] = run
	return nil
}

func (f *fakeStore) UpdatePipelineRun(_ context.Context, run *models.PipelineRun) error {
	f.runs[run.ID] = run
	return nil
}

func (f *fakeStore) InsertSnapshot(_ context.Context, snapshot *models.PortfolioSnapshot) error {
	snapshot.ID = f.id()
	f.snapshots = append(f.snapshots, *snapshot)
	return nil
}

func (f *fakeStore) LatestSnapshot(context.Context) (models.PortfolioSnapshot, error) {
	if len(f.snapshots) == 0 {
		return models.PortfolioSnapshot{}, models.ErrNotFound
	}
	return f.snapshots[len(f.snapshots)-1], nil
}

type stubMemory struct{ refs []models.MemoryReference }

func (s *stubMemory) Retrieve(context.Context, models.RunScope, memory.Query) []models.MemoryReference {
	return s.refs
}

var testDay = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

func genBars(n int, startPrice float64) []models.PriceBar {
	bars := make([]models.PriceBar, n)
	for i := range bars {
		price := decimal.NewFromFloat(startPrice + float64(i)*0.1)
		bars[i] = models.PriceBar{
			Date:     testDay.AddDate(0, 0, i-n+1).Truncate(24 * time.Hour),
			Open:     price,
			High:     price.Add(decimal.NewFromInt(1)),
			Low:      price.Sub(decimal.NewFromInt(1)),
			Close:    price,
			AdjClose: price,
			Volume:   1_000_000,
		}
	}
	return bars
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Portfolio.InitialCapital = 10000
	cfg.Portfolio.BaseCurrency = "USD"
	cfg.Portfolio.ExchangeRates = map[string]float64{"USD": 1.0}
	cfg.Portfolio.MaxPositionPct = 10
	cfg.Screening.MinMarketCap = 0
	cfg.Technical.LookbackDays = 60
	return cfg
}

type testEnv struct {
	store  *fakeStore
	market *marketdata.Mock
	news   *news.Mock
	oracle *llm.MockReasoning
	sim    *broker.Simulated
	cfg    *config.Config
}

func newTestEnv() *testEnv {
	stocks := []models.Stock{
		{ID: 1, Ticker: "AAPL", Name: "Apple", Sector: "Technology", Currency: "USD", Active: true},
		{ID: 2, Ticker: "MSFT", Name: "Microsoft", Sector: "Technology", Currency: "USD", Active: true},
	}
	market := marketdata.NewMock()
	market.SetBars("AAPL", genBars(40, 50))
	market.SetBars("MSFT", genBars(40, 100))

	sim := broker.NewSimulated(decimal.NewFromInt(10000))
	sim.SetDay(testDay, map[string]decimal.Decimal{}, map[string]decimal.Decimal{
		"AAPL": decimal.NewFromFloat(53.9),
		"MSFT": decimal.NewFromFloat(103.9),
	})

	return &testEnv{
		store:  newFakeStore(stocks...),
		market: market,
		news:   news.NewMock(),
		oracle: llm.NewMockReasoning(),
		sim:    sim,
		cfg:    testConfig(),
	}
}

func (e *testEnv) runner(opts ...Option) *Runner {
	log := logger.Nop()
	opts = append([]Option{WithClock(func() time.Time { return testDay })}, opts...)
	return New(e.cfg, e.store, e.market, e.news, e.oracle, e.sim, &stubMemory{},
		risk.NewEngine(e.cfg.Portfolio, log), log, opts...)
}

func TestHoldOnlyRunSucceeds(t *testing.T) {
	env := newTestEnv()
	run, err := env.runner().Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, models.PipelineSuccess, run.Status)
	assert.Equal(t, 2, run.StocksAnalyzed)
	assert.Equal(t, 2, run.CandidatesScreened)
	assert.Zero(t, run.TradesApproved)
	assert.Zero(t, run.TradesExecuted)
	assert.Empty(t, env.store.reports, "HOLD on unheld instruments produces no report")
	require.Len(t, env.store.snapshots, 1)
	assert.True(t, env.store.snapshots[0].TotalValue.Equal(decimal.NewFromInt(10000)))
}

func TestBuyIsExecutedAndSettled(t *testing.T) {
	env := newTestEnv()
	env.oracle.Script = []func(pkg *adapters.ContextPackage) (*adapters.RecommendationSet, error){
		func(*adapters.ContextPackage) (*adapters.RecommendationSet, error) {
			return &adapters.RecommendationSet{Recommendations: []adapters.Recommendation{
				{Ticker: "AAPL", Action: "BUY", Confidence: 0.9, Reasoning: "oversold", SuggestedAllocationPct: 8},
			}}, nil
		},
	}

	run, err := env.runner().Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, models.PipelineSuccess, run.Status)
	assert.Equal(t, 1, run.TradesApproved)
	assert.Equal(t, 1, run.TradesExecuted)

	require.Len(t, env.store.trades, 1)
	for _, trade := range env.store.trades {
		assert.Equal(t, models.TradeFilled, trade.Status)
		assert.Equal(t, models.SideBuy, trade.Side)
		assert.NotNil(t, trade.ExecutedAt)
	}
	require.Len(t, env.store.positions, 1, "fill must open a stored position")
	require.Len(t, env.store.reports, 1)
	assert.Equal(t, models.ActionBuy, env.store.reports[0].Action)
	assert.Equal(t, run.ID, env.store.reports[0].PipelineRunID)
}

func TestBuyWithoutSizingHintUsesDefault(t *testing.T) {
	env := newTestEnv()
	env.oracle.Script = []func(pkg *adapters.ContextPackage) (*adapters.RecommendationSet, error){
		func(*adapters.ContextPackage) (*adapters.RecommendationSet, error) {
			return &adapters.RecommendationSet{Recommendations: []adapters.Recommendation{
				{Ticker: "AAPL", Action: "BUY", Confidence: 0.9, Reasoning: "momentum"},
			}}, nil
		},
	}

	run, err := env.runner().Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, 1, run.TradesApproved)
	// Default sizing is 3% of the 10000 portfolio: 300 target, floored to
	// 5 shares at the 53.9 close.
	require.Len(t, env.store.trades, 1)
	for _, trade := range env.store.trades {
		assert.True(t, trade.Quantity.Equal(decimal.NewFromInt(5)), "quantity %s", trade.Quantity)
	}
}

func TestNewsFailureDegradesRun(t *testing.T) {
	env := newTestEnv()
	env.news.Err = errors.New("upstream 503")

	run, err := env.runner().Run(context.Background(), models.TriggerSchedule)
	require.NoError(t, err)

	assert.Equal(t, models.PipelinePartialFailure, run.Status)
	require.NotEmpty(t, run.Errors)
	assert.Contains(t, run.Errors[len(run.Errors)-1], "news unavailable")
}

func TestOracleRetryWarningsKeepRunSuccessful(t *testing.T) {
	env := newTestEnv()
	env.oracle.Script = []func(pkg *adapters.ContextPackage) (*adapters.RecommendationSet, error){
		func(*adapters.ContextPackage) (*adapters.RecommendationSet, error) {
			return &adapters.RecommendationSet{
				Warnings: []string{
					"attempt 1 returned unparseable output",
					"attempt 2 returned unparseable output",
				},
			}, nil
		},
	}

	run, err := env.runner().Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, models.PipelineSuccess, run.Status,
		"a batch that recovered on retry must not degrade the run")
	require.Len(t, run.Errors, 2)
	assert.Contains(t, run.Errors[0], "attempt 1")
	assert.Contains(t, run.Errors[1], "attempt 2")
}

func TestOracleFailureAbortsRun(t *testing.T) {
	env := newTestEnv()
	env.oracle.Script = []func(pkg *adapters.ContextPackage) (*adapters.RecommendationSet, error){
		func(*adapters.ContextPackage) (*adapters.RecommendationSet, error) {
			return nil, fmt.Errorf("model gave up: %w", models.ErrReasoningFailure)
		},
	}

	run, err := env.runner().Run(context.Background(), models.TriggerManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrReasoningFailure)
	assert.Equal(t, models.PipelineFailed, run.Status)
	assert.Empty(t, env.store.reports, "aborted run must not persist reports")
	assert.Empty(t, env.store.trades)
}

func TestMissingMarketDataAbortsRun(t *testing.T) {
	env := newTestEnv()
	env.market.Err = errors.New("yahoo down")

	run, err := env.runner().Run(context.Background(), models.TriggerManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrDataUnavailable)
	assert.Equal(t, models.PipelineFailed, run.Status)
}

func TestSecondRunRejectedWhileFirstInFlight(t *testing.T) {
	env := newTestEnv()
	started := make(chan struct{})
	release := make(chan struct{})
	env.oracle.Script = []func(pkg *adapters.ContextPackage) (*adapters.RecommendationSet, error){
		func(*adapters.ContextPackage) (*adapters.RecommendationSet, error) {
			close(started)
			<-release
			return &adapters.RecommendationSet{}, nil
		},
	}

	r := env.runner()
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), models.TriggerSchedule)
		done <- err
	}()

	<-started
	_, err := r.Run(context.Background(), models.TriggerManual)
	assert.ErrorIs(t, err, models.ErrAlreadyRunning)

	status := r.Status()
	require.NotNil(t, status)
	assert.Equal(t, models.PipelineRunning, status.Status)

	close(release)
	require.NoError(t, <-done)
}

func TestSanityCheckDropsBadRecommendations(t *testing.T) {
	env := newTestEnv()
	env.store.positions[500] = models.Position{
		ID: 500, StockID: 2, Ticker: "MSFT",
		Quantity: decimal.NewFromInt(5), AvgPrice: decimal.NewFromInt(90),
		Currency: "USD", Status: models.PositionOpen, OpenedAt: testDay.AddDate(0, 0, -10),
	}
	env.oracle.Script = []func(pkg *adapters.ContextPackage) (*adapters.RecommendationSet, error){
		func(*adapters.ContextPackage) (*adapters.RecommendationSet, error) {
			return &adapters.RecommendationSet{Recommendations: []adapters.Recommendation{
				{Ticker: "TSLA", Action: "BUY", Confidence: 0.9},
				{Ticker: "MSFT", Action: "BUY", Confidence: 0.8},
			}}, nil
		},
	}

	run, err := env.runner().Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)

	assert.Zero(t, run.TradesApproved)
	assert.Zero(t, run.TradesExecuted)
	assert.Contains(t, run.Errors, "oracle recommended unknown ticker TSLA")
	assert.Contains(t, run.Errors, "oracle recommended BUY on held MSFT")
}

func TestAnomalousBuyBatchWithholdsExecution(t *testing.T) {
	env := newTestEnv()
	env.cfg.Pipeline.MaxBuysPerRun = 1
	env.oracle.Script = []func(pkg *adapters.ContextPackage) (*adapters.RecommendationSet, error){
		func(*adapters.ContextPackage) (*adapters.RecommendationSet, error) {
			return &adapters.RecommendationSet{Recommendations: []adapters.Recommendation{
				{Ticker: "AAPL", Action: "BUY", Confidence: 0.9, SuggestedAllocationPct: 4},
				{Ticker: "MSFT", Action: "BUY", Confidence: 0.8, SuggestedAllocationPct: 4},
			}}, nil
		},
	}

	run, err := env.runner().Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, models.PipelinePartialFailure, run.Status)
	assert.Zero(t, run.TradesExecuted, "execution withheld for anomalous batch")
	assert.Equal(t, 2, run.TradesApproved, "risk validation still runs for reporting")
	assert.Empty(t, env.store.trades)
}

func TestOracleBatching(t *testing.T) {
	env := newTestEnv()
	env.cfg.Pipeline.MaxCandidatesPerCall = 1

	run, err := env.runner().Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, models.PipelineSuccess, run.Status)
	assert.Equal(t, 2, env.oracle.Calls)
	for _, pkg := range env.oracle.Packages {
		assert.Len(t, pkg.Candidates, 1)
	}
}

func TestFailedTradeRetriedNextRun(t *testing.T) {
	env := newTestEnv()
	stale := &models.Trade{
		StockID: 1, Ticker: "AAPL", Side: models.SideBuy,
		Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(50),
		TotalValue: decimal.NewFromInt(500), Currency: "USD",
		Status: models.TradeFailed, ErrorMessage: "broker timeout",
	}
	require.NoError(t, env.store.InsertTrade(context.Background(), stale))

	run, err := env.runner().Run(context.Background(), models.TriggerSchedule)
	require.NoError(t, err)

	assert.Equal(t, models.TradeFilled, env.store.trades[stale.ID].Status)
	assert.Equal(t, 1, run.TradesExecuted)
	assert.Len(t, env.store.positions, 1)
}

func TestHoldReportKeptForHeldInstrument(t *testing.T) {
	env := newTestEnv()
	env.store.positions[500] = models.Position{
		ID: 500, StockID: 2, Ticker: "MSFT",
		Quantity: decimal.NewFromInt(5), AvgPrice: decimal.NewFromInt(90),
		Currency: "USD", Status: models.PositionOpen, OpenedAt: testDay.AddDate(0, 0, -10),
	}

	_, err := env.runner().Run(context.Background(), models.TriggerManual)
	require.NoError(t, err)

	require.Len(t, env.store.reports, 1, "only the held instrument gets a HOLD report")
	assert.Equal(t, "MSFT", env.store.reports[0].Ticker)
	assert.Equal(t, models.ActionHold, env.store.reports[0].Action)
}
