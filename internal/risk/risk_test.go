package risk

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeagent/internal/config"
	"tradeagent/internal/models"
	"tradeagent/pkg/logger"
)

func testEngine(t *testing.T, mutate func(*config.PortfolioConfig)) *Engine {
	t.Helper()
	cfg := config.PortfolioConfig{
		MaxPositions:   20,
		MaxPositionPct: 8.0,
		MinTradeValue:  100,
		InitialCapital: 10000,
		BaseCurrency:   "EUR",
		ExchangeRates:  map[string]float64{"EUR": 1.0, "USD": 0.5},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewEngine(cfg, logger.Nop())
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func buy(ticker string, confidence, allocPct, price float64) Proposal {
	return Proposal{
		Ticker:                 ticker,
		Action:                 models.ActionBuy,
		Confidence:             confidence,
		SuggestedAllocationPct: allocPct,
		Price:                  d(price),
		Currency:               "EUR",
	}
}

func sell(ticker string, confidence, price float64) Proposal {
	return Proposal{
		Ticker:     ticker,
		Action:     models.ActionSell,
		Confidence: confidence,
		Price:      d(price),
		Currency:   "EUR",
	}
}

func stateWith(cash, total float64, positions ...PositionState) PortfolioState {
	m := make(map[string]PositionState, len(positions))
	for _, p := range positions {
		m[p.Ticker] = p
	}
	return PortfolioState{
		TotalValue:    d(total),
		CashAvailable: d(cash),
		Positions:     m,
	}
}

func TestBuySizing(t *testing.T) {
	e := testEngine(t, nil)
	// 8% of 10000 = 800 target; at price 50 that is exactly 16 shares.
	res := e.Validate([]Proposal{buy("AAPL", 0.9, 8.0, 50)}, stateWith(5000, 10000))

	require.Len(t, res.Approved, 1)
	require.Empty(t, res.Rejected)
	got := res.Approved[0]
	assert.Equal(t, models.SideBuy, got.Side)
	assert.True(t, got.Quantity.Equal(decimal.NewFromInt(16)), "quantity %s", got.Quantity)
	assert.True(t, got.EstimatedValue.Equal(d(800)), "value %s", got.EstimatedValue)
	assert.True(t, res.CashRemaining.Equal(d(4200)), "cash %s", res.CashRemaining)
}

func TestBuyCappedByMaxPositionPct(t *testing.T) {
	e := testEngine(t, nil)
	// Oracle suggests 50%, cap is 8% of 10000 = 800.
	res := e.Validate([]Proposal{buy("AAPL", 0.9, 50.0, 80)}, stateWith(5000, 10000))

	require.Len(t, res.Approved, 1)
	assert.True(t, res.Approved[0].Quantity.Equal(decimal.NewFromInt(10)))
}

func TestBuyShrinksToCash(t *testing.T) {
	e := testEngine(t, nil)
	// Target 800 but only 310 in cash: shrink, floor to 6 shares at 50.
	res := e.Validate([]Proposal{buy("AAPL", 0.9, 8.0, 50)}, stateWith(310, 10000))

	require.Len(t, res.Approved, 1)
	assert.True(t, res.Approved[0].Quantity.Equal(decimal.NewFromInt(6)))
	assert.True(t, res.CashRemaining.Equal(d(10)))
}

func TestBuyBelowMinimum(t *testing.T) {
	e := testEngine(t, nil)
	// Suggested 0.5% of 10000 = 50, below the 100 minimum, cash is plenty.
	res := e.Validate([]Proposal{buy("AAPL", 0.9, 0.5, 10)}, stateWith(5000, 10000))

	require.Empty(t, res.Approved)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, ReasonBelowMinimum, res.Rejected[0].ReasonCode)
}

func TestBuyNonPositiveAllocationRejected(t *testing.T) {
	e := testEngine(t, nil)
	res := e.Validate([]Proposal{
		buy("ZERO", 0.9, 0, 50),
		buy("NEG", 0.8, -2.5, 50),
	}, stateWith(5000, 10000))

	require.Empty(t, res.Approved, "a missing sizing hint must not become a full-cap position")
	require.Len(t, res.Rejected, 2)
	for _, rej := range res.Rejected {
		assert.Equal(t, ReasonBelowMinimum, rej.ReasonCode)
	}
	assert.True(t, res.CashRemaining.Equal(d(5000)))
}

func TestBuyInsufficientCash(t *testing.T) {
	e := testEngine(t, nil)
	res := e.Validate([]Proposal{buy("AAPL", 0.9, 8.0, 50)}, stateWith(60, 10000))

	require.Empty(t, res.Approved)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, ReasonInsufficientCash, res.Rejected[0].ReasonCode)
}

func TestSellNotHeld(t *testing.T) {
	e := testEngine(t, nil)
	res := e.Validate([]Proposal{sell("MSFT", 0.8, 100)}, stateWith(1000, 10000))

	require.Empty(t, res.Approved)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, ReasonNotHeld, res.Rejected[0].ReasonCode)
}

func TestSellFreesCashForBuy(t *testing.T) {
	e := testEngine(t, nil)
	held := PositionState{Ticker: "MSFT", Quantity: decimal.NewFromInt(10), CurrentPrice: d(100), MarketValue: d(1000)}
	// No cash at all: the buy is only possible with the sell proceeds.
	state := stateWith(0, 10000, held)

	res := e.Validate([]Proposal{
		buy("AAPL", 0.9, 8.0, 50),
		sell("MSFT", 0.7, 100),
	}, state)

	require.Len(t, res.Approved, 2)
	assert.Equal(t, "MSFT", res.Approved[0].Ticker, "sell must be processed first")
	assert.Equal(t, "AAPL", res.Approved[1].Ticker)
	assert.True(t, res.Approved[1].EstimatedValue.Equal(d(800)))
	assert.True(t, res.CashRemaining.Equal(d(200)))
}

func TestMaxPositionsReached(t *testing.T) {
	e := testEngine(t, func(c *config.PortfolioConfig) { c.MaxPositions = 2 })
	a := PositionState{Ticker: "A", Quantity: decimal.NewFromInt(1), CurrentPrice: d(100)}
	b := PositionState{Ticker: "B", Quantity: decimal.NewFromInt(1), CurrentPrice: d(100)}

	res := e.Validate([]Proposal{buy("C", 0.9, 8.0, 50)}, stateWith(5000, 10000, a, b))
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, ReasonMaxPositionsReached, res.Rejected[0].ReasonCode)

	// A sell in the same batch frees the slot.
	res = e.Validate([]Proposal{
		buy("C", 0.9, 8.0, 50),
		sell("A", 0.6, 100),
	}, stateWith(5000, 10000, a, b))
	require.Len(t, res.Approved, 2)
	require.Empty(t, res.Rejected)
}

func TestBuysOrderedByConfidence(t *testing.T) {
	e := testEngine(t, func(c *config.PortfolioConfig) { c.MaxPositionPct = 50 })
	// 900 of cash: each buy targets 50% of 1000 = 500 shrunk to cash.
	// The high-confidence buy fills first; the second is left with 400.
	res := e.Validate([]Proposal{
		buy("LOW", 0.6, 50, 100),
		buy("HIGH", 0.9, 50, 100),
	}, stateWith(900, 1000))

	require.Len(t, res.Approved, 2)
	assert.Equal(t, "HIGH", res.Approved[0].Ticker)
	assert.True(t, res.Approved[0].EstimatedValue.Equal(d(500)))
	assert.Equal(t, "LOW", res.Approved[1].Ticker)
	assert.True(t, res.Approved[1].EstimatedValue.Equal(d(400)))
}

func TestEqualConfidenceIsStable(t *testing.T) {
	e := testEngine(t, nil)
	res := e.Validate([]Proposal{
		buy("FIRST", 0.8, 2.0, 10),
		buy("SECOND", 0.8, 2.0, 10),
	}, stateWith(5000, 10000))

	require.Len(t, res.Approved, 2)
	assert.Equal(t, "FIRST", res.Approved[0].Ticker)
	assert.Equal(t, "SECOND", res.Approved[1].Ticker)
}

func TestCurrencyConversion(t *testing.T) {
	e := testEngine(t, nil)
	p := buy("AAPL", 0.9, 8.0, 100)
	p.Currency = "USD" // 100 USD = 50 EUR at the test rate
	res := e.Validate([]Proposal{p}, stateWith(5000, 10000))

	require.Len(t, res.Approved, 1)
	assert.True(t, res.Approved[0].EstimatedPrice.Equal(d(50)), "price %s", res.Approved[0].EstimatedPrice)
	assert.True(t, res.Approved[0].Quantity.Equal(decimal.NewFromInt(16)))
}

func TestUnknownCurrencyRejected(t *testing.T) {
	e := testEngine(t, nil)
	p := buy("TYO", 0.9, 8.0, 100)
	p.Currency = "JPY"
	res := e.Validate([]Proposal{p}, stateWith(5000, 10000))

	require.Len(t, res.Rejected, 1)
	assert.Equal(t, ReasonInvalidPrice, res.Rejected[0].ReasonCode)
}

func TestZeroPriceRejectedNotPanic(t *testing.T) {
	e := testEngine(t, nil)
	res := e.Validate([]Proposal{buy("BAD", 0.9, 8.0, 0)}, stateWith(5000, 10000))

	require.Len(t, res.Rejected, 1)
	assert.Equal(t, ReasonInvalidPrice, res.Rejected[0].ReasonCode)
}

func TestHoldProposalsIgnored(t *testing.T) {
	e := testEngine(t, nil)
	res := e.Validate([]Proposal{{Ticker: "AAPL", Action: models.ActionHold}}, stateWith(5000, 10000))
	assert.Empty(t, res.Approved)
	assert.Empty(t, res.Rejected)
}

func TestCashNeverNegative(t *testing.T) {
	e := testEngine(t, func(c *config.PortfolioConfig) { c.MaxPositionPct = 50 })
	var proposals []Proposal
	for i := 0; i < 10; i++ {
		proposals = append(proposals, buy(fmt.Sprintf("S%d", i), 0.9-float64(i)*0.01, 50, 37))
	}
	res := e.Validate(proposals, stateWith(1000, 10000))

	assert.False(t, res.CashRemaining.IsNegative(), "cash went negative: %s", res.CashRemaining)
	spent := decimal.Zero
	for _, a := range res.Approved {
		spent = spent.Add(a.EstimatedValue)
	}
	assert.True(t, spent.LessThanOrEqual(d(1000)), "approved more than available cash: %s", spent)
}
