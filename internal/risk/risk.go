// Package risk validates proposed trades against portfolio constraints.
// The engine is a pure function of its inputs: it never blocks, never
// touches storage, and never fails. An internal panic degrades to
// rejecting every proposal rather than crashing a run.
package risk

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradeagent/internal/config"
	"tradeagent/internal/models"
)

// Rejection reason codes.
const (
	ReasonNotHeld             = "not_held"
	ReasonMaxPositionsReached = "max_positions_reached"
	ReasonBelowMinimum        = "below_minimum"
	ReasonInsufficientCash    = "insufficient_cash"
	ReasonInvalidPrice        = "invalid_price"
	ReasonInternalError       = "internal_error"
)

// Proposal is one recommended trade entering validation. Price is the
// latest close in the instrument's own currency.
type Proposal struct {
	StockID                int64
	Ticker                 string
	Action                 models.Action
	Confidence             float64
	Reasoning              string
	SuggestedAllocationPct float64
	Price                  decimal.Decimal
	Currency               string
}

// ApprovedTrade is a proposal sized and cleared for execution. Monetary
// fields are in the base currency.
type ApprovedTrade struct {
	StockID        int64
	Ticker         string
	Side           models.Side
	Quantity       decimal.Decimal
	EstimatedPrice decimal.Decimal
	EstimatedValue decimal.Decimal
	Confidence     float64
	Reasoning      string
}

// RejectedTrade is a proposal that failed validation.
type RejectedTrade struct {
	StockID    int64
	Ticker     string
	Action     models.Action
	Confidence float64
	ReasonCode string
	Detail     string
}

// PositionState is one open holding as seen by the engine.
type PositionState struct {
	StockID      int64
	Ticker       string
	Quantity     decimal.Decimal
	CurrentPrice decimal.Decimal // base currency
	MarketValue  decimal.Decimal // base currency
}

// PortfolioState is the engine's view of the portfolio, all in base
// currency.
type PortfolioState struct {
	TotalValue    decimal.Decimal
	CashAvailable decimal.Decimal
	Positions     map[string]PositionState // keyed by ticker
}

// Result is the outcome of one validation pass.
type Result struct {
	Approved      []ApprovedTrade
	Rejected      []RejectedTrade
	CashRemaining decimal.Decimal
}

// Engine applies portfolio constraints to proposals.
type Engine struct {
	cfg config.PortfolioConfig
	log *zap.Logger
}

// NewEngine builds a risk engine.
func NewEngine(cfg config.PortfolioConfig, log *zap.Logger) *Engine {
	return &Engine{cfg: cfg, log: log.Named("risk")}
}

// toBase converts an amount in the given currency to the base currency.
func (e *Engine) toBase(amount decimal.Decimal, currency string) (decimal.Decimal, error) {
	if currency == "" || currency == e.cfg.BaseCurrency {
		return amount, nil
	}
	rate, ok := e.cfg.ExchangeRates[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("no exchange rate for %s", currency)
	}
	return amount.Mul(decimal.NewFromFloat(rate)), nil
}

// Validate applies the constraint rules: SELLs are processed first so the
// cash and position slots they free are available to BUYs, then BUYs in
// descending confidence order (stable for equal confidence). Never returns
// an error; a panic rejects everything with internal_error.
func (e *Engine) Validate(proposals []Proposal, state PortfolioState) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("validation panicked, rejecting all proposals", zap.Any("panic", r))
			rejected := make([]RejectedTrade, 0, len(proposals))
			for _, p := range proposals {
				rejected = append(rejected, RejectedTrade{
					StockID:    p.StockID,
					Ticker:     p.Ticker,
					Action:     p.Action,
					Confidence: p.Confidence,
					ReasonCode: ReasonInternalError,
					Detail:     fmt.Sprintf("validation error: %v", r),
				})
			}
			result = Result{Rejected: rejected, CashRemaining: state.CashAvailable}
		}
	}()

	cash := state.CashAvailable
	openPositions := len(state.Positions)
	sold := make(map[string]bool)

	var sells, buys []Proposal
	for _, p := range proposals {
		switch p.Action {
		case models.ActionSell:
			sells = append(sells, p)
		case models.ActionBuy:
			buys = append(buys, p)
		}
	}

	for _, p := range sells {
		pos, held := state.Positions[p.Ticker]
		if !held || sold[p.Ticker] {
			result.Rejected = append(result.Rejected, reject(p, ReasonNotHeld, "no open position"))
			continue
		}
		price, err := e.toBase(p.Price, p.Currency)
		if err != nil || price.Sign() <= 0 {
			result.Rejected = append(result.Rejected, reject(p, ReasonInvalidPrice, detailFor(err, p.Price)))
			continue
		}
		value := pos.Quantity.Mul(price)
		result.Approved = append(result.Approved, ApprovedTrade{
			StockID:        p.StockID,
			Ticker:         p.Ticker,
			Side:           models.SideSell,
			Quantity:       pos.Quantity,
			EstimatedPrice: price,
			EstimatedValue: value,
			Confidence:     p.Confidence,
			Reasoning:      p.Reasoning,
		})
		cash = cash.Add(value)
		openPositions--
		sold[p.Ticker] = true
	}

	sort.SliceStable(buys, func(i, j int) bool {
		return buys[i].Confidence > buys[j].Confidence
	})

	minTrade := decimal.NewFromFloat(e.cfg.MinTradeValue)
	for _, p := range buys {
		if openPositions >= e.cfg.MaxPositions {
			result.Rejected = append(result.Rejected, reject(p, ReasonMaxPositionsReached,
				fmt.Sprintf("%d of %d positions open", openPositions, e.cfg.MaxPositions)))
			continue
		}
		price, err := e.toBase(p.Price, p.Currency)
		if err != nil || price.Sign() <= 0 {
			result.Rejected = append(result.Rejected, reject(p, ReasonInvalidPrice, detailFor(err, p.Price)))
			continue
		}

		if p.SuggestedAllocationPct <= 0 {
			result.Rejected = append(result.Rejected, reject(p, ReasonBelowMinimum,
				fmt.Sprintf("non-positive suggested allocation %v%%", p.SuggestedAllocationPct)))
			continue
		}
		allocPct := p.SuggestedAllocationPct
		if allocPct > e.cfg.MaxPositionPct {
			allocPct = e.cfg.MaxPositionPct
		}
		target := state.TotalValue.Mul(decimal.NewFromFloat(allocPct / 100))
		if target.GreaterThan(cash) {
			target = cash
		}

		quantity := target.Div(price).Floor()
		value := quantity.Mul(price)
		if value.LessThan(minTrade) {
			if cash.LessThan(minTrade) {
				result.Rejected = append(result.Rejected, reject(p, ReasonInsufficientCash,
					fmt.Sprintf("cash %s below minimum trade value %s", cash, minTrade)))
			} else {
				result.Rejected = append(result.Rejected, reject(p, ReasonBelowMinimum,
					fmt.Sprintf("sized value %s below minimum trade value %s", value, minTrade)))
			}
			continue
		}

		result.Approved = append(result.Approved, ApprovedTrade{
			StockID:        p.StockID,
			Ticker:         p.Ticker,
			Side:           models.SideBuy,
			Quantity:       quantity,
			EstimatedPrice: price,
			EstimatedValue: value,
			Confidence:     p.Confidence,
			Reasoning:      p.Reasoning,
		})
		cash = cash.Sub(value)
		openPositions++
	}

	result.CashRemaining = cash
	return result
}

func reject(p Proposal, code, detail string) RejectedTrade {
	return RejectedTrade{
		StockID:    p.StockID,
		Ticker:     p.Ticker,
		Action:     p.Action,
		Confidence: p.Confidence,
		ReasonCode: code,
		Detail:     detail,
	}
}

func detailFor(err error, price decimal.Decimal) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("non-positive price %s", price)
}
