// Package adapters defines the capability boundaries of the pipeline:
// market data, news, reasoning and broker access. Implementations live in
// subpackages; the orchestrator only ever sees these interfaces.
package adapters

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradeagent/internal/models"
)

// PriceSeries is the validated daily history for one instrument.
type PriceSeries struct {
	Ticker       string
	Bars         []models.PriceBar // ascending by date
	RejectedBars int
	Warnings     []string
}

// Latest returns the most recent bar, or nil when the series is empty.
func (s *PriceSeries) Latest() *models.PriceBar {
	if len(s.Bars) == 0 {
		return nil
	}
	return &s.Bars[len(s.Bars)-1]
}

// MarketData supplies daily bars and fundamentals. Implementations return a
// partial result map; instruments that could not be fetched are simply
// absent, with the error reserved for total failures.
type MarketData interface {
	FetchDailyPrices(ctx context.Context, tickers []string, start, end time.Time) (map[string]*PriceSeries, error)
	FetchFundamentals(ctx context.Context, tickers []string) (map[string]*models.FundamentalSnapshot, error)
}

// NewsItem is one market news item with optional source citations.
type NewsItem struct {
	Source      string
	Headline    string
	Summary     string
	URL         string
	Sentiment   string
	PublishedAt time.Time
	Citations   []string
}

// News fetches recent market news for a set of topics (sector names and
// tickers).
type News interface {
	FetchNews(ctx context.Context, topics []string) ([]NewsItem, error)
}

// CandidateContext is the per-instrument evidence handed to the oracle.
type CandidateContext struct {
	Ticker        string
	Name          string
	Sector        string
	Score         float64
	InPortfolio   bool
	PositionValue decimal.Decimal
	Technical     models.TechnicalSummary
	Memory        []models.MemoryReference
}

// ContextPackage is everything the reasoning oracle sees for one call.
type ContextPackage struct {
	AsOf       time.Time
	Portfolio  models.PortfolioSummary
	Candidates []CandidateContext
	News       []NewsItem
}

// Recommendation is one proposed action from the oracle.
type Recommendation struct {
	Ticker                 string  `json:"ticker"`
	Action                 string  `json:"action"`
	Confidence             float64 `json:"confidence"`
	Reasoning              string  `json:"reasoning"`
	SuggestedAllocationPct float64 `json:"suggested_allocation_pct"`
}

// RecommendationSet is the oracle's full answer for one context package.
type RecommendationSet struct {
	Recommendations []Recommendation `json:"recommendations"`
	Warnings        []string         `json:"-"`
}

// Reasoning turns a context package into trade recommendations. Analyze
// retries malformed output internally and returns an error only after its
// retry budget is exhausted.
type Reasoning interface {
	Analyze(ctx context.Context, pkg *ContextPackage) (*RecommendationSet, error)
}

// OrderRequest asks the broker to trade a whole number of shares.
type OrderRequest struct {
	Ticker   string
	Side     models.Side
	Quantity decimal.Decimal
}

// OrderStatus is the broker's view of an order.
type OrderStatus struct {
	BrokerOrderID  string
	Ticker         string
	Side           models.Side
	Status         models.TradeStatus
	FilledQuantity decimal.Decimal
	FilledPrice    decimal.Decimal
	FilledAt       *time.Time
	ErrorMessage   string
}

// BrokerPosition is a holding as reported by the broker.
type BrokerPosition struct {
	Ticker       string
	Quantity     decimal.Decimal
	AvgPrice     decimal.Decimal
	CurrentPrice decimal.Decimal
}

// Broker places orders and reports holdings. Both the live client and the
// backtest simulator implement it. Instruments maps local tickers to the
// broker's own symbols; an absent entry means the ticker passes through
// unchanged.
type Broker interface {
	PlaceOrder(ctx context.Context, order OrderRequest) (OrderStatus, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderStatus, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
	Instruments(ctx context.Context) (map[string]string, error)
}

// LiveBroker marks implementations that move real money. The backtest
// engine refuses anything satisfying this interface.
type LiveBroker interface {
	Broker
	Live()
}
