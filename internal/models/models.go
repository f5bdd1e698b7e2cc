// Package models holds the persistent entities and shared value types of the
// decision pipeline.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stock is one instrument in the watchlist universe.
type Stock struct {
	ID        int64
	Ticker    string
	Name      string
	Sector    string
	Industry  string
	Currency  string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PriceBar is one daily OHLCV bar.
type PriceBar struct {
	Ticker   string
	Date     time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	AdjClose decimal.Decimal
	Volume   int64
}

// FundamentalSnapshot is the latest fundamentals known for an instrument.
// Ratio fields are nil when the upstream source has no value.
type FundamentalSnapshot struct {
	Ticker        string
	Name          string
	Sector        string
	Industry      string
	Currency      string
	Exchange      string
	MarketCap     int64
	TrailingPE    *float64
	ForwardPE     *float64
	EPS           *float64
	PriceToBook   *float64
	DividendYield *float64
	FetchedAt     time.Time
}

// Position is an open or closed holding.
type Position struct {
	ID       int64
	StockID  int64
	Ticker   string
	Quantity decimal.Decimal
	AvgPrice decimal.Decimal
	Currency string
	Status   PositionStatus
	OpenedAt time.Time
	ClosedAt *time.Time
}

// Trade is one executed, pending or failed order.
type Trade struct {
	ID            int64
	StockID       int64
	Ticker        string
	Side          Side
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	TotalValue    decimal.Decimal
	Currency      string
	Status        TradeStatus
	BrokerOrderID string
	PipelineRunID string
	IsBacktest    bool
	BacktestRunID string
	ErrorMessage  string
	ExecutedAt    *time.Time
	CreatedAt     time.Time
}

// MACDSnapshot is the latest MACD state of an instrument.
type MACDSnapshot struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
	Direction string  `json:"direction"` // "bullish" or "bearish"
}

// BollingerSnapshot is the latest Bollinger band state.
type BollingerSnapshot struct {
	Upper    float64 `json:"upper"`
	Middle   float64 `json:"middle"`
	Lower    float64 `json:"lower"`
	PercentB float64 `json:"percent_b"`
}

// TechnicalSummary is the indicator snapshot attached to a decision report.
// Pointer fields are nil when the price history is too short for the
// indicator's window. The JSON keys are queried by the memory retriever, so
// renaming them is a schema change.
type TechnicalSummary struct {
	LatestClose  decimal.Decimal    `json:"latest_close"`
	LatestVolume int64              `json:"latest_volume"`
	DataPoints   int                `json:"data_points"`
	RSI          *float64           `json:"rsi,omitempty"`
	MACD         *MACDSnapshot      `json:"macd,omitempty"`
	Bollinger    *BollingerSnapshot `json:"bollinger,omitempty"`
	SMAShort     *float64           `json:"sma_short,omitempty"`
	SMALong      *float64           `json:"sma_long,omitempty"`
	EMAShort     *float64           `json:"ema_short,omitempty"`
	EMALong      *float64           `json:"ema_long,omitempty"`
	VolumeSMA    *float64           `json:"volume_sma,omitempty"`
	Score        float64            `json:"score"`
}

// MACDDirection returns the MACD cross direction or "" when unknown.
func (t TechnicalSummary) MACDDirection() string {
	if t.MACD == nil {
		return ""
	}
	return t.MACD.Direction
}

// NewsBrief is one headline kept on a decision report.
type NewsBrief struct {
	Source   string `json:"source"`
	Headline string `json:"headline"`
}

// PortfolioSummary is the compact portfolio state recorded with decisions.
type PortfolioSummary struct {
	TotalValue    decimal.Decimal `json:"total_value"`
	CashAvailable decimal.Decimal `json:"cash_available"`
	NumPositions  int             `json:"num_positions"`
}

// MemoryReference is one past decision surfaced for a current candidate.
// Reasoning is truncated to a snippet; Strategy names the retrieval tier
// that matched it (instrument, sector, signal).
type MemoryReference struct {
	DecisionID      int64     `json:"decision_id"`
	Ticker          string    `json:"ticker"`
	Action          Action    `json:"action"`
	Confidence      float64   `json:"confidence"`
	Reasoning       string    `json:"reasoning"`
	OutcomePnL      *float64  `json:"outcome_pnl,omitempty"`
	OutcomeAssessed bool      `json:"outcome_assessed"`
	DecidedAt       time.Time `json:"decided_at"`
	Strategy        string    `json:"strategy"`
}

// DecisionReport is the persistent record of one decision about one
// instrument in one run: the action, the oracle's reasoning, and the full
// evidence snapshot that produced it.
type DecisionReport struct {
	ID                int64
	StockID           int64
	Ticker            string
	PipelineRunID     string
	Action            Action
	Confidence        float64
	Reasoning         string
	Technical         TechnicalSummary
	News              []NewsBrief
	Memory            []MemoryReference
	Portfolio         PortfolioSummary
	OutcomePnL        *float64
	OutcomeAssessedAt *time.Time
	IsBacktest        bool
	BacktestRunID     string
	CreatedAt         time.Time
	ContextItems      []DecisionContextItem
}

// DecisionContextItem is one typed piece of evidence behind a report.
type DecisionContextItem struct {
	ID             int64
	ReportID       int64
	ContextType    ContextType
	Source         string
	Content        string
	RelevanceScore *float64
	CreatedAt      time.Time
}

// PipelineRun is the audit record of one orchestrator run.
type PipelineRun struct {
	ID                 string
	Status             PipelineStatus
	Trigger            Trigger
	StartedAt          time.Time
	CompletedAt        *time.Time
	StocksAnalyzed     int
	CandidatesScreened int
	TradesApproved     int
	TradesExecuted     int
	Errors             []string
	IsBacktest         bool
	BacktestRunID      string
}

// BacktestMetrics summarizes a finished (or cancelled) backtest.
type BacktestMetrics struct {
	TotalReturnPct      float64            `json:"total_return_pct"`
	AnnualizedReturnPct float64            `json:"annualized_return_pct"`
	MaxDrawdownPct      float64            `json:"max_drawdown_pct"`
	SharpeRatio         float64            `json:"sharpe_ratio"`
	WinRatePct          float64            `json:"win_rate_pct"`
	TotalTrades         int                `json:"total_trades"`
	AvgHoldingDays      float64            `json:"avg_holding_days"`
	FinalValue          float64            `json:"final_value"`
	BenchmarkReturns    map[string]float64 `json:"benchmark_returns,omitempty"`
}

// EquityPoint is one day on a backtest equity curve.
type EquityPoint struct {
	Date  time.Time       `json:"date"`
	Value decimal.Decimal `json:"value"`
}

// BacktestRun is the persistent record of one backtest.
type BacktestRun struct {
	ID             string
	StartDate      time.Time
	EndDate        time.Time
	InitialCapital decimal.Decimal
	Status         BacktestStatus
	CurrentDay     int
	TotalDays      int
	Metrics        *BacktestMetrics
	EquityCurve    []EquityPoint
	Errors         []string
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// PortfolioSnapshot is the end-of-run valuation record.
type PortfolioSnapshot struct {
	ID               int64
	Date             time.Time
	TotalValue       decimal.Decimal
	CashAvailable    decimal.Decimal
	InvestedValue    decimal.Decimal
	CumulativePnLPct float64
	NumPositions     int
	Positions        []PositionSnapshot
}

// PositionSnapshot is one position's valuation inside a portfolio snapshot.
type PositionSnapshot struct {
	ID            int64
	SnapshotID    int64
	StockID       int64
	Ticker        string
	Quantity      decimal.Decimal
	AvgPrice      decimal.Decimal
	CurrentPrice  decimal.Decimal
	MarketValue   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	WeightPct     float64
}
