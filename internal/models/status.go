package models

// Action is a trading decision for an instrument.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Valid reports whether the action is one of the three known values.
func (a Action) Valid() bool {
	return a == ActionBuy || a == ActionSell || a == ActionHold
}

// Side is the direction of an executed or attempted trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// TradeStatus tracks a trade through the broker lifecycle.
type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeFilled    TradeStatus = "FILLED"
	TradeFailed    TradeStatus = "FAILED"
	TradeCancelled TradeStatus = "CANCELLED"
)

// PositionStatus marks whether a position is currently held.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// PipelineStatus is the terminal (or in-flight) state of a pipeline run.
type PipelineStatus string

const (
	PipelineRunning        PipelineStatus = "RUNNING"
	PipelineSuccess        PipelineStatus = "SUCCESS"
	PipelinePartialFailure PipelineStatus = "PARTIAL_FAILURE"
	PipelineFailed         PipelineStatus = "FAILED"
)

// BacktestStatus is the lifecycle state of a backtest run.
type BacktestStatus string

const (
	BacktestPending   BacktestStatus = "PENDING"
	BacktestRunning   BacktestStatus = "RUNNING"
	BacktestCompleted BacktestStatus = "COMPLETED"
	BacktestFailed    BacktestStatus = "FAILED"
	BacktestCancelled BacktestStatus = "CANCELLED"
)

// Trigger records what started a pipeline run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerBacktest Trigger = "backtest"
)

// ContextType classifies a piece of evidence attached to a decision report.
type ContextType string

const (
	ContextTechnical   ContextType = "technical"
	ContextFundamental ContextType = "fundamental"
	ContextNews        ContextType = "news"
	ContextMemory      ContextType = "memory"
)
