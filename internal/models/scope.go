package models

// RunScope partitions decision history between live trading and individual
// backtest runs. Every decision written and every memory query carries a
// scope so that backtests never read live memory and vice versa.
type RunScope struct {
	Live          bool
	BacktestRunID string
}

// LiveScope is the scope of scheduled and manually triggered runs.
func LiveScope() RunScope {
	return RunScope{Live: true}
}

// BacktestScope returns the isolated scope of one backtest run.
func BacktestScope(runID string) RunScope {
	return RunScope{BacktestRunID: runID}
}

// IsBacktest reports whether the scope belongs to a backtest partition.
func (s RunScope) IsBacktest() bool {
	return !s.Live
}
