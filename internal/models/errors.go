package models

import "errors"

// Sentinel errors shared across components. Callers match with errors.Is;
// wrapping with fmt.Errorf("...: %w", err) preserves the class.
var (
	// ErrAlreadyRunning is returned when a second run of the same kind is
	// requested while one is in flight.
	ErrAlreadyRunning = errors.New("run already in progress")

	// ErrDataUnavailable aborts a pipeline run when market data cannot be
	// fetched for enough of the instrument universe to proceed.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrReasoningFailure aborts a pipeline run when the reasoning oracle
	// fails to produce a parseable recommendation set within its retry
	// budget.
	ErrReasoningFailure = errors.New("reasoning oracle failure")

	// ErrInvalidRange rejects a backtest whose date range or capital is
	// out of bounds.
	ErrInvalidRange = errors.New("invalid backtest parameters")

	// ErrNotFound is returned by storage lookups that match nothing.
	ErrNotFound = errors.New("not found")
)
