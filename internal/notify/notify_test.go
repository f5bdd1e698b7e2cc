package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tradeagent/internal/models"
)

func TestFormatRunSummary(t *testing.T) {
	started := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	completed := started.Add(95 * time.Second)
	run := &models.PipelineRun{
		ID:                 "run-1",
		Status:             models.PipelinePartialFailure,
		Trigger:            models.TriggerSchedule,
		StartedAt:          started,
		CompletedAt:        &completed,
		StocksAnalyzed:     25,
		CandidatesScreened: 15,
		TradesApproved:     3,
		TradesExecuted:     2,
		Errors:             []string{"news unavailable: upstream 503"},
	}

	out := FormatRunSummary(run)
	assert.Contains(t, out, "PARTIAL_FAILURE")
	assert.Contains(t, out, "Trigger: schedule")
	assert.Contains(t, out, "Analyzed: 25  Screened: 15")
	assert.Contains(t, out, "Trades: 3 approved, 2 executed")
	assert.Contains(t, out, "Duration: 1m35s")
	assert.Contains(t, out, "news unavailable")
}

func TestFormatRunSummaryTruncatesErrors(t *testing.T) {
	run := &models.PipelineRun{Status: models.PipelineFailed, Trigger: models.TriggerManual}
	for i := 0; i < 8; i++ {
		run.Errors = append(run.Errors, "boom")
	}

	out := FormatRunSummary(run)
	assert.Equal(t, maxErrorsShown, strings.Count(out, "- boom"))
	assert.Contains(t, out, "and 3 more")
}
