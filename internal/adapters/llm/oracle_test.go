package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeagent/internal/adapters"
	"tradeagent/internal/config"
	"tradeagent/internal/models"
	"tradeagent/pkg/logger"
)

// scriptedModel returns canned answers in order and records the
// conversations it was given.
type scriptedModel struct {
	answers []string
	errs    []error
	calls   int
	inputs  [][]*schema.Message
}

func (s *scriptedModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	idx := s.calls
	s.calls++
	s.inputs = append(s.inputs, input)
	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	answer := s.answers[len(s.answers)-1]
	if idx < len(s.answers) {
		answer = s.answers[idx]
	}
	return schema.AssistantMessage(answer, nil), nil
}

func testOracle(cm chatModel) *Oracle {
	cfg := config.Default().LLM
	cfg.TimeoutSeconds = 5
	return newOracle(cm, cfg, logger.Nop())
}

func testPackage() *adapters.ContextPackage {
	rsi := 28.5
	return &adapters.ContextPackage{
		AsOf: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		Portfolio: models.PortfolioSummary{
			TotalValue:    decimal.NewFromInt(50000),
			CashAvailable: decimal.NewFromInt(12000),
			NumPositions:  3,
		},
		Candidates: []adapters.CandidateContext{{
			Ticker: "AAPL",
			Sector: "Technology",
			Score:  0.81,
			Technical: models.TechnicalSummary{
				LatestClose: decimal.NewFromInt(190),
				RSI:         &rsi,
			},
		}},
	}
}

const validAnswer = `{"recommendations": [{"ticker": "AAPL", "action": "BUY",
"confidence": 0.82, "reasoning": "Oversold with bullish momentum.",
"suggested_allocation_pct": 4.0}]}`

func TestAnalyzeHappyPath(t *testing.T) {
	cm := &scriptedModel{answers: []string{validAnswer}}
	set, err := testOracle(cm).Analyze(context.Background(), testPackage())

	require.NoError(t, err)
	require.Len(t, set.Recommendations, 1)
	assert.Equal(t, "AAPL", set.Recommendations[0].Ticker)
	assert.Equal(t, "BUY", set.Recommendations[0].Action)
	assert.Empty(t, set.Warnings)
	assert.Equal(t, 1, cm.calls)
}

func TestAnalyzeReinforcesAfterGarbage(t *testing.T) {
	cm := &scriptedModel{answers: []string{
		"I think you should buy Apple, it looks great!",
		"Sorry about that. ```json\n" + validAnswer + "\n```",
	}}
	set, err := testOracle(cm).Analyze(context.Background(), testPackage())

	require.NoError(t, err)
	require.Len(t, set.Recommendations, 1)
	assert.Len(t, set.Warnings, 1, "the failed attempt should be recorded as a warning")
	assert.Equal(t, 2, cm.calls)

	// The retry conversation must carry the reinforcement message.
	last := cm.inputs[1]
	require.GreaterOrEqual(t, len(last), 4)
	assert.Contains(t, last[len(last)-1].Content, "ONLY with the JSON")
}

func TestAnalyzeFailsAfterBudget(t *testing.T) {
	cm := &scriptedModel{answers: []string{"nope", "still nope", "never"}}
	_, err := testOracle(cm).Analyze(context.Background(), testPackage())

	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrReasoningFailure)
	assert.Equal(t, 3, cm.calls, "default budget is 3 attempts")
}

func TestAnalyzeRetriesTransportErrors(t *testing.T) {
	cm := &scriptedModel{
		answers: []string{validAnswer, validAnswer},
		errs:    []error{errors.New("connection reset"), nil},
	}
	set, err := testOracle(cm).Analyze(context.Background(), testPackage())

	require.NoError(t, err)
	assert.Len(t, set.Warnings, 1)
	assert.Equal(t, 2, cm.calls)
}

func TestParseRecommendationsValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"no json", "there is nothing here"},
		{"bad action", `{"recommendations": [{"ticker": "A", "action": "SHORT", "confidence": 0.5}]}`},
		{"missing ticker", `{"recommendations": [{"action": "BUY", "confidence": 0.5}]}`},
		{"confidence too high", `{"recommendations": [{"ticker": "A", "action": "BUY", "confidence": 1.5}]}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ParseRecommendations(c.content)
			assert.Error(t, err)
		})
	}
}

func TestParseRecommendationsEmptySetIsValid(t *testing.T) {
	set, err := ParseRecommendations(`{"recommendations": []}`)
	require.NoError(t, err)
	assert.Empty(t, set.Recommendations)
}

func TestBuildPromptContents(t *testing.T) {
	prompt := BuildPrompt(testPackage())
	for _, want := range []string{"2025-06-02", "AAPL", "RSI(14): 28.5", "recommendations"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
