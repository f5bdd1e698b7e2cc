package llm

import (
	"context"

	"tradeagent/internal/adapters"
)

// MockReasoning replays scripted answers. With no script it holds
// everything, which keeps backtests runnable without a model.
type MockReasoning struct {
	Script []func(pkg *adapters.ContextPackage) (*adapters.RecommendationSet, error)

	Calls    int
	Packages []*adapters.ContextPackage
}

// NewMockReasoning builds an unscripted mock that answers HOLD for every
// candidate.
func NewMockReasoning() *MockReasoning {
	return &MockReasoning{}
}

// Analyze pops the next scripted answer, or answers HOLD for everything.
func (m *MockReasoning) Analyze(_ context.Context, pkg *adapters.ContextPackage) (*adapters.RecommendationSet, error) {
	m.Calls++
	m.Packages = append(m.Packages, pkg)

	if len(m.Script) > 0 {
		fn := m.Script[0]
		if len(m.Script) > 1 {
			m.Script = m.Script[1:]
		}
		return fn(pkg)
	}

	set := &adapters.RecommendationSet{}
	for _, c := range pkg.Candidates {
		set.Recommendations = append(set.Recommendations, adapters.Recommendation{
			Ticker:     c.Ticker,
			Action:     "HOLD",
			Confidence: 0.5,
			Reasoning:  "no signal",
		})
	}
	return set, nil
}
