package news

import (
	"context"

	"tradeagent/internal/adapters"
)

// Mock returns canned news items. Used in tests and backtests, where
// historical news is unavailable by design.
type Mock struct {
	Items []adapters.NewsItem
	Err   error

	Calls      int
	LastTopics []string
}

// NewMock builds an empty mock news source.
func NewMock() *Mock {
	return &Mock{}
}

// FetchNews returns the canned items.
func (m *Mock) FetchNews(_ context.Context, topics []string) ([]adapters.NewsItem, error) {
	m.Calls++
	m.LastTopics = topics
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Items, nil
}
