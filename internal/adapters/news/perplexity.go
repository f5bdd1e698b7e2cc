// Package news implements the News capability: a Perplexity client as the
// primary source and a Google News scraper as the keyless fallback.
package news

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"tradeagent/internal/adapters"
	"tradeagent/pkg/retry"
)

// perplexityBackoff is the fixed retry schedule for Perplexity calls.
var perplexityBackoff = []time.Duration{2 * time.Second, 4 * time.Second}

// Perplexity queries the Perplexity chat API for a market news digest.
type Perplexity struct {
	client *resty.Client
	model  string
	log    *zap.Logger
}

// NewPerplexity builds a Perplexity news client.
func NewPerplexity(apiKey string, log *zap.Logger) *Perplexity {
	client := resty.New()
	client.SetBaseURL("https://api.perplexity.ai")
	client.SetTimeout(60 * time.Second)
	client.SetAuthToken(apiKey)

	return &Perplexity{
		client: client,
		model:  "sonar",
		log:    log.Named("perplexity"),
	}
}

type perplexityRequest struct {
	Model    string              `json:"model"`
	Messages []perplexityMessage `json:"messages"`
}

type perplexityMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type perplexityResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
}

// FetchNews asks Perplexity for recent market-moving news on the given
// topics and parses the structured digest it returns.
func (p *Perplexity) FetchNews(ctx context.Context, topics []string) ([]adapters.NewsItem, error) {
	prompt := fmt.Sprintf(
		"Summarize the most important market-moving news from the last 48 hours for these topics: %s. "+
			"Respond as a JSON array of objects with fields \"headline\", \"summary\" and \"sentiment\" "+
			"(one of positive, negative, neutral). Respond with JSON only.",
		strings.Join(topics, ", "))

	var parsed perplexityResponse
	err := retry.DoSchedule(ctx, perplexityBackoff, func() error {
		resp, err := p.client.R().
			SetContext(ctx).
			SetBody(perplexityRequest{
				Model: p.model,
				Messages: []perplexityMessage{
					{Role: "system", Content: "You are a financial news assistant. Be concise and factual."},
					{Role: "user", Content: prompt},
				},
			}).
			Post("/chat/completions")
		if err != nil {
			return fmt.Errorf("perplexity request: %w", err)
		}
		if resp.StatusCode() != 200 {
			return fmt.Errorf("perplexity API error %d: %s", resp.StatusCode(), resp.String())
		}
		if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
			return fmt.Errorf("parse perplexity response: %w", err)
		}
		if len(parsed.Choices) == 0 {
			return fmt.Errorf("perplexity returned no choices")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	items := parseDigest(parsed.Choices[0].Message.Content)
	now := time.Now().UTC()
	for i := range items {
		items[i].Source = "perplexity"
		items[i].PublishedAt = now
		items[i].Citations = parsed.Citations
	}
	p.log.Info("news fetched", zap.Int("items", len(items)), zap.Int("topics", len(topics)))
	return items, nil
}

// parseDigest extracts the JSON array from the model's answer. Content
// outside the first [ and last ] is discarded; an unparseable answer
// degrades to a single item carrying the raw text.
func parseDigest(content string) []adapters.NewsItem {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start >= 0 && end > start {
		var raw []struct {
			Headline  string `json:"headline"`
			Summary   string `json:"summary"`
			Sentiment string `json:"sentiment"`
		}
		if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err == nil {
			items := make([]adapters.NewsItem, 0, len(raw))
			for _, r := range raw {
				if r.Headline == "" {
					continue
				}
				items = append(items, adapters.NewsItem{
					Headline:  r.Headline,
					Summary:   r.Summary,
					Sentiment: r.Sentiment,
				})
			}
			if len(items) > 0 {
				return items
			}
		}
	}
	return []adapters.NewsItem{{
		Headline:  "Market news digest",
		Summary:   content,
		Sentiment: "neutral",
	}}
}
