package news

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"tradeagent/internal/adapters"
	"tradeagent/pkg/retry"
)

// GoogleNews scrapes the Google News search page. It needs no API key and
// serves as the fallback source when Perplexity is not configured.
type GoogleNews struct {
	client   *resty.Client
	maxItems int
	log      *zap.Logger
}

// NewGoogleNews builds the scraper.
func NewGoogleNews(maxItems int, log *zap.Logger) *GoogleNews {
	client := resty.New()
	client.SetTimeout(30 * time.Second)
	client.SetHeader("User-Agent", "Mozilla/5.0 (compatible; tradeagent/1.0)")

	if maxItems <= 0 {
		maxItems = 10
	}
	return &GoogleNews{client: client, maxItems: maxItems, log: log.Named("googlenews")}
}

// FetchNews searches Google News for each topic and merges the results.
func (g *GoogleNews) FetchNews(ctx context.Context, topics []string) ([]adapters.NewsItem, error) {
	var items []adapters.NewsItem
	seen := make(map[string]bool)

	for _, topic := range topics {
		if len(items) >= g.maxItems {
			break
		}
		found, err := g.search(ctx, topic+" stock market")
		if err != nil {
			g.log.Warn("topic search failed", zap.String("topic", topic), zap.Error(err))
			continue
		}
		for _, item := range found {
			if seen[item.Headline] || len(items) >= g.maxItems {
				continue
			}
			seen[item.Headline] = true
			items = append(items, item)
		}
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("no news found for %d topics", len(topics))
	}
	return items, nil
}

func (g *GoogleNews) search(ctx context.Context, query string) ([]adapters.NewsItem, error) {
	searchURL := fmt.Sprintf("https://news.google.com/search?q=%s&hl=en&gl=US&ceid=US:en",
		url.QueryEscape(query))

	var items []adapters.NewsItem
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		resp, err := g.client.R().SetContext(ctx).Get(searchURL)
		if err != nil {
			return fmt.Errorf("fetch google news: %w", err)
		}
		if resp.StatusCode() != 200 {
			return fmt.Errorf("HTTP error %d from google news", resp.StatusCode())
		}

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(resp.String()))
		if err != nil {
			return fmt.Errorf("parse google news html: %w", err)
		}
		items = parseArticles(doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// parseArticles extracts headlines from the search result page. The page
// structure changes now and then; unmatched articles are skipped quietly.
func parseArticles(doc *goquery.Document) []adapters.NewsItem {
	var items []adapters.NewsItem
	doc.Find("article").Each(func(_ int, s *goquery.Selection) {
		title := strings.TrimSpace(s.Find("h3").Text())
		if title == "" {
			title = strings.TrimSpace(s.Find("h4").Text())
		}
		if title == "" {
			title = strings.TrimSpace(s.Find("a").First().Text())
		}
		if title == "" {
			return
		}

		source := strings.TrimSpace(s.Find("div[data-n-tid]").Text())
		if source == "" {
			source = "Google News"
		}

		link := ""
		if href, ok := s.Find("a").First().Attr("href"); ok {
			link = cleanURL(href)
		}

		items = append(items, adapters.NewsItem{
			Source:      source,
			Headline:    title,
			URL:         link,
			Sentiment:   "neutral",
			PublishedAt: time.Now().UTC(),
		})
	})
	return items
}

// cleanURL resolves Google News relative links.
func cleanURL(href string) string {
	if strings.HasPrefix(href, "./") {
		return "https://news.google.com" + href[1:]
	}
	return href
}
