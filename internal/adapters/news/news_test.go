package news

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
)

func TestParseDigestExtractsArray(t *testing.T) {
	content := `Here is the digest you asked for:
[{"headline": "Chipmakers rally", "summary": "Strong guidance.", "sentiment": "positive"},
 {"headline": "Oil slips", "summary": "Demand worries.", "sentiment": "negative"}]
Let me know if you need more.`

	items := parseDigest(content)
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Headline != "Chipmakers rally" || items[0].Sentiment != "positive" {
		t.Errorf("unexpected first item: %+v", items[0])
	}
	if items[1].Sentiment != "negative" {
		t.Errorf("unexpected second item: %+v", items[1])
	}
}

func TestParseDigestFallsBackToRawText(t *testing.T) {
	items := parseDigest("Markets were quiet today with no major moves.")
	if len(items) != 1 {
		t.Fatalf("expected 1 fallback item, got %d", len(items))
	}
	if items[0].Summary == "" {
		t.Error("fallback item should carry the raw text")
	}
}

func TestParseDigestSkipsEmptyHeadlines(t *testing.T) {
	items := parseDigest(`[{"headline": "", "summary": "orphan"}, {"headline": "Real one"}]`)
	if len(items) != 1 || items[0].Headline != "Real one" {
		t.Fatalf("expected only the non-empty headline, got %+v", items)
	}
}

func TestParseArticles(t *testing.T) {
	html := `<html><body>
		<article><a href="./read/abc">ignored</a><h3>Fed holds rates steady</h3><div data-n-tid="9">Reuters</div></article>
		<article><h4>Tech stocks climb</h4><a href="https://example.com/x">x</a></article>
		<article><div>no title here</div></article>
	</body></html>`

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		t.Fatal(err)
	}
	items := parseArticles(doc)
	if len(items) != 2 {
		t.Fatalf("expected 2 articles, got %d", len(items))
	}
	if items[0].Headline != "Fed holds rates steady" {
		t.Errorf("unexpected headline: %s", items[0].Headline)
	}
	if items[0].Source != "Reuters" {
		t.Errorf("unexpected source: %s", items[0].Source)
	}
	if !strings.HasPrefix(items[0].URL, "https://news.google.com/") {
		t.Errorf("relative link not resolved: %s", items[0].URL)
	}
}
