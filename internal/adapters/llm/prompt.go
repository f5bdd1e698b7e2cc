package llm

import (
	"fmt"
	"strings"

	"tradeagent/internal/adapters"
)

const systemPrompt = "You are a disciplined portfolio analyst for a daily " +
	"equity trading system. You weigh technical signals, news and past " +
	"decision outcomes, and you answer strictly in the requested JSON format."

// BuildPrompt renders a context package as the oracle's user message:
// portfolio state, per-candidate evidence, recent news, and the answer
// schema.
func BuildPrompt(pkg *adapters.ContextPackage) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Analysis date: %s\n\n", pkg.AsOf.Format("2006-01-02"))

	fmt.Fprintf(&b, "## Portfolio\n")
	fmt.Fprintf(&b, "- Total value: %s\n", pkg.Portfolio.TotalValue.StringFixed(2))
	fmt.Fprintf(&b, "- Cash available: %s\n", pkg.Portfolio.CashAvailable.StringFixed(2))
	fmt.Fprintf(&b, "- Open positions: %d\n\n", pkg.Portfolio.NumPositions)

	fmt.Fprintf(&b, "## Candidates\n")
	for _, c := range pkg.Candidates {
		fmt.Fprintf(&b, "### %s", c.Ticker)
		if c.Name != "" {
			fmt.Fprintf(&b, " (%s)", c.Name)
		}
		b.WriteString("\n")
		if c.Sector != "" {
			fmt.Fprintf(&b, "- Sector: %s\n", c.Sector)
		}
		fmt.Fprintf(&b, "- Screening score: %.3f\n", c.Score)
		if c.InPortfolio {
			fmt.Fprintf(&b, "- Currently held, position value %s\n", c.PositionValue.StringFixed(2))
		}
		fmt.Fprintf(&b, "- Latest close: %s\n", c.Technical.LatestClose.String())
		if c.Technical.RSI != nil {
			fmt.Fprintf(&b, "- RSI(14): %.1f\n", *c.Technical.RSI)
		}
		if c.Technical.MACD != nil {
			fmt.Fprintf(&b, "- MACD: %s (histogram %.4f)\n", c.Technical.MACD.Direction, c.Technical.MACD.Histogram)
		}
		if c.Technical.Bollinger != nil {
			fmt.Fprintf(&b, "- Bollinger %%B: %.2f\n", c.Technical.Bollinger.PercentB)
		}
		if c.Technical.SMAShort != nil && c.Technical.SMALong != nil {
			fmt.Fprintf(&b, "- SMA50/SMA200: %.2f / %.2f\n", *c.Technical.SMAShort, *c.Technical.SMALong)
		}
		if len(c.Memory) > 0 {
			fmt.Fprintf(&b, "- Past decisions:\n")
			for _, m := range c.Memory {
				outcome := "outcome pending"
				if m.OutcomePnL != nil {
					outcome = fmt.Sprintf("outcome %+.1f%%", *m.OutcomePnL)
				}
				fmt.Fprintf(&b, "  - %s %s on %s (confidence %.2f, %s): %s\n",
					m.Action, m.Ticker, m.DecidedAt.Format("2006-01-02"), m.Confidence, outcome, m.Reasoning)
			}
		}
		b.WriteString("\n")
	}

	if len(pkg.News) > 0 {
		fmt.Fprintf(&b, "## Recent news\n")
		for _, n := range pkg.News {
			fmt.Fprintf(&b, "- [%s] %s", n.Sentiment, n.Headline)
			if n.Summary != "" {
				fmt.Fprintf(&b, " - %s", n.Summary)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(`## Instructions
For each candidate decide BUY, SELL or HOLD. Only recommend SELL for
instruments currently held. Respond with exactly this JSON object and
nothing else:

{
  "recommendations": [
    {
      "ticker": "XYZ",
      "action": "BUY",
      "confidence": 0.0,
      "reasoning": "one or two sentences",
      "suggested_allocation_pct": 0.0
    }
  ]
}

confidence is between 0 and 1. suggested_allocation_pct is the share of
total portfolio value for BUY actions and may be omitted otherwise.`)

	return b.String()
}
