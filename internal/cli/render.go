package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"tradeagent/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#3B82F6"))

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B82F6")).
			Padding(0, 2)

	okStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#10B981"))

	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#F59E0B"))

	errStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#EF4444"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))
)

func statusStyle(s string) lipgloss.Style {
	switch s {
	case string(models.PipelineSuccess), string(models.BacktestCompleted):
		return okStyle
	case string(models.PipelinePartialFailure), string(models.BacktestCancelled):
		return warnStyle
	default:
		return errStyle
	}
}

func row(label, value string) string {
	return fmt.Sprintf("%s %s", labelStyle.Render(label+":"), value)
}

// renderRun formats a pipeline run for the terminal.
func renderRun(run *models.PipelineRun) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Pipeline run") + "\n")
	b.WriteString(row("Status", statusStyle(string(run.Status)).Render(string(run.Status))) + "\n")
	b.WriteString(row("Run ID", run.ID) + "\n")
	b.WriteString(row("Analyzed", fmt.Sprintf("%d instruments, %d candidates",
		run.StocksAnalyzed, run.CandidatesScreened)) + "\n")
	b.WriteString(row("Trades", fmt.Sprintf("%d approved, %d executed",
		run.TradesApproved, run.TradesExecuted)))
	if run.CompletedAt != nil {
		b.WriteString("\n" + row("Duration", run.CompletedAt.Sub(run.StartedAt).Round(1e9).String()))
	}
	for _, e := range run.Errors {
		b.WriteString("\n" + errStyle.Render("! ") + e)
	}
	return boxStyle.Render(b.String())
}

// renderTrades formats the trades recorded for one run.
func renderTrades(trades []models.Trade) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Trades") + "\n")
	for i, tr := range trades {
		if i > 0 {
			b.WriteString("\n")
		}
		style := errStyle
		switch tr.Status {
		case models.TradeFilled:
			style = okStyle
		case models.TradePending:
			style = warnStyle
		}
		b.WriteString(fmt.Sprintf("%s %s %s x %s @ %s %s",
			style.Render(string(tr.Status)), tr.Side, tr.Ticker,
			tr.Quantity.String(), tr.Price.StringFixed(2), tr.Currency))
		if tr.ErrorMessage != "" {
			b.WriteString(" (" + tr.ErrorMessage + ")")
		}
	}
	return boxStyle.Render(b.String())
}

// renderBacktest formats a finished backtest and its metrics.
func renderBacktest(run *models.BacktestRun) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Backtest "+run.ID) + "\n")
	b.WriteString(row("Status", statusStyle(string(run.Status)).Render(string(run.Status))) + "\n")
	b.WriteString(row("Range", fmt.Sprintf("%s .. %s (%d trading days)",
		run.StartDate.Format("2006-01-02"), run.EndDate.Format("2006-01-02"), run.TotalDays)) + "\n")
	b.WriteString(row("Capital", run.InitialCapital.StringFixed(2)))

	if m := run.Metrics; m != nil {
		b.WriteString("\n" + row("Final value", fmt.Sprintf("%.2f", m.FinalValue)))
		b.WriteString("\n" + row("Total return", fmt.Sprintf("%+.2f%%", m.TotalReturnPct)))
		b.WriteString("\n" + row("Annualized", fmt.Sprintf("%+.2f%%", m.AnnualizedReturnPct)))
		b.WriteString("\n" + row("Max drawdown", fmt.Sprintf("%.2f%%", m.MaxDrawdownPct)))
		b.WriteString("\n" + row("Sharpe", fmt.Sprintf("%.2f", m.SharpeRatio)))
		b.WriteString("\n" + row("Trades", fmt.Sprintf("%d closed, %.1f%% winners, %.1f days avg hold",
			m.TotalTrades, m.WinRatePct, m.AvgHoldingDays)))
		for benchmark, ret := range m.BenchmarkReturns {
			alpha := m.TotalReturnPct - ret
			b.WriteString("\n" + row("vs "+benchmark, fmt.Sprintf("%+.2f%% (alpha %+.2f%%)", ret, alpha)))
		}
	}
	for _, e := range run.Errors {
		b.WriteString("\n" + errStyle.Render("! ") + e)
	}
	return boxStyle.Render(b.String())
}
