// Package notify delivers run summaries to the operator. Telegram is the
// primary channel; without a configured bot the summaries go to the log.
package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"tradeagent/internal/config"
	"tradeagent/internal/models"
)

const maxErrorsShown = 5

// FormatRunSummary renders a pipeline run as a short plain-text message.
func FormatRunSummary(run *models.PipelineRun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline run %s\n", run.Status)
	fmt.Fprintf(&b, "Trigger: %s\n", run.Trigger)
	fmt.Fprintf(&b, "Analyzed: %d  Screened: %d\n", run.StocksAnalyzed, run.CandidatesScreened)
	fmt.Fprintf(&b, "Trades: %d approved, %d executed\n", run.TradesApproved, run.TradesExecuted)
	if run.CompletedAt != nil {
		fmt.Fprintf(&b, "Duration: %s\n", run.CompletedAt.Sub(run.StartedAt).Round(1e9))
	}
	if len(run.Errors) > 0 {
		fmt.Fprintf(&b, "Issues (%d):\n", len(run.Errors))
		for i, e := range run.Errors {
			if i == maxErrorsShown {
				fmt.Fprintf(&b, "  ... and %d more\n", len(run.Errors)-maxErrorsShown)
				break
			}
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}
	return b.String()
}

// Telegram sends run summaries to a chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *zap.Logger
}

// NewTelegram connects the bot. An empty token or chat ID is a
// configuration error; callers should fall back to the log notifier.
func NewTelegram(cfg config.NotifyConfig, log *zap.Logger) (*Telegram, error) {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == 0 {
		return nil, fmt.Errorf("telegram token and chat id are required")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: cfg.TelegramChatID, log: log.Named("notify")}, nil
}

// RunCompleted sends the run summary. Delivery failures are logged, never
// propagated: notification must not affect a run's outcome.
func (t *Telegram) RunCompleted(_ context.Context, run *models.PipelineRun) {
	msg := tgbotapi.NewMessage(t.chatID, FormatRunSummary(run))
	if _, err := t.bot.Send(msg); err != nil {
		t.log.Warn("telegram delivery failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// LogNotifier writes run summaries to the application log.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier builds the fallback notifier.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notify")}
}

// RunCompleted logs the summary at info level.
func (l *LogNotifier) RunCompleted(_ context.Context, run *models.PipelineRun) {
	l.log.Info("run summary",
		zap.String("run_id", run.ID),
		zap.String("summary", FormatRunSummary(run)))
}
