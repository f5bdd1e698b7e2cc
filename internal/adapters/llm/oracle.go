// Package llm implements the Reasoning capability on top of eino chat
// models. The oracle sends one context package per call and insists on a
// strict JSON answer, re-prompting with a reinforcement message when the
// model strays from the schema.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"tradeagent/internal/adapters"
	"tradeagent/internal/config"
	"tradeagent/internal/models"
)

const reinforcementPrompt = "Your previous response could not be parsed. " +
	"Respond ONLY with the JSON object described in the instructions, with no " +
	"surrounding prose, markdown fences or commentary."

// chatModel is the slice of eino's model interface the oracle needs.
type chatModel interface {
	Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error)
}

// Oracle turns context packages into validated recommendation sets.
type Oracle struct {
	model   chatModel
	cfg     config.LLMConfig
	timeout time.Duration
	log     *zap.Logger
}

// NewOracle builds the configured chat model and wraps it.
func NewOracle(ctx context.Context, cfg config.LLMConfig, log *zap.Logger) (*Oracle, error) {
	var (
		cm  chatModel
		err error
	)
	switch cfg.Provider {
	case "deepseek":
		cm, err = deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	case "openai", "":
		maxTokens := cfg.MaxTokens
		cm, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: &maxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s chat model: %w", cfg.Provider, err)
	}
	return newOracle(cm, cfg, log), nil
}

func newOracle(cm chatModel, cfg config.LLMConfig, log *zap.Logger) *Oracle {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Oracle{model: cm, cfg: cfg, timeout: timeout, log: log.Named("oracle")}
}

// Analyze runs the chat model over one context package. Malformed answers
// are retried with a reinforcement message appended to the conversation;
// after the retry budget the call fails with ErrReasoningFailure.
func (o *Oracle) Analyze(ctx context.Context, pkg *adapters.ContextPackage) (*adapters.RecommendationSet, error) {
	messages := []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(BuildPrompt(pkg)),
	}

	var warnings []string
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		resp, err := o.model.Generate(callCtx, messages)
		cancel()
		if err != nil {
			lastErr = err
			warnings = append(warnings, fmt.Sprintf("oracle call %d failed: %v", attempt, err))
			o.log.Warn("oracle call failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		set, err := ParseRecommendations(resp.Content)
		if err == nil {
			set.Warnings = warnings
			o.log.Info("oracle answered",
				zap.Int("attempt", attempt),
				zap.Int("recommendations", len(set.Recommendations)))
			return set, nil
		}

		lastErr = err
		warnings = append(warnings, fmt.Sprintf("oracle answer %d unparseable: %v", attempt, err))
		o.log.Warn("oracle answer unparseable", zap.Int("attempt", attempt), zap.Error(err))
		messages = append(messages, resp, schema.UserMessage(reinforcementPrompt))
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", models.ErrReasoningFailure, o.cfg.MaxRetries, lastErr)
}

// ParseRecommendations extracts and validates the JSON recommendation set
// from a model answer. Text outside the outermost braces is ignored so
// answers wrapped in prose or code fences still parse.
func ParseRecommendations(content string) (*adapters.RecommendationSet, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in answer")
	}

	var set adapters.RecommendationSet
	if err := json.Unmarshal([]byte(content[start:end+1]), &set); err != nil {
		return nil, fmt.Errorf("decode recommendations: %w", err)
	}

	for i, rec := range set.Recommendations {
		if rec.Ticker == "" {
			return nil, fmt.Errorf("recommendation %d has no ticker", i)
		}
		if !models.Action(rec.Action).Valid() {
			return nil, fmt.Errorf("recommendation %d (%s) has invalid action %q", i, rec.Ticker, rec.Action)
		}
		if rec.Confidence < 0 || rec.Confidence > 1 {
			return nil, fmt.Errorf("recommendation %d (%s) has confidence %v outside [0, 1]", i, rec.Ticker, rec.Confidence)
		}
	}
	return &set, nil
}
