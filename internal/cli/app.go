package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"tradeagent/internal/adapters"
	"tradeagent/internal/adapters/broker"
	"tradeagent/internal/adapters/llm"
	"tradeagent/internal/adapters/marketdata"
	"tradeagent/internal/adapters/news"
	"tradeagent/internal/backtest"
	"tradeagent/internal/config"
	"tradeagent/internal/memory"
	"tradeagent/internal/notify"
	"tradeagent/internal/pipeline"
	"tradeagent/internal/risk"
	"tradeagent/internal/storage"
	"tradeagent/pkg/logger"
)

// app holds the wired components behind every command.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	db     *storage.DB
	memory *memory.Service
	runner *pipeline.Runner
	engine *backtest.Engine
}

// newApp loads configuration and connects every component. The reasoning
// oracle degrades to the HOLD-everything mock when no API key is set, so
// dry runs and local backtests work without credentials.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	market := marketdata.NewYahoo(log)

	var newsSource adapters.News
	switch {
	case cfg.News.Provider == "perplexity" && cfg.News.APIKey != "":
		newsSource = news.NewPerplexity(cfg.News.APIKey, log)
	case cfg.News.Provider == "google":
		newsSource = news.NewGoogleNews(cfg.News.MaxItems, log)
	default:
		log.Warn("no usable news provider, runs will proceed without news",
			zap.String("provider", cfg.News.Provider))
	}

	var oracle adapters.Reasoning
	if cfg.LLM.APIKey != "" {
		oracle, err = llm.NewOracle(ctx, cfg.LLM, log)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("build reasoning oracle: %w", err)
		}
	} else {
		log.Warn("no LLM API key, using the HOLD-everything mock oracle")
		oracle = llm.NewMockReasoning()
	}

	var liveBroker adapters.Broker
	if cfg.Broker.Enabled && cfg.Broker.APIKey != "" {
		liveBroker = broker.NewTrading212(cfg.Broker, log)
	} else {
		log.Info("broker disabled, pipeline will analyze and report only")
	}

	var notifier pipeline.Notifier
	if tg, err := notify.NewTelegram(cfg.Notify, log); err == nil {
		notifier = tg
	} else {
		notifier = notify.NewLogNotifier(log)
	}

	mem := memory.NewService(db, cfg.Memory, log)
	runner := pipeline.New(cfg, db, market, newsSource, oracle, liveBroker, mem,
		risk.NewEngine(cfg.Portfolio, log), log,
		pipeline.WithNotifier(notifier))
	engine := backtest.NewEngine(cfg, db, market, oracle, mem, log)

	return &app{
		cfg:    cfg,
		log:    log,
		db:     db,
		memory: mem,
		runner: runner,
		engine: engine,
	}, nil
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.log.Warn("closing database", zap.Error(err))
	}
	_ = a.log.Sync()
}
