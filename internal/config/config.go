// Package config loads the application configuration from a JSON file with
// environment-variable overrides for secrets.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// PortfolioConfig bounds what the risk engine may approve.
type PortfolioConfig struct {
	MaxPositions   int                `json:"max_positions"`
	MaxPositionPct float64            `json:"max_position_pct"`
	MinTradeValue  float64            `json:"min_trade_value"`
	InitialCapital float64            `json:"initial_capital"`
	BaseCurrency   string             `json:"base_currency"`
	ExchangeRates  map[string]float64 `json:"exchange_rates"` // units of base currency per unit of foreign
}

// ScreeningConfig controls candidate selection.
type ScreeningConfig struct {
	TopCandidates int                `json:"top_candidates"`
	MinMarketCap  int64              `json:"min_market_cap"`
	Weights       map[string]float64 `json:"weights"`
}

// TechnicalConfig holds indicator window lengths.
type TechnicalConfig struct {
	RSIPeriod       int     `json:"rsi_period"`
	MACDFast        int     `json:"macd_fast"`
	MACDSlow        int     `json:"macd_slow"`
	MACDSignal      int     `json:"macd_signal"`
	BollingerPeriod int     `json:"bollinger_period"`
	BollingerStd    float64 `json:"bollinger_std"`
	SMAShort        int     `json:"sma_short"`
	SMALong         int     `json:"sma_long"`
	EMAShort        int     `json:"ema_short"`
	EMALong         int     `json:"ema_long"`
	VolumeSMAPeriod int     `json:"volume_sma_period"`
	LookbackDays    int     `json:"lookback_days"`
}

// PipelineConfig controls the orchestrator.
type PipelineConfig struct {
	ScheduleHour         int     `json:"schedule_hour"`
	ScheduleMinute       int     `json:"schedule_minute"`
	MaxBuysPerRun        int     `json:"max_buys_per_run"`
	MaxSellFraction      float64 `json:"max_sell_fraction"`
	MaxCandidatesPerCall int     `json:"max_candidates_per_call"`
	MinDataFraction      float64 `json:"min_data_fraction"`
}

// LLMConfig selects and tunes the reasoning model.
type LLMConfig struct {
	Provider       string `json:"provider"` // "openai" or "deepseek"
	Model          string `json:"model"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"-"`
	MaxTokens      int    `json:"max_tokens"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxRetries     int    `json:"max_retries"`
}

// NewsConfig selects the news source.
type NewsConfig struct {
	Provider    string   `json:"provider"` // "perplexity" or "google"
	APIKey      string   `json:"-"`
	Sectors     []string `json:"sectors"`
	MaxItems    int      `json:"max_items"`
	RecencyDays int      `json:"recency_days"`
}

// MemoryConfig tunes decision-history retrieval.
type MemoryConfig struct {
	InstrumentLimit     int     `json:"instrument_limit"`
	SectorLimit         int     `json:"sector_limit"`
	SignalLimit         int     `json:"signal_limit"`
	MaxItems            int     `json:"max_items"`
	RSITolerance        float64 `json:"rsi_tolerance"`
	OutcomeLookbackDays int     `json:"outcome_lookback_days"`
}

// BacktestConfig bounds backtest runs.
type BacktestConfig struct {
	MaxSpanYears int      `json:"max_span_years"`
	WarmupDays   int      `json:"warmup_days"`
	Benchmarks   []string `json:"benchmarks"`
}

// BrokerConfig configures the live broker connection. When Enabled is false
// the pipeline analyzes and reports but never places orders.
type BrokerConfig struct {
	Enabled             bool   `json:"enabled"`
	BaseURL             string `json:"base_url"`
	APIKey              string `json:"-"`
	PollMax             int    `json:"poll_max"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
}

// NotifyConfig configures the optional Telegram run-summary notifier.
type NotifyConfig struct {
	TelegramToken  string `json:"-"`
	TelegramChatID int64  `json:"telegram_chat_id"`
}

// Config is the root application configuration.
type Config struct {
	LogLevel    string          `json:"log_level"`
	LogJSON     bool            `json:"log_json"`
	DatabaseURL string          `json:"-"`
	Portfolio   PortfolioConfig `json:"portfolio"`
	Screening   ScreeningConfig `json:"screening"`
	Technical   TechnicalConfig `json:"technical"`
	Pipeline    PipelineConfig  `json:"pipeline"`
	LLM         LLMConfig       `json:"llm"`
	News        NewsConfig      `json:"news"`
	Memory      MemoryConfig    `json:"memory"`
	Backtest    BacktestConfig  `json:"backtest"`
	Broker      BrokerConfig    `json:"broker"`
	Notify      NotifyConfig    `json:"notify"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Portfolio: PortfolioConfig{
			MaxPositions:   20,
			MaxPositionPct: 5.0,
			MinTradeValue:  100,
			InitialCapital: 50000,
			BaseCurrency:   "EUR",
			ExchangeRates:  map[string]float64{"EUR": 1.0, "USD": 0.92, "GBP": 1.17},
		},
		Screening: ScreeningConfig{
			TopCandidates: 15,
			MinMarketCap:  1_000_000_000,
			Weights: map[string]float64{
				"rsi":       0.25,
				"macd":      0.20,
				"bollinger": 0.15,
				"sma_cross": 0.15,
				"volume":    0.10,
				"pe":        0.15,
			},
		},
		Technical: TechnicalConfig{
			RSIPeriod:       14,
			MACDFast:        12,
			MACDSlow:        26,
			MACDSignal:      9,
			BollingerPeriod: 20,
			BollingerStd:    2.0,
			SMAShort:        50,
			SMALong:         200,
			EMAShort:        12,
			EMALong:         26,
			VolumeSMAPeriod: 20,
			LookbackDays:    365,
		},
		Pipeline: PipelineConfig{
			ScheduleHour:         8,
			ScheduleMinute:       0,
			MaxBuysPerRun:        10,
			MaxSellFraction:      0.5,
			MaxCandidatesPerCall: 25,
			MinDataFraction:      0.5,
		},
		LLM: LLMConfig{
			Provider:       "openai",
			Model:          "gpt-4o",
			MaxTokens:      4000,
			TimeoutSeconds: 120,
			MaxRetries:     3,
		},
		News: NewsConfig{
			Provider:    "perplexity",
			Sectors:     []string{"Technology", "Healthcare", "Financial Services", "Energy", "Consumer Cyclical"},
			MaxItems:    10,
			RecencyDays: 2,
		},
		Memory: MemoryConfig{
			InstrumentLimit:     10,
			SectorLimit:         5,
			SignalLimit:         5,
			MaxItems:            10,
			RSITolerance:        5.0,
			OutcomeLookbackDays: 7,
		},
		Backtest: BacktestConfig{
			MaxSpanYears: 5,
			WarmupDays:   400,
			Benchmarks:   []string{"^GSPC"},
		},
		Broker: BrokerConfig{
			BaseURL:             "https://live.trading212.com/api/v0",
			PollMax:             5,
			PollIntervalSeconds: 10,
		},
	}
}

// Load reads the JSON config at path (a missing file means defaults), then
// applies environment overrides. A .env file in the working directory is
// honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.LLM.Provider == "openai" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("DEEPSEEK_API_KEY"); v != "" && c.LLM.Provider == "deepseek" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("PERPLEXITY_API_KEY"); v != "" {
		c.News.APIKey = v
	}
	if v := os.Getenv("TRADING212_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Notify.TelegramToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Notify.TelegramChatID = id
		}
	}
}

// Validate checks invariants that would otherwise surface deep inside a run.
func (c *Config) Validate() error {
	if c.Portfolio.MaxPositions <= 0 {
		return fmt.Errorf("portfolio.max_positions must be positive, got %d", c.Portfolio.MaxPositions)
	}
	if c.Portfolio.MaxPositionPct <= 0 || c.Portfolio.MaxPositionPct > 100 {
		return fmt.Errorf("portfolio.max_position_pct must be in (0, 100], got %v", c.Portfolio.MaxPositionPct)
	}
	if c.Portfolio.InitialCapital <= 0 {
		return fmt.Errorf("portfolio.initial_capital must be positive, got %v", c.Portfolio.InitialCapital)
	}
	if r, ok := c.Portfolio.ExchangeRates[c.Portfolio.BaseCurrency]; !ok || r != 1.0 {
		return fmt.Errorf("portfolio.exchange_rates must map base currency %s to 1.0", c.Portfolio.BaseCurrency)
	}
	if c.Technical.MACDFast >= c.Technical.MACDSlow {
		return fmt.Errorf("technical.macd_fast (%d) must be below macd_slow (%d)", c.Technical.MACDFast, c.Technical.MACDSlow)
	}
	if c.Pipeline.MaxCandidatesPerCall <= 0 {
		return fmt.Errorf("pipeline.max_candidates_per_call must be positive, got %d", c.Pipeline.MaxCandidatesPerCall)
	}
	if c.LLM.MaxRetries < 1 {
		return fmt.Errorf("llm.max_retries must be at least 1, got %d", c.LLM.MaxRetries)
	}
	return nil
}
