package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Portfolio.MaxPositions != 20 {
		t.Errorf("expected max_positions 20, got %d", cfg.Portfolio.MaxPositions)
	}
	if cfg.Portfolio.BaseCurrency != "EUR" {
		t.Errorf("expected base currency EUR, got %s", cfg.Portfolio.BaseCurrency)
	}
	if cfg.Memory.MaxItems != 10 {
		t.Errorf("expected memory max_items 10, got %d", cfg.Memory.MaxItems)
	}
	if cfg.Memory.InstrumentLimit != 10 || cfg.Memory.SectorLimit != 5 || cfg.Memory.SignalLimit != 5 {
		t.Errorf("expected tier limits 10/5/5, got %d/%d/%d",
			cfg.Memory.InstrumentLimit, cfg.Memory.SectorLimit, cfg.Memory.SignalLimit)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Portfolio.InitialCapital != 50000 {
		t.Errorf("expected default initial capital, got %v", cfg.Portfolio.InitialCapital)
	}
}

func TestLoadFileOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"portfolio": {"max_positions": 5, "max_position_pct": 10.0, "min_trade_value": 50, "initial_capital": 10000, "base_currency": "USD", "exchange_rates": {"USD": 1.0}}}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Portfolio.MaxPositions != 5 {
		t.Errorf("expected max_positions 5, got %d", cfg.Portfolio.MaxPositions)
	}
	if cfg.Portfolio.BaseCurrency != "USD" {
		t.Errorf("expected base currency USD, got %s", cfg.Portfolio.BaseCurrency)
	}
	// Untouched sections keep defaults.
	if cfg.Technical.RSIPeriod != 14 {
		t.Errorf("expected rsi_period 14, got %d", cfg.Technical.RSIPeriod)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/trading_test")
	t.Setenv("PERPLEXITY_API_KEY", "pplx-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost/trading_test" {
		t.Errorf("database url not applied: %s", cfg.DatabaseURL)
	}
	if cfg.News.APIKey != "pplx-test" {
		t.Errorf("news api key not applied")
	}
}

func TestValidateRejectsBadRates(t *testing.T) {
	cfg := Default()
	cfg.Portfolio.ExchangeRates = map[string]float64{"USD": 1.0}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing base currency rate")
	}
}

func TestValidateRejectsMACDWindows(t *testing.T) {
	cfg := Default()
	cfg.Technical.MACDFast = 30
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for fast >= slow")
	}
}
