package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wdotrader.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: "/tmp/wdotrader/data"
  sqlite_path: "/tmp/wdotrader/wdotrader.db"
server:
  host: "0.0.0.0"
  port: 8080
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  base_url: "https://paper-api.alpaca.markets"
logging:
  level: "debug"
  format: "json"
trading:
  symbol: "WDOX25"
  quantity: 2
  paper_mode: true
  cancel_max_attempts: 5
  cancel_backoff_ms: 250
reconcile:
  position_check_sec: 2
  orphan_sweep_sec: 15
  orphan_grace_sec: 8
  max_hold_sec: 20
risk:
  stop_points: 15
  take_points: 45
`)

	// Clear any environment overrides that might interfere.
	os.Unsetenv("TRADING_SYMBOL")
	os.Unsetenv("PAPER_MODE")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Trading.Symbol != "WDOX25" {
		t.Errorf("Trading.Symbol = %q, want WDOX25", cfg.Trading.Symbol)
	}
	if cfg.Trading.Quantity != 2 {
		t.Errorf("Trading.Quantity = %d, want 2", cfg.Trading.Quantity)
	}
	if !cfg.Trading.PaperMode {
		t.Error("Trading.PaperMode should be true")
	}
	if cfg.Trading.CancelMaxAttempts != 5 {
		t.Errorf("CancelMaxAttempts = %d, want 5", cfg.Trading.CancelMaxAttempts)
	}
	if got := cfg.Trading.CancelBackoff(); got != 250*time.Millisecond {
		t.Errorf("CancelBackoff() = %v, want 250ms", got)
	}
	if got := cfg.Reconcile.PositionCheckInterval(); got != 2*time.Second {
		t.Errorf("PositionCheckInterval() = %v, want 2s", got)
	}
	if got := cfg.Reconcile.MaxHold(); got != 20*time.Second {
		t.Errorf("MaxHold() = %v, want 20s", got)
	}
	if got := cfg.Reconcile.OrphanGrace(); got != 8*time.Second {
		t.Errorf("OrphanGrace() = %v, want 8s", got)
	}
	if cfg.Risk.TakePoints != 45 {
		t.Errorf("Risk.TakePoints = %v, want 45", cfg.Risk.TakePoints)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
trading:
  symbol: "WDOX25"
  paper_mode: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Trading.Quantity != 1 {
		t.Errorf("default Quantity = %d, want 1", cfg.Trading.Quantity)
	}
	if cfg.Trading.CancelMaxAttempts != 3 {
		t.Errorf("default CancelMaxAttempts = %d, want 3", cfg.Trading.CancelMaxAttempts)
	}
	if cfg.Reconcile.MaxHoldSec != 30 {
		t.Errorf("default MaxHoldSec = %d, want 30", cfg.Reconcile.MaxHoldSec)
	}
	if cfg.Reconcile.PositionCheckSec != 5 {
		t.Errorf("default PositionCheckSec = %d, want 5", cfg.Reconcile.PositionCheckSec)
	}
	if cfg.Reconcile.OrphanSweepSec != 30 {
		t.Errorf("default OrphanSweepSec = %d, want 30", cfg.Reconcile.OrphanSweepSec)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Trading.EventBufferSize != 256 {
		t.Errorf("default EventBufferSize = %d, want 256", cfg.Trading.EventBufferSize)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
trading:
  symbol: "WDOX25"
  paper_mode: true
`)

	t.Setenv("TRADING_SYMBOL", "WDOZ25")
	t.Setenv("TRADING_QUANTITY", "3")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Trading.Symbol != "WDOZ25" {
		t.Errorf("Trading.Symbol = %q, want env override WDOZ25", cfg.Trading.Symbol)
	}
	if cfg.Trading.Quantity != 3 {
		t.Errorf("Trading.Quantity = %d, want env override 3", cfg.Trading.Quantity)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want env override warn", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
	}{
		{
			name:    "missing symbol",
			yaml:    "trading:\n  paper_mode: true\n",
			wantErr: true,
		},
		{
			name:    "live mode without credentials",
			yaml:    "trading:\n  symbol: WDOX25\n  paper_mode: false\n",
			wantErr: true,
		},
		{
			name:    "paper mode ok without credentials",
			yaml:    "trading:\n  symbol: WDOX25\n  paper_mode: true\n",
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			_, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Errorf("Load error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
