package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the wdotrader system.
type Config struct {
	Storage   Storage         `yaml:"storage"`
	Server    Server          `yaml:"server"`
	Alpaca    Alpaca          `yaml:"alpaca"`
	Logging   Logging         `yaml:"logging"`
	Trading   TradingConfig   `yaml:"trading"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Risk      RiskConfig      `yaml:"risk"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds network listener configuration for the snapshot API.
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API. Used
// only when trading.paper_mode is false.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig defines the instrument and execution parameters.
type TradingConfig struct {
	Symbol   string `yaml:"symbol"`
	Quantity int    `yaml:"quantity"`
	// PaperMode selects the in-memory simulated gateway.
	PaperMode bool `yaml:"paper_mode"`
	// CancelMaxAttempts bounds the OCO sibling-cancellation retry sequence.
	CancelMaxAttempts int `yaml:"cancel_max_attempts"`
	// CancelBackoffMS is the initial backoff between cancel attempts.
	CancelBackoffMS int `yaml:"cancel_backoff_ms"`
	// EventBufferSize is the capacity of the broker-event queue.
	EventBufferSize int `yaml:"event_buffer_size"`
	// SubmitRatePerMin caps gateway submit/cancel calls.
	SubmitRatePerMin int `yaml:"submit_rate_per_min"`
	// SnapshotIntervalSec controls how often the observability snapshot is
	// emitted.
	SnapshotIntervalSec int `yaml:"snapshot_interval_sec"`
}

// ReconcileConfig tunes the reconciliation loop.
type ReconcileConfig struct {
	// PositionCheckSec is the fast tick that re-verifies the position belief.
	PositionCheckSec int `yaml:"position_check_sec"`
	// OrphanSweepSec is the slow tick for orphan-order sweeps and
	// cancellation-suspect retries.
	OrphanSweepSec int `yaml:"orphan_sweep_sec"`
	// OrphanGraceSec: how long a flat position must persist under an armed
	// bracket before its legs are treated as orphans.
	OrphanGraceSec int `yaml:"orphan_grace_sec"`
	// MaxHoldSec: how long a guard token may be held with no backing bracket
	// before it is released as a ghost lock.
	MaxHoldSec int `yaml:"max_hold_sec"`
}

// RiskConfig parameterises stop/take distance computation.
type RiskConfig struct {
	// StopPoints and TakePoints are base distances in instrument points.
	StopPoints float64 `yaml:"stop_points"`
	TakePoints float64 `yaml:"take_points"`
	// VolLookback is the EWMA half-life (in price updates) of the volatility
	// estimator that scales the base distances.
	VolLookback int `yaml:"vol_lookback"`
}

// ---------------------------------------------------------------------------
// Derived accessors
// ---------------------------------------------------------------------------

// PositionCheckInterval returns the fast reconcile tick as a duration.
func (c ReconcileConfig) PositionCheckInterval() time.Duration {
	return time.Duration(c.PositionCheckSec) * time.Second
}

// OrphanSweepInterval returns the slow reconcile tick as a duration.
func (c ReconcileConfig) OrphanSweepInterval() time.Duration {
	return time.Duration(c.OrphanSweepSec) * time.Second
}

// OrphanGrace returns the orphan grace period as a duration.
func (c ReconcileConfig) OrphanGrace() time.Duration {
	return time.Duration(c.OrphanGraceSec) * time.Second
}

// MaxHold returns the ghost-lock threshold as a duration.
func (c ReconcileConfig) MaxHold() time.Duration {
	return time.Duration(c.MaxHoldSec) * time.Second
}

// CancelBackoff returns the initial cancel retry backoff as a duration.
func (c TradingConfig) CancelBackoff() time.Duration {
	return time.Duration(c.CancelBackoffMS) * time.Millisecond
}

// SnapshotInterval returns the snapshot emission period as a duration.
func (c TradingConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSec) * time.Second
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides, fills defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("TRADING_SYMBOL"); v != "" {
		cfg.Trading.Symbol = v
	}
	if v := os.Getenv("TRADING_QUANTITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trading.Quantity = n
		}
	}
	if v := os.Getenv("PAPER_MODE"); v != "" {
		cfg.Trading.PaperMode = v == "1" || v == "true"
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// applyDefaults fills zero-valued fields with working defaults. The timeout
// values mirror the behaviour of the production system this replaces: a 30s
// ghost-lock threshold, a 5s position check, and 3 cancel attempts.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Trading.Quantity == 0 {
		cfg.Trading.Quantity = 1
	}
	if cfg.Trading.CancelMaxAttempts == 0 {
		cfg.Trading.CancelMaxAttempts = 3
	}
	if cfg.Trading.CancelBackoffMS == 0 {
		cfg.Trading.CancelBackoffMS = 500
	}
	if cfg.Trading.EventBufferSize == 0 {
		cfg.Trading.EventBufferSize = 256
	}
	if cfg.Trading.SubmitRatePerMin == 0 {
		cfg.Trading.SubmitRatePerMin = 120
	}
	if cfg.Trading.SnapshotIntervalSec == 0 {
		cfg.Trading.SnapshotIntervalSec = 5
	}

	if cfg.Reconcile.PositionCheckSec == 0 {
		cfg.Reconcile.PositionCheckSec = 5
	}
	if cfg.Reconcile.OrphanSweepSec == 0 {
		cfg.Reconcile.OrphanSweepSec = 30
	}
	if cfg.Reconcile.OrphanGraceSec == 0 {
		cfg.Reconcile.OrphanGraceSec = 10
	}
	if cfg.Reconcile.MaxHoldSec == 0 {
		cfg.Reconcile.MaxHoldSec = 30
	}

	if cfg.Risk.StopPoints == 0 {
		cfg.Risk.StopPoints = 15
	}
	if cfg.Risk.TakePoints == 0 {
		cfg.Risk.TakePoints = 30
	}
	if cfg.Risk.VolLookback == 0 {
		cfg.Risk.VolLookback = 60
	}
}

// Validate checks invariants that would make the engine unsafe to run.
func (c *Config) Validate() error {
	if c.Trading.Symbol == "" {
		return fmt.Errorf("trading.symbol is required")
	}
	if c.Trading.Quantity < 1 {
		return fmt.Errorf("trading.quantity must be >= 1, got %d", c.Trading.Quantity)
	}
	if c.Risk.StopPoints <= 0 || c.Risk.TakePoints <= 0 {
		return fmt.Errorf("risk.stop_points and risk.take_points must be positive")
	}
	if !c.Trading.PaperMode && (c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "") {
		return fmt.Errorf("alpaca credentials are required when paper_mode is false")
	}
	return nil
}
