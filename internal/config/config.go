// Package config loads the backtestlab YAML configuration and applies
// environment overrides.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPath is the environment variable naming the configuration file.
const EnvPath = "BACKTESTLAB_CONFIG"

// DefaultPath is used when EnvPath is unset.
const DefaultPath = "config/backtestlab.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for backtestlab.
type Config struct {
	Storage    Storage    `yaml:"storage"`
	Results    Results    `yaml:"results"`
	Indicators Indicators `yaml:"indicators"`
	Backtest   Backtest   `yaml:"backtest"`
	Batch      Batch      `yaml:"batch"`
	Server     Server     `yaml:"server"`
	Schedule   Schedule   `yaml:"schedule"`
	Alpaca     Alpaca     `yaml:"alpaca"`
	Kafka      Kafka      `yaml:"kafka"`
	Logging    Logging    `yaml:"logging"`
}

// Storage holds the location of the price bar store.
type Storage struct {
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
}

// Results configures the backtest results store. Driver is "sqlite" or
// "postgres"; for sqlite an empty DSN places the index under Dir.
type Results struct {
	Dir       string `yaml:"dir" env:"RESULTS_DIR"`
	Driver    string `yaml:"driver" env:"RESULTS_DRIVER"`
	DSN       string `yaml:"dsn" env:"RESULTS_DSN"`
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
}

// Indicators configures the indicator cache.
type Indicators struct {
	Dir string `yaml:"dir" env:"INDICATOR_DIR"`
}

// Backtest holds simulation defaults.
type Backtest struct {
	InitialCapital float64 `yaml:"initial_capital" env:"BACKTEST_INITIAL_CAPITAL"`
	Sizing         string  `yaml:"sizing" env:"BACKTEST_SIZING"`
	Notional       float64 `yaml:"notional"`
	EquityFraction float64 `yaml:"equity_fraction"`
	PeriodsPerYear float64 `yaml:"periods_per_year"`
}

// Batch configures the batch orchestrator.
type Batch struct {
	Workers int `yaml:"workers" env:"BATCH_WORKERS"`
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host" env:"SERVER_HOST"`
	Port     int    `yaml:"port" env:"SERVER_PORT"`
	GRPCPort int    `yaml:"grpc_port" env:"SERVER_GRPC_PORT"`
}

// Schedule maps saved group-set names to cron specs.
type Schedule struct {
	GroupSets map[string]string `yaml:"group_sets"`
}

// Alpaca holds credentials and endpoints for bar backfill.
type Alpaca struct {
	APIKey    string `yaml:"api_key" env:"ALPACA_API_KEY"`
	APISecret string `yaml:"api_secret" env:"ALPACA_API_SECRET"`
	DataURL   string `yaml:"data_url" env:"ALPACA_DATA_URL"`
	Feed      string `yaml:"feed"`
	RateLimit int    `yaml:"rate_limit_per_min"`
}

// Kafka configures batch result notifications. Empty Brokers disables them.
type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the configuration path from the environment, or DefaultPath.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the YAML configuration file at path, fills defaults, and then
// applies environment variable overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with defaults and environment overrides
// applied, for binaries run without a config file.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	// Standard Alpaca env vars take priority, matching the SDK.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Results.Dir == "" {
		c.Results.Dir = "data/results"
	}
	if c.Results.Driver == "" {
		c.Results.Driver = "sqlite"
	}
	if c.Indicators.Dir == "" {
		c.Indicators.Dir = "data/indicators"
	}
	if c.Backtest.InitialCapital == 0 {
		c.Backtest.InitialCapital = 10000
	}
	if c.Backtest.Sizing == "" {
		c.Backtest.Sizing = "equity_fraction"
	}
	if c.Backtest.EquityFraction == 0 {
		c.Backtest.EquityFraction = 1.0
	}
	if c.Batch.Workers == 0 {
		c.Batch.Workers = 1
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Alpaca.Feed == "" {
		c.Alpaca.Feed = "sip"
	}
	if c.Alpaca.RateLimit == 0 {
		c.Alpaca.RateLimit = 200
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "backtest-results"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
