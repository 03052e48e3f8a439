package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backtestlab.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: "/tmp/backtestlab/bars"
results:
  dir: "/tmp/backtestlab/results"
  driver: "postgres"
  dsn: "postgres://localhost/backtests?sslmode=disable"
indicators:
  dir: "/tmp/backtestlab/indicators"
backtest:
  initial_capital: 50000
  sizing: "fixed_notional"
  notional: 2500
batch:
  workers: 4
server:
  host: "0.0.0.0"
  port: 8081
  grpc_port: 9091
schedule:
  group_sets:
    tech: "0 30 17 * * 1-5"
kafka:
  brokers: ["localhost:9092"]
  topic: "bt"
logging:
  level: "debug"
  format: "text"
`)

	for _, k := range []string{"DATA_DIR", "RESULTS_DRIVER", "RESULTS_DSN", "BATCH_WORKERS", "LOG_LEVEL", "KAFKA_BROKERS"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.DataDir != "/tmp/backtestlab/bars" {
		t.Errorf("Storage.DataDir = %q, want %q", cfg.Storage.DataDir, "/tmp/backtestlab/bars")
	}
	if cfg.Results.Driver != "postgres" {
		t.Errorf("Results.Driver = %q, want %q", cfg.Results.Driver, "postgres")
	}
	if cfg.Indicators.Dir != "/tmp/backtestlab/indicators" {
		t.Errorf("Indicators.Dir = %q", cfg.Indicators.Dir)
	}
	if cfg.Backtest.InitialCapital != 50000 {
		t.Errorf("Backtest.InitialCapital = %v, want 50000", cfg.Backtest.InitialCapital)
	}
	if cfg.Backtest.Sizing != "fixed_notional" || cfg.Backtest.Notional != 2500 {
		t.Errorf("Backtest sizing = %q/%v", cfg.Backtest.Sizing, cfg.Backtest.Notional)
	}
	if cfg.Batch.Workers != 4 {
		t.Errorf("Batch.Workers = %d, want 4", cfg.Batch.Workers)
	}
	if cfg.Server.GRPCPort != 9091 {
		t.Errorf("Server.GRPCPort = %d, want 9091", cfg.Server.GRPCPort)
	}
	if cfg.Schedule.GroupSets["tech"] != "0 30 17 * * 1-5" {
		t.Errorf("Schedule.GroupSets[tech] = %q", cfg.Schedule.GroupSets["tech"])
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Topic != "bt" {
		t.Errorf("Kafka = %+v", cfg.Kafka)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
batch:
  workers: 2
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("BATCH_WORKERS", "8")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	os.Unsetenv("APCA_API_KEY_ID")
	os.Unsetenv("APCA_API_SECRET_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.Batch.Workers != 8 {
		t.Errorf("Batch.Workers = %d, want 8 (env override)", cfg.Batch.Workers)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("Kafka.Brokers = %v", cfg.Kafka.Brokers)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "logging:\n  format: json\n")
	for _, k := range []string{"DATA_DIR", "RESULTS_DRIVER", "BATCH_WORKERS", "LOG_LEVEL", "BACKTEST_SIZING"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Results.Driver != "sqlite" {
		t.Errorf("Results.Driver = %q, want sqlite", cfg.Results.Driver)
	}
	if cfg.Backtest.Sizing != "equity_fraction" || cfg.Backtest.EquityFraction != 1.0 {
		t.Errorf("Backtest sizing defaults = %q/%v", cfg.Backtest.Sizing, cfg.Backtest.EquityFraction)
	}
	if cfg.Batch.Workers != 1 {
		t.Errorf("Batch.Workers = %d, want 1", cfg.Batch.Workers)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestPath(t *testing.T) {
	t.Setenv(EnvPath, "")
	os.Unsetenv(EnvPath)
	if got := Path(); got != DefaultPath {
		t.Errorf("Path() = %q, want %q", got, DefaultPath)
	}
	t.Setenv(EnvPath, "/etc/bt.yaml")
	if got := Path(); got != "/etc/bt.yaml" {
		t.Errorf("Path() = %q, want /etc/bt.yaml", got)
	}
}
