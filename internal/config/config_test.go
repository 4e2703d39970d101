package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "saturn.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "storage:\n  data_dir: /tmp/sat\n  sqlite_path: /tmp/sat/db.sqlite\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Storage.DataDir != "/tmp/sat" {
		t.Errorf("DataDir = %q, want /tmp/sat", cfg.Storage.DataDir)
	}
	// Untouched fields keep defaults.
	if cfg.Server.Port != 8085 {
		t.Errorf("Port = %d, want default 8085", cfg.Server.Port)
	}
	if cfg.Engine.DefaultLookbackDays != 90 {
		t.Errorf("DefaultLookbackDays = %d, want 90", cfg.Engine.DefaultLookbackDays)
	}
	if len(cfg.Engine.ReferenceSymbols) == 0 {
		t.Error("ReferenceSymbols should have defaults")
	}
	if cfg.Engine.RetentionMinutes != 120 {
		t.Errorf("RetentionMinutes = %d, want 120", cfg.Engine.RetentionMinutes)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_dir: /data
  sqlite_path: /data/s.db
server:
  port: 9000
engine:
  default_lookback_days: 30
  reference_symbols: [SPY]
  rate_limit_per_min: 60
schedule:
  refresh_cron: "0 3 * * *"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Engine.DefaultLookbackDays != 30 {
		t.Errorf("DefaultLookbackDays = %d, want 30", cfg.Engine.DefaultLookbackDays)
	}
	if len(cfg.Engine.ReferenceSymbols) != 1 || cfg.Engine.ReferenceSymbols[0] != "SPY" {
		t.Errorf("ReferenceSymbols = %v, want [SPY]", cfg.Engine.ReferenceSymbols)
	}
	if cfg.Schedule.RefreshCron != "0 3 * * *" {
		t.Errorf("RefreshCron = %q", cfg.Schedule.RefreshCron)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SQLITE_PATH", "/env/path.db")
	t.Setenv("APCA_API_KEY_ID", "key-from-env")
	t.Setenv("LOG_LEVEL", "debug")

	path := writeConfig(t, "storage:\n  data_dir: /data\n  sqlite_path: /data/s.db\nalpaca:\n  api_key: key-from-yaml\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Storage.SQLitePath != "/env/path.db" {
		t.Errorf("SQLitePath = %q, want env override", cfg.Storage.SQLitePath)
	}
	if cfg.Alpaca.APIKey != "key-from-env" {
		t.Errorf("APIKey = %q, want APCA env var to win", cfg.Alpaca.APIKey)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadInvalid(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	// Validation failure: empty sqlite path.
	path := writeConfig(t, "storage:\n  data_dir: /data\n  sqlite_path: \"\"\n")
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for empty sqlite_path")
	}

	// Validation failure: zero risk window.
	path = writeConfig(t, "storage:\n  data_dir: /d\n  sqlite_path: /d/s.db\nengine:\n  risk_window_days: 1\n")
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for risk_window_days < 2")
	}
}
