package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pledgeline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Contracts.StakeCapPercent != 20 || cfg.Contracts.BonusPercent != 10 {
		t.Fatalf("unexpected defaults: %+v", cfg.Contracts)
	}
	if cfg.Contracts.DefaultCoolingOffHours != 24 || cfg.Contracts.DefaultPauseDays != 7 {
		t.Fatalf("unexpected defaults: %+v", cfg.Contracts)
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("contracts:\n  bonus_percent: 25\n  timezone: UTC\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Contracts.BonusPercent != 25 {
		t.Fatalf("bonus_percent not applied")
	}
	if cfg.Contracts.StakeCapPercent != 20 {
		t.Fatalf("stake cap default lost")
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "UTC" {
		t.Fatalf("location: %v %v", loc, err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"cap":      "contracts:\n  stake_cap_percent: 0\n",
		"bonus":    "contracts:\n  bonus_percent: -1\n",
		"pause":    "contracts:\n  default_pause_days: 0\n",
		"timezone": "contracts:\n  timezone: Nowhere/Atlantis\n",
		"basepath": "server:\n  base_path: v0\n",
		"busy":     "storage:\n  busy_timeout_ms: -1\n",
		"journal":  "storage:\n  journal_mode: off\n",
	}
	for name, doc := range cases {
		if _, err := config.FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestStorageSettings(t *testing.T) {
	cfg, err := config.FromYAML([]byte("storage:\n  busy_timeout_ms: 250\n"))
	if err != nil {
		t.Fatal(err)
	}
	dbc := cfg.DB("/ws")
	if dbc.Workspace != "/ws" || dbc.BusyTimeout != 250*time.Millisecond || dbc.JournalMode != "wal" {
		t.Fatalf("db config: %+v", dbc)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Contracts.DefaultGraceDays != 1 {
		t.Fatalf("expected default config")
	}
	if _, err := config.Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "pledgeline.yml"), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(dir); err != nil {
		t.Fatalf("load generated: %v", err)
	}
}
