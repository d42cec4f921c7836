package app_test

import (
	"context"
	"os"
	"testing"

	"pledgeline/internal/app"
	"pledgeline/internal/config"
)

func TestInitWritesConfigOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	written, err := app.Init(ctx, dir)
	if err != nil || !written {
		t.Fatalf("init: written=%v err=%v", written, err)
	}
	if err := os.WriteFile(config.Path(dir), []byte("contracts:\n  stake_cap_percent: 50\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	written, err = app.Init(ctx, dir)
	if err != nil || written {
		t.Fatalf("second init: written=%v err=%v", written, err)
	}
	w, err := app.Open(ctx, dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()
	if w.Config.Contracts.StakeCapPercent != 50 || w.Config.Contracts.BonusPercent != 10 {
		t.Fatalf("config not loaded from workspace: %+v", w.Config.Contracts)
	}
	if w.Engine.Config != w.Config {
		t.Fatalf("engine not wired to workspace config")
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte("contracts:\n  stake_cap_percent: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := app.Open(context.Background(), dir, nil); err == nil {
		t.Fatalf("expected invalid config to be rejected")
	}
}
