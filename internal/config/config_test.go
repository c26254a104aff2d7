package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"warroom/internal/db"
	"warroom/internal/migrate"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	doc := []byte(`
coordinator:
  auto_execute: false
scheduler:
  static_max: 2
router:
  cooldown: 10s
`)
	cfg, err := FromYAML(doc)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Coordinator.AutoExecute {
		t.Fatal("auto_execute override ignored")
	}
	if cfg.Scheduler.StaticMax != 2 {
		t.Fatalf("static_max = %d", cfg.Scheduler.StaticMax)
	}
	if cfg.Router.Cooldown != 10*time.Second {
		t.Fatalf("cooldown = %s", cfg.Router.Cooldown)
	}
	// Untouched fields keep their defaults.
	if cfg.Scheduler.MaxAttempts != 3 || cfg.RateLimit.Burst != 20 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestValidateRejectsBadRateOrdering(t *testing.T) {
	cfg := Default()
	cfg.Router.WarnRate = 0.5
	cfg.Router.CriticalRate = 0.3
	if err := cfg.Validate(); err == nil {
		t.Fatal("warn >= critical should fail validation")
	}

	cfg = Default()
	cfg.Router.CircuitBreakerRate = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("breaker rate above 1 should fail validation")
	}

	cfg = Default()
	cfg.Monitor.MaxParallel = 1
	cfg.Monitor.MinParallel = 4
	if err := cfg.Validate(); err == nil {
		t.Fatal("max_parallel below min_parallel should fail validation")
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Coordinator.AutoExecute || cfg.Server.Addr != ":7777" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	doc := []byte("server:\n  addr: \":9999\"\n")
	if err := os.WriteFile(filepath.Join(dir, "warroom.yml"), doc, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
}

func TestSaveDBRoundTrip(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if got, err := LoadDB(ctx, conn); err != nil || got != nil {
		t.Fatalf("expected no stored config, got %+v err %v", got, err)
	}

	cfg := Default()
	cfg.Coordinator.DefaultPlan = "bugfix"
	cfg.Scheduler.StaticMax = 6
	if err := SaveDB(ctx, conn, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := LoadDB(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Coordinator.DefaultPlan != "bugfix" || got.Scheduler.StaticMax != 6 {
		t.Fatalf("round trip lost values: %+v", got)
	}

	// Re-import overwrites the stored row.
	cfg.Scheduler.StaticMax = 8
	if err := SaveDB(ctx, conn, cfg); err != nil {
		t.Fatal(err)
	}
	got, err = LoadDB(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	if got.Scheduler.StaticMax != 8 {
		t.Fatalf("upsert did not overwrite: %+v", got)
	}
}
