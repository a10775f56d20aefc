package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FLEETGATE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Fleet.PoolType != "AgentSet" {
		t.Fatalf("expected default pool type AgentSet, got %q", cfg.Fleet.PoolType)
	}
	if cfg.Fleet.MaxAgentsPerPool != 10 {
		t.Fatalf("expected default pool capacity 10, got %d", cfg.Fleet.MaxAgentsPerPool)
	}
	if !cfg.Web.Enabled {
		t.Fatal("expected web enabled by default")
	}
}

func TestLoad_FileAndEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetgate.yaml")
	content := `
registry:
  url: http://registry:7000
  token: ${TEST_REGISTRY_TOKEN}
  timeout: 5s
fleet:
  max_agents_per_pool: 3
  default_pool_url: pool-0:9001
web:
  port: 9090
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLEETGATE_CONFIG", path)
	t.Setenv("TEST_REGISTRY_TOKEN", "sekrit")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Registry.URL != "http://registry:7000" {
		t.Fatalf("unexpected registry url %q", cfg.Registry.URL)
	}
	if cfg.Registry.Token != "sekrit" {
		t.Fatalf("expected env-expanded token, got %q", cfg.Registry.Token)
	}
	if cfg.Registry.Timeout != 5*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.Registry.Timeout)
	}
	if cfg.Fleet.MaxAgentsPerPool != 3 {
		t.Fatalf("unexpected capacity %d", cfg.Fleet.MaxAgentsPerPool)
	}
	if cfg.Web.Port != 9090 {
		t.Fatalf("unexpected web port %d", cfg.Web.Port)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FLEETGATE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("FLEETGATE_DEFAULT_POOL_URL", "fallback:9100")
	t.Setenv("FLEETGATE_WEB_PORT", "8181")
	t.Setenv("FLEETGATE_STORE_PATH", "/tmp/x.db")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Fleet.DefaultPoolURL != "fallback:9100" {
		t.Fatalf("env override not applied: %q", cfg.Fleet.DefaultPoolURL)
	}
	if cfg.Web.Port != 8181 {
		t.Fatalf("env override not applied: %d", cfg.Web.Port)
	}
	if cfg.Store.Path != "/tmp/x.db" {
		t.Fatalf("env override not applied: %q", cfg.Store.Path)
	}
}
