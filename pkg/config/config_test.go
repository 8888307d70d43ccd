package config

import (
	"testing"

	"github.com/rnowrang/ai-lab-platform-sub000/pkg/model"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.HTTPPort != 8080 {
		t.Fatalf("expected default http port 8080, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Ledger.Driver != "file" {
		t.Fatalf("expected file ledger driver, got %q", cfg.Ledger.Driver)
	}
	if cfg.Runtime.Driver != "docker" {
		t.Fatalf("expected docker runtime driver, got %q", cfg.Runtime.Driver)
	}
	if cfg.Runtime.NamePrefix != "ailab-env-" {
		t.Fatalf("unexpected name prefix %q", cfg.Runtime.NamePrefix)
	}
	if cfg.Allocator.PortRangeStart != 8800 || cfg.Allocator.PortRangeEnd != 8999 {
		t.Fatalf("unexpected port range %d-%d", cfg.Allocator.PortRangeStart, cfg.Allocator.PortRangeEnd)
	}
	if cfg.Reconciler.DefaultOwner != "unowned@system" {
		t.Fatalf("unexpected default owner %q", cfg.Reconciler.DefaultOwner)
	}
}

func TestQuotaPoliciesMergeOverrides(t *testing.T) {
	cfg := &Config{
		Quotas: map[string]model.QuotaPolicy{
			"default": {MaxEnvironments: 3, MaxGPUs: 1, MaxMemoryMB: 8192},
			"vip":     {MaxEnvironments: 20, MaxGPUs: 16, MaxMemoryMB: 524288},
		},
	}

	policies := cfg.QuotaPolicies()
	if policies[model.TierDefault].MaxEnvironments != 3 {
		t.Fatalf("override not applied: %+v", policies[model.TierDefault])
	}
	if policies[model.TierPremium] != model.DefaultQuotaPolicies()[model.TierPremium] {
		t.Fatalf("untouched tier changed: %+v", policies[model.TierPremium])
	}
	if policies[model.QuotaTier("vip")].MaxGPUs != 16 {
		t.Fatalf("new tier not merged: %+v", policies[model.QuotaTier("vip")])
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := DatabaseConfig{
		Host:     "db.internal",
		Port:     5432,
		User:     "erm",
		Password: "secret",
		Database: "erm",
		SSLMode:  "disable",
	}

	want := "host=db.internal port=5432 user=erm password=secret dbname=erm sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Fatalf("unexpected dsn %q", got)
	}
}
