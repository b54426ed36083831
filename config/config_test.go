package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stratum.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	if cfg.Protocol.LTVBps != 5_000 {
		t.Fatalf("unexpected default LTV: %d", cfg.Protocol.LTVBps)
	}
	if cfg.AdminJWTSecret == "" {
		t.Fatalf("expected generated admin secret")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.AdminJWTSecret != cfg.AdminJWTSecret {
		t.Fatalf("secret not persisted")
	}
}

func TestLoadRejectsBadLTV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stratum.toml")
	raw := strings.Join([]string{
		`ListenAddress = ":8080"`,
		`[Protocol]`,
		`PriceFeedID = "btc-usd"`,
		`MaxPriceAgeSeconds = 60`,
		`LTVBps = 10000`,
	}, "\n")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadFillsSymbolDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stratum.toml")
	raw := strings.Join([]string{
		`ListenAddress = ":9000"`,
		`[Protocol]`,
		`PriceFeedID = "btc-usd"`,
		`MaxPriceAgeSeconds = 30`,
		`LTVBps = 4000`,
	}, "\n")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Protocol.CollateralSymbol != "BTC" || cfg.Protocol.DebtSymbol != "BMUSD" {
		t.Fatalf("symbol defaults not applied: %+v", cfg.Protocol)
	}
	if cfg.DataDir != "./stratum-data" {
		t.Fatalf("data dir default not applied: %s", cfg.DataDir)
	}
}
