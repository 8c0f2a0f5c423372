package config

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GAME_ID", "g1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != 8081 || cfg.StoreBackend != StoreMemory || cfg.BusBackend != BusLocal || cfg.LedgerBackend != LedgerStore {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.RecoveryInterval != 2*time.Second {
		t.Fatalf("recovery interval = %v, want 2s", cfg.RecoveryInterval)
	}
	if cfg.Level() != zerolog.InfoLevel {
		t.Fatalf("level = %v, want info", cfg.Level())
	}
	if cfg.UsesNATS() {
		t.Fatal("default config should not need NATS")
	}
}

func TestLoadGeneratesGameID(t *testing.T) {
	t.Setenv("GAME_ID", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GameID == "" {
		t.Fatal("game id not generated")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("LOG_LEVEL", "loud")
	if _, err := Load(); err == nil {
		t.Fatal("Load accepted an unknown backend and log level")
	}
}

func TestDSN(t *testing.T) {
	d := Database{Host: "db", Port: 6543, User: "u", Password: "p", Name: "trivia", SSLMode: "require"}
	if got, want := d.DSN(), "postgres://u:p@db:6543/trivia?sslmode=require"; got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
	d.URL = "postgres://override"
	if got := d.DSN(); got != "postgres://override" {
		t.Fatalf("DSN with DATABASE_URL = %q", got)
	}
}
