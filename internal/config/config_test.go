package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestLoadDefaultsForDevProfile(t *testing.T) {
	cfg, err := Load("duckgate-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Engine.MaxConnections != 5 {
		t.Fatalf("Engine.MaxConnections = %d", cfg.Engine.MaxConnections)
	}
	if cfg.Engine.AcquireTimeout != 5*time.Second {
		t.Fatalf("Engine.AcquireTimeout = %s", cfg.Engine.AcquireTimeout)
	}
	if cfg.Cache.MaxSize != 256 {
		t.Fatalf("Cache.MaxSize = %d", cfg.Cache.MaxSize)
	}
	if cfg.RateLimit.MaxCalls != 30 {
		t.Fatalf("RateLimit.MaxCalls = %d", cfg.RateLimit.MaxCalls)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.History.Enabled {
		t.Fatal("History.Enabled should default to false")
	}
	if !cfg.Executor.StrictTables {
		t.Fatal("Executor.StrictTables should default to true")
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	cfg, err := Load("duckgate-api", mapLookup(map[string]string{"DUCKGATE_PROFILE": "prod"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.Export.UseSSL {
		t.Fatal("Export.UseSSL should default to true in prod")
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	cfg, err := Load("duckgate-api", mapLookup(map[string]string{
		"DUCKGATE_DATABASE_PATH":            "/data/warehouse.duckdb",
		"DUCKGATE_MAX_CONNECTIONS":          "8",
		"DUCKGATE_ACQUIRE_TIMEOUT":          "750ms",
		"DUCKGATE_CACHE_DEFAULT_TTL":        "90s",
		"DUCKGATE_RATE_LIMIT_MAX_CALLS":     "10",
		"DUCKGATE_RATE_LIMIT_WINDOW":        "30s",
		"DUCKGATE_ALLOWED_TABLES":           "sales, customers ,orders",
		"DUCKGATE_ALLOWED_COLUMN_PREFIXES":  "amount_,customer_",
		"DUCKGATE_COALESCE_QUERIES":         "true",
		"DUCKGATE_HISTORY_ENABLED":          "true",
		"DUCKGATE_HISTORY_DSN":              "postgres://localhost/duckgate",
	}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.DatabasePath != "/data/warehouse.duckdb" {
		t.Fatalf("DatabasePath = %q", cfg.Engine.DatabasePath)
	}
	if cfg.Engine.AcquireTimeout != 750*time.Millisecond {
		t.Fatalf("AcquireTimeout = %s", cfg.Engine.AcquireTimeout)
	}
	if len(cfg.Schema.Tables) != 3 || cfg.Schema.Tables[1] != "customers" {
		t.Fatalf("Schema.Tables = %v", cfg.Schema.Tables)
	}
	if !cfg.Executor.Coalesce {
		t.Fatal("Coalesce override not applied")
	}
	if !cfg.History.Enabled || cfg.History.DSN == "" {
		t.Fatalf("History = %+v", cfg.History)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad profile":  {"DUCKGATE_PROFILE": "staging"},
		"bad duration": {"DUCKGATE_ACQUIRE_TIMEOUT": "soon"},
		"bad int":      {"DUCKGATE_MAX_CONNECTIONS": "many"},
		"bad bool":     {"DUCKGATE_AUTH_REQUIRED": "yep"},
		"bad level":    {"DUCKGATE_LOG_LEVEL": "loud"},
	}
	for name, env := range cases {
		if _, err := Load("duckgate-api", mapLookup(env)); err == nil {
			t.Errorf("%s: Load() should fail", name)
		}
	}
}

func TestValidateListsEveryInvalidField(t *testing.T) {
	_, err := Load("duckgate-api", mapLookup(map[string]string{
		"DUCKGATE_MAX_CONNECTIONS":      "0",
		"DUCKGATE_CACHE_MAX_SIZE":       "0",
		"DUCKGATE_RATE_LIMIT_MAX_CALLS": "0",
	}))
	if err == nil {
		t.Fatal("Load() should fail")
	}
	for _, field := range []string{"DUCKGATE_MAX_CONNECTIONS", "DUCKGATE_CACHE_MAX_SIZE", "DUCKGATE_RATE_LIMIT_MAX_CALLS"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not mention %s", err.Error(), field)
		}
	}
}

func TestHistoryRequiresDSNWhenEnabled(t *testing.T) {
	_, err := Load("duckgate-api", mapLookup(map[string]string{"DUCKGATE_HISTORY_ENABLED": "true"}))
	if err == nil || !strings.Contains(err.Error(), "DUCKGATE_HISTORY_DSN") {
		t.Fatalf("error = %v, want DSN requirement", err)
	}
}
