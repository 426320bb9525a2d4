package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const operatorHex = "0x000000000000000000000000000000000000000f"

func validConfig() Config {
	cfg := Defaults()
	cfg.Ledger.OperatorAddress = operatorHex
	return cfg
}

func TestDefaultsValidateWithOperator(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with operator should validate: %v", err)
	}
	if cfg.Mode != "full" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults: mode=%q log_level=%q", cfg.Mode, cfg.LogLevel)
	}
	if cfg.Coupon.DistributeInterval.Duration != 15*time.Minute {
		t.Fatalf("distribute_interval = %s, want 15m", cfg.Coupon.DistributeInterval.Duration)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"missing operator", func(c *Config) { c.Ledger.OperatorAddress = "" }, "operator_address must be set"},
		{"malformed operator", func(c *Config) { c.Ledger.OperatorAddress = "not-an-address" }, "not a valid hex address"},
		{"unknown mode", func(c *Config) { c.Mode = "replay" }, "unknown mode"},
		{"unknown log level", func(c *Config) { c.LogLevel = "trace" }, "unknown log_level"},
		{"fee rate above cap", func(c *Config) { c.Market.FeeRateBps = 1001 }, "fee_rate_bps"},
		{"bad fee collector", func(c *Config) { c.Market.FeeCollector = "zzz" }, "fee_collector"},
		{"zero distribute interval", func(c *Config) { c.Coupon.DistributeInterval.Duration = 0 }, "distribute_interval"},
		{"bad postgres port", func(c *Config) { c.Postgres.Port = 70000 }, "postgres: port"},
		{"pool min above max", func(c *Config) { c.Postgres.PoolMinConns = 50 }, "pool_min_conns"},
		{"empty redis addr", func(c *Config) { c.Redis.Addr = "" }, "redis: addr"},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true; c.S3.Bucket = "" }, "s3: bucket"},
		{"bad server port", func(c *Config) { c.Server.Port = 0 }, "server: port"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Fatalf("error %q does not mention %q", err, tc.wantMsg)
			}
		})
	}
}

func TestValidateDSNBypassesHostChecks(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = "postgres://u:p@db:5432/bonds"
	cfg.Postgres.Host = ""
	cfg.Postgres.Port = 0
	cfg.Postgres.Database = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("dsn should stand in for host/port/database: %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "serve"
log_level = "debug"

[ledger]
operator_address = "` + operatorHex + `"

[market]
fee_rate_bps = 25

[coupon]
distribute_interval = "5m"

[server]
port = 9090
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != "serve" || cfg.LogLevel != "debug" {
		t.Fatalf("mode=%q log_level=%q", cfg.Mode, cfg.LogLevel)
	}
	if cfg.Market.FeeRateBps != 25 {
		t.Fatalf("fee_rate_bps = %d, want 25", cfg.Market.FeeRateBps)
	}
	if cfg.Coupon.DistributeInterval.Duration != 5*time.Minute {
		t.Fatalf("distribute_interval = %s, want 5m", cfg.Coupon.DistributeInterval.Duration)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("server port = %d, want 9090", cfg.Server.Port)
	}
	// Untouched sections keep their defaults.
	if cfg.Postgres.Host != "localhost" || cfg.Postgres.Port != 5432 {
		t.Fatalf("postgres defaults lost: %+v", cfg.Postgres)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config should validate: %v", err)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[ledger]
operator_address = "` + operatorHex + `"

[redis]
addr = "file-redis:6379"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BONDLEDGER_REDIS_ADDR", "env-redis:6380")
	t.Setenv("BONDLEDGER_POSTGRES_PASSWORD", "hunter2")
	t.Setenv("BONDLEDGER_MARKET_FEE_RATE_BPS", "50")
	t.Setenv("BONDLEDGER_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("BONDLEDGER_NOTIFY_EVENTS", "archive.failed,coupon.distribute_failed")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Redis.Addr != "env-redis:6380" {
		t.Fatalf("redis addr = %q, want env override", cfg.Redis.Addr)
	}
	if cfg.Postgres.Password != "hunter2" {
		t.Fatalf("postgres password not overridden")
	}
	if cfg.Market.FeeRateBps != 50 {
		t.Fatalf("fee_rate_bps = %d, want 50", cfg.Market.FeeRateBps)
	}
	wantOrigins := []string{"https://a.example", "https://b.example"}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[0] != wantOrigins[0] || cfg.Server.CORSOrigins[1] != wantOrigins[1] {
		t.Fatalf("cors origins = %v, want %v", cfg.Server.CORSOrigins, wantOrigins)
	}
	if len(cfg.Notify.Events) != 2 || cfg.Notify.Events[0] != "archive.failed" {
		t.Fatalf("notify events = %v", cfg.Notify.Events)
	}
}

func TestRedactedConfigMasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "pg-secret"
	cfg.Postgres.DSN = "postgres://u:p@db/bonds"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.AccessKey = "AKIA123"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.APIKey = "api-secret"
	cfg.Notify.TelegramToken = "tg-token"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"

	red := RedactedConfig(&cfg)

	for name, got := range map[string]string{
		"postgres password": red.Postgres.Password,
		"postgres dsn":      red.Postgres.DSN,
		"redis password":    red.Redis.Password,
		"s3 access key":     red.S3.AccessKey,
		"s3 secret key":     red.S3.SecretKey,
		"server api key":    red.Server.APIKey,
		"telegram token":    red.Notify.TelegramToken,
		"discord webhook":   red.Notify.DiscordWebhookURL,
	} {
		if got != "***" {
			t.Errorf("%s not redacted: %q", name, got)
		}
	}

	// Originals are untouched and empty secrets stay empty.
	if cfg.Postgres.Password != "pg-secret" {
		t.Fatal("redaction mutated the source config")
	}
	cfg2 := validConfig()
	if red2 := RedactedConfig(&cfg2); red2.Server.APIKey != "" {
		t.Fatalf("empty api key became %q", red2.Server.APIKey)
	}

	// The redacted copy must not alias the original's slices.
	red.Server.CORSOrigins[0] = "mutated"
	if cfg.Server.CORSOrigins[0] == "mutated" {
		t.Fatal("redacted copy shares the cors origins slice")
	}
}
