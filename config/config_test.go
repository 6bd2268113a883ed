package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chaos-exchange/internal/vault"
)

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8080 || cfg.Database.Driver != DriverMemory || cfg.Leader.Mode != LeaderStatic {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Generator.TickInterval != time.Second || cfg.Chaos.DefaultLevel != 50 || cfg.Trading.MaxLeverage != 100 {
		t.Errorf("domain defaults = %+v %+v %+v", cfg.Generator, cfg.Chaos, cfg.Trading)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 9090
chaos:
  default_level: 70
trading:
  max_leverage: 50
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHAOS_TRADING_MAX_LEVERAGE", "25")
	t.Setenv("CHAOS_GENERATOR_TICK_INTERVAL", "500ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 9090 || cfg.Chaos.DefaultLevel != 70 {
		t.Errorf("file values not applied: %+v %+v", cfg.Server, cfg.Chaos)
	}
	if cfg.Trading.MaxLeverage != 25 {
		t.Errorf("env override max_leverage = %d, want 25", cfg.Trading.MaxLeverage)
	}
	if cfg.Generator.TickInterval != 500*time.Millisecond {
		t.Errorf("tick interval = %s", cfg.Generator.TickInterval)
	}
}

func validConfig() Config {
	return Config{
		Server:    ServerConfig{Port: 8080},
		Database:  DatabaseConfig{Driver: DriverMemory},
		Leader:    LeaderConfig{Mode: LeaderStatic},
		Generator: GeneratorConfig{TickInterval: time.Second, AggregateInterval: time.Minute},
		Chaos:     ChaosConfig{DefaultLevel: 50},
		Trading:   TradingConfig{MaxLeverage: 100, LiquidationBuffer: 0.02},
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"max leverage below one", func(c *Config) { c.Trading.MaxLeverage = 0 }, "max_leverage"},
		{"negative buffer", func(c *Config) { c.Trading.LiquidationBuffer = -0.1 }, "liquidation_buffer"},
		{"zero tick", func(c *Config) { c.Generator.TickInterval = 0 }, "tick_interval"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "sqlite" }, "database.driver"},
		{"redis leader without redis", func(c *Config) { c.Leader.Mode = LeaderRedis }, "redis.enabled"},
		{"chaos out of range", func(c *Config) { c.Chaos.DefaultLevel = 101 }, "default_level"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.field == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.field) {
				t.Errorf("error = %v, want mention of %s", err, tc.field)
			}
		})
	}
}

type fakeSecrets struct {
	secrets vault.Secrets
	err     error
}

func (f fakeSecrets) ReadSecrets(context.Context) (*vault.Secrets, error) {
	return &f.secrets, f.err
}

func TestApplySecretsFillsOnlyEmptyValues(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.JWTSecret = "from-env"

	err := cfg.applySecrets(context.Background(), fakeSecrets{secrets: vault.Secrets{
		DatabasePassword: "pg",
		JWTSecret:        "from-vault",
		AdminKeyHash:     "$2a$hash",
	}})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("vault overwrote an explicit secret: %q", cfg.Auth.JWTSecret)
	}
	if cfg.Database.Password != "pg" || cfg.Auth.AdminKeyHash != "$2a$hash" {
		t.Errorf("secrets not applied: %+v %+v", cfg.Database, cfg.Auth)
	}

	boom := errors.New("sealed")
	if err := cfg.applySecrets(context.Background(), fakeSecrets{err: boom}); !errors.Is(err, boom) {
		t.Errorf("error = %v", err)
	}
}
