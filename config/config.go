package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chaos-exchange/internal/logging"
	"chaos-exchange/internal/vault"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Leader election modes.
const (
	LeaderStatic = "static"
	LeaderRedis  = "redis"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Leader    LeaderConfig    `mapstructure:"leader"`
	Chaos     ChaosConfig     `mapstructure:"chaos"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Bots      BotsConfig      `mapstructure:"bots"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   logging.Config  `mapstructure:"logging"`
	Vault     vault.Config    `mapstructure:"vault"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	RateLimit       float64       `mapstructure:"rate_limit"` // requests per second per client
	RateBurst       int           `mapstructure:"rate_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // memory or postgres
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig holds Redis configuration for leader election and fan-out
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type GeneratorConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	AggregateInterval time.Duration `mapstructure:"aggregate_interval"`
	SymbolTimeout     time.Duration `mapstructure:"symbol_timeout"`
	Concurrency       int           `mapstructure:"concurrency"`
	HistorySeconds    int           `mapstructure:"history_seconds"`
	MaxBucketsPerRun  int           `mapstructure:"max_buckets_per_run"`
	Seed              uint64        `mapstructure:"seed"`
}

type LeaderConfig struct {
	Mode       string        `mapstructure:"mode"` // static or redis
	InstanceID string        `mapstructure:"instance_id"`
	Key        string        `mapstructure:"key"`
	LeaseTTL   time.Duration `mapstructure:"lease_ttl"`
	// IsLeader fixes leadership in static mode.
	IsLeader bool `mapstructure:"is_leader"`
}

type ChaosConfig struct {
	DefaultLevel    int           `mapstructure:"default_level"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type TradingConfig struct {
	MaxLeverage       int     `mapstructure:"max_leverage"`
	LiquidationBuffer float64 `mapstructure:"liquidation_buffer"`
	StartingBalance   float64 `mapstructure:"starting_balance"`
}

type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type BotsConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	TokenDuration time.Duration `mapstructure:"token_duration"`
	Issuer        string        `mapstructure:"issuer"`
	AdminKeyHash  string        `mapstructure:"admin_key_hash"`
}

// Load reads .env, the optional config file and CHAOS_* environment
// variables, then fills empty secrets from Vault when it is enabled.
func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/chaos-exchange")
	}

	v.SetEnvPrefix("CHAOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Vault.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := vault.NewClient(cfg.Vault)
		if err != nil {
			return nil, err
		}
		if err := cfg.applySecrets(ctx, client); err != nil {
			return nil, fmt.Errorf("error loading secrets from vault: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "chaos")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "chaos_exchange")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 25)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("generator.tick_interval", time.Second)
	v.SetDefault("generator.aggregate_interval", time.Minute)
	v.SetDefault("generator.symbol_timeout", 800*time.Millisecond)
	v.SetDefault("generator.concurrency", 8)
	v.SetDefault("generator.history_seconds", 3600)
	v.SetDefault("generator.max_buckets_per_run", 1000)
	v.SetDefault("generator.seed", 0)

	v.SetDefault("leader.mode", LeaderStatic)
	v.SetDefault("leader.instance_id", "")
	v.SetDefault("leader.key", "chaos:generator:leader")
	v.SetDefault("leader.lease_ttl", 15*time.Second)
	v.SetDefault("leader.is_leader", true)

	v.SetDefault("chaos.default_level", 50)
	v.SetDefault("chaos.refresh_interval", 5*time.Second)

	v.SetDefault("trading.max_leverage", 100)
	v.SetDefault("trading.liquidation_buffer", 0.02)
	v.SetDefault("trading.starting_balance", 10000.0)

	v.SetDefault("monitor.enabled", true)

	v.SetDefault("bots.enabled", true)
	v.SetDefault("bots.interval", 5*time.Second)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_duration", 24*time.Hour)
	v.SetDefault("auth.issuer", "chaos-exchange")
	v.SetDefault("auth.admin_key_hash", "")

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.json_format", true)
	v.SetDefault("logging.include_file", false)
	v.SetDefault("logging.component", "")

	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "http://127.0.0.1:8200")
	v.SetDefault("vault.token", "")
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.secret_path", "chaos-exchange")
	v.SetDefault("vault.tls_enabled", false)
	v.SetDefault("vault.ca_cert", "")
}

// secretSource is satisfied by *vault.Client.
type secretSource interface {
	ReadSecrets(ctx context.Context) (*vault.Secrets, error)
}

// applySecrets fills credentials left empty by file and environment.
func (c *Config) applySecrets(ctx context.Context, src secretSource) error {
	s, err := src.ReadSecrets(ctx)
	if err != nil {
		return err
	}
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&c.Database.Password, s.DatabasePassword)
	fill(&c.Redis.Password, s.RedisPassword)
	fill(&c.Auth.JWTSecret, s.JWTSecret)
	fill(&c.Auth.AdminKeyHash, s.AdminKeyHash)
	return nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case DriverMemory, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	switch c.Leader.Mode {
	case LeaderStatic:
	case LeaderRedis:
		if !c.Redis.Enabled {
			errs = append(errs, errors.New("leader.mode redis requires redis.enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown leader.mode %q", c.Leader.Mode))
	}
	if c.Generator.TickInterval <= 0 {
		errs = append(errs, errors.New("generator.tick_interval must be positive"))
	}
	if c.Generator.AggregateInterval <= 0 {
		errs = append(errs, errors.New("generator.aggregate_interval must be positive"))
	}
	if c.Chaos.DefaultLevel < 0 || c.Chaos.DefaultLevel > 100 {
		errs = append(errs, fmt.Errorf("chaos.default_level %d outside [0, 100]", c.Chaos.DefaultLevel))
	}
	if c.Trading.MaxLeverage < 1 {
		errs = append(errs, fmt.Errorf("trading.max_leverage %d must be at least 1", c.Trading.MaxLeverage))
	}
	if c.Trading.LiquidationBuffer < 0 {
		errs = append(errs, errors.New("trading.liquidation_buffer must not be negative"))
	}
	if c.Trading.StartingBalance < 0 {
		errs = append(errs, errors.New("trading.starting_balance must not be negative"))
	}
	if c.Bots.Enabled && c.Bots.Interval <= 0 {
		errs = append(errs, errors.New("bots.interval must be positive"))
	}
	return errors.Join(errs...)
}
