package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/modelmux/modelmux/internal/tracing"
)

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// DSN builds the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RouterConfig tunes the fallback orchestrator.
type RouterConfig struct {
	MaxAttempts           int  `mapstructure:"max_attempts"`
	WaitOnRateLimit       bool `mapstructure:"wait_on_rate_limit"`
	UserRequestsPerMinute int  `mapstructure:"user_requests_per_minute"`
	SessionContextTurns   int  `mapstructure:"session_context_turns"`
}

// PricingConfig tunes credit conversion.
type PricingConfig struct {
	CreditsPerUSD float64 `mapstructure:"credits_per_usd"`
}

// ProviderConfig holds per-provider credentials and endpoints. API
// keys come from the environment, not the config file.
type ProviderConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	APIKeyEnv string `mapstructure:"api_key_env"`
}

// APIKey resolves the provider API key from the configured env var.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Config is the full application configuration.
type Config struct {
	ListenAddr string                    `mapstructure:"listen_addr"`
	ModelsPath string                    `mapstructure:"models_path"`
	Database   DatabaseConfig            `mapstructure:"database"`
	Redis      RedisConfig               `mapstructure:"redis"`
	Router     RouterConfig              `mapstructure:"router"`
	Pricing    PricingConfig             `mapstructure:"pricing"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Metrics    MetricsConfig             `mapstructure:"metrics"`
	Tracing    tracing.Config            `mapstructure:"tracing"`
}

// Load reads the application config from CONFIG_PATH, defaulting to
// ./config/modelmux.yaml. Defaults keep a bare file workable.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/modelmux.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("models_path", "./config/models.yaml")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", 5*time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("router.max_attempts", 3)
	v.SetDefault("router.session_context_turns", 20)
	v.SetDefault("pricing.credits_per_usd", 100)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// env overrides for secrets and deployment knobs
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Database.Password = pw
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if path := os.Getenv("MODELS_CONFIG_PATH"); path != "" {
		cfg.ModelsPath = path
	}

	return &cfg, nil
}
