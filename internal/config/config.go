package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sultanranait/Claraly/internal/platform/medapi"
	"github.com/sultanranait/Claraly/internal/platform/retry"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	MongoURI       string   `mapstructure:"MONGO_URI"`
	MongoDatabase  string   `mapstructure:"MONGO_DATABASE"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	JWTSecret string        `mapstructure:"JWT_SECRET"`
	JWTTTL    time.Duration `mapstructure:"JWT_TTL"`

	MetriportAPIKey     string `mapstructure:"METRIPORT_API_KEY"`
	MetriportWebhookKey string `mapstructure:"METRIPORT_WEBHOOK_KEY"`
	MetriportBaseURL    string `mapstructure:"METRIPORT_BASE_URL"`

	RetryMaxAttempts  int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryInitialDelay time.Duration `mapstructure:"RETRY_INITIAL_DELAY"`
	RetryMaxDelay     time.Duration `mapstructure:"RETRY_MAX_DELAY"`
	PollInterval      time.Duration `mapstructure:"POLL_INTERVAL"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"MONGO_URI", "MONGO_DATABASE", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"JWT_SECRET", "JWT_TTL",
	"METRIPORT_API_KEY", "METRIPORT_WEBHOOK_KEY", "METRIPORT_BASE_URL",
	"RETRY_MAX_ATTEMPTS", "RETRY_INITIAL_DELAY", "RETRY_MAX_DELAY", "POLL_INTERVAL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MONGO_DATABASE", "claraly")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("JWT_TTL", "24h")
	v.SetDefault("RETRY_MAX_ATTEMPTS", retry.DefaultMaxAttempts)
	v.SetDefault("RETRY_INITIAL_DELAY", retry.DefaultInitialDelay.String())
	v.SetDefault("RETRY_MAX_DELAY", retry.DefaultMaxDelay.String())
	v.SetDefault("POLL_INTERVAL", "3s")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// MedAPIBaseURL is the explicit override or the environment's default.
func (c *Config) MedAPIBaseURL() string {
	if c.MetriportBaseURL != "" {
		return c.MetriportBaseURL
	}
	if c.IsProduction() {
		return medapi.ProductionURL
	}
	return medapi.SandboxURL
}

// RetryPolicy builds the retrier policy from RETRY_* settings.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
	}.Normalize()
}

// Validate checks the settings the HTTP server needs.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.IsProduction() && c.MetriportWebhookKey == "" {
		return fmt.Errorf("METRIPORT_WEBHOOK_KEY is required in production")
	}
	if err := c.ValidateMedAPI(); err != nil {
		return err
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

// ValidateMedAPI checks the settings any medical API consumer needs.
func (c *Config) ValidateMedAPI() error {
	if c.MetriportAPIKey == "" {
		return fmt.Errorf("METRIPORT_API_KEY is required")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryInitialDelay <= 0 || c.RetryMaxDelay <= 0 {
		return fmt.Errorf("RETRY_INITIAL_DELAY and RETRY_MAX_DELAY must be positive")
	}
	if c.RetryMaxDelay < c.RetryInitialDelay {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) must not be below RETRY_INITIAL_DELAY (%s)", c.RetryMaxDelay, c.RetryInitialDelay)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("POLL_INTERVAL must not be negative")
	}
	return nil
}
