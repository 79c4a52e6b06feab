package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port                 string        `mapstructure:"PORT"`
	Env                  string        `mapstructure:"ENV"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	OverdueSweepInterval time.Duration `mapstructure:"OVERDUE_SWEEP_INTERVAL"`
	InvoicePrefix        string        `mapstructure:"INVOICE_PREFIX"`
	PaymentPrefix        string        `mapstructure:"PAYMENT_PREFIX"`
	RequestTimeout       time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit            string        `mapstructure:"BODY_LIMIT"`
	AuthMode             string        `mapstructure:"AUTH_MODE"`
	AuthIssuer           string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience         string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL          string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey       string        `mapstructure:"AUTH_SIGNING_KEY"`
}

const (
	// AuthModeHeader trusts X-Actor-ID from an authenticating gateway.
	AuthModeHeader = "header"
	AuthModeJWT    = "jwt"
)

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OVERDUE_SWEEP_INTERVAL", "1h")
	v.SetDefault("INVOICE_PREFIX", "INV")
	v.SetDefault("PAYMENT_PREFIX", "PAY")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("OVERDUE_SWEEP_INTERVAL")
	v.BindEnv("INVOICE_PREFIX")
	v.BindEnv("PAYMENT_PREFIX")
	v.BindEnv("REQUEST_TIMEOUT")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("AUTH_MODE")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_SIGNING_KEY")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE, defaulting to header auth in
// development and JWT everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return AuthModeHeader
	}
	return AuthModeJWT
}

// Level parses LOG_LEVEL, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Document number prefixes end up in a VARCHAR(8) key column and in the
// printed number, so keep them short and plain.
var prefixPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,7}$`)

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !prefixPattern.MatchString(c.InvoicePrefix) {
		return fmt.Errorf("INVOICE_PREFIX must be 1-8 upper-case letters or digits, got %q", c.InvoicePrefix)
	}
	if !prefixPattern.MatchString(c.PaymentPrefix) {
		return fmt.Errorf("PAYMENT_PREFIX must be 1-8 upper-case letters or digits, got %q", c.PaymentPrefix)
	}
	if c.InvoicePrefix == c.PaymentPrefix {
		return fmt.Errorf("INVOICE_PREFIX and PAYMENT_PREFIX must differ, both are %q", c.InvoicePrefix)
	}
	if c.OverdueSweepInterval < 0 {
		return fmt.Errorf("OVERDUE_SWEEP_INTERVAL must not be negative, got %s", c.OverdueSweepInterval)
	}
	if c.OverdueSweepInterval > 0 && c.OverdueSweepInterval < time.Minute {
		return fmt.Errorf("OVERDUE_SWEEP_INTERVAL must be at least 1m or 0 to disable, got %s", c.OverdueSweepInterval)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}
	switch c.ResolvedAuthMode() {
	case AuthModeHeader:
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE %q is not allowed in production", AuthModeHeader)
		}
	case AuthModeJWT:
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_MODE %q requires AUTH_JWKS_URL or AUTH_SIGNING_KEY", AuthModeJWT)
		}
		if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q or %q, got %q", AuthModeHeader, AuthModeJWT, c.AuthMode)
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
	}
	return nil
}
