package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains the service configuration read from the environment.
type Config struct {
	AppEnv      string      `env:"APP_ENV" envDefault:"development"`
	LogLevel    string      `env:"LOG_LEVEL" envDefault:"info"`
	FrontendURL string      `env:"FRONTEND_URL" envDefault:"http://localhost:3001"`
	HTTP        HTTP        `envPrefix:"HTTP_"`
	Database    Database    `envPrefix:"DB_"`
	Redis       Redis       `envPrefix:"REDIS_"`
	Session     Session     `envPrefix:"SESSION_"`
	Login       Login       `envPrefix:"LOGIN_"`
	Alerts      Alerts      `envPrefix:"ALERT_"`
	OAuth       OAuth       `envPrefix:"OAUTH_"`
	CSRF        CSRF        `envPrefix:"CSRF_"`
	Maintenance Maintenance `envPrefix:"MAINTENANCE_"`
	Admin       Admin       `envPrefix:"ADMIN_"`
	SentryDSN   string      `env:"SENTRY_DSN"`
}

// HTTP contains listener parameters.
type HTTP struct {
	Port              string        `env:"PORT" envDefault:"8080"`
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	// TrustForwardedFor honours X-Forwarded-For; enable only behind a proxy
	// that overwrites the header.
	TrustForwardedFor bool `env:"TRUST_FORWARDED_FOR" envDefault:"false"`
}

// Database contains relational store parameters.
type Database struct {
	URL             string        `env:"URL,notEmpty"`
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m"`
	ConnMaxIdleTime time.Duration `env:"CONN_MAX_IDLE_TIME" envDefault:"10m"`
	RunMigrations   bool          `env:"RUN_MIGRATIONS" envDefault:"true"`
}

// Redis switches the shared stores to redis when URL is set.
type Redis struct {
	URL    string `env:"URL"`
	Prefix string `env:"PREFIX" envDefault:"vs"`
}

type Session struct {
	Secret string        `env:"SECRET,notEmpty"`
	TTL    time.Duration `env:"TTL" envDefault:"1h"`
}

type Login struct {
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	Window          time.Duration `env:"WINDOW" envDefault:"10m"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	RateLimitPerMin int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"30"`
}

type Alerts struct {
	Threshold int    `env:"THRESHOLD" envDefault:"3"`
	Dedupe    string `env:"DEDUPE" envDefault:"window"`
}

type OAuth struct {
	StateTTL           time.Duration `env:"STATE_TTL" envDefault:"10m"`
	ProviderTimeout    time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	TrustProviderEmail bool          `env:"TRUST_PROVIDER_EMAIL" envDefault:"false"`
	Google             Provider      `envPrefix:"GOOGLE_"`
	GitHub             Provider      `envPrefix:"GITHUB_"`
}

// Provider is enabled only when ClientID is set.
type Provider struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	RedirectURI  string `env:"REDIRECT_URI"`
}

func (p Provider) Enabled() bool {
	return strings.TrimSpace(p.ClientID) != ""
}

type CSRF struct {
	TokenTTL     time.Duration `env:"TOKEN_TTL" envDefault:"2h"`
	SecureCookie bool          `env:"SECURE_COOKIE" envDefault:"true"`
}

type Maintenance struct {
	CronSecret        string        `env:"CRON_SECRET"`
	AuditLogRetention time.Duration `env:"AUDIT_LOG_RETENTION" envDefault:"720h"`
	BatchSize         int           `env:"BATCH_SIZE" envDefault:"500"`
}

type Admin struct {
	Email    string `env:"EMAIL"`
	Password string `env:"PASSWORD"`
}

// NewConfig loads configuration from environment variables.
func NewConfig() (*Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Alerts.Dedupe {
	case "window", "none":
	default:
		return fmt.Errorf("invalid ALERT_DEDUPE %q: want window or none", c.Alerts.Dedupe)
	}
	if c.Login.Window <= 0 {
		return fmt.Errorf("LOGIN_WINDOW must be positive")
	}
	if c.Alerts.Threshold <= 0 || c.Login.MaxAttempts <= 0 {
		return fmt.Errorf("ALERT_THRESHOLD and LOGIN_MAX_ATTEMPTS must be positive")
	}
	if c.Alerts.Threshold > c.Login.MaxAttempts {
		return fmt.Errorf("ALERT_THRESHOLD (%d) must not exceed LOGIN_MAX_ATTEMPTS (%d)", c.Alerts.Threshold, c.Login.MaxAttempts)
	}
	if (c.Admin.Email == "") != (c.Admin.Password == "") {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	return nil
}
