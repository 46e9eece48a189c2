package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Env       string
	Port      string
	LogLevel  string
	LogFormat string
	SentryDSN string

	Store    StoreConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Security SecurityConfig
	Limits   RateLimitConfig
	SMTP     SMTPConfig

	CronSecret    string
	AdminEmail    string
	AdminPassword string
	TrustProxy    bool
}

type StoreConfig struct {
	Backend         string
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Timeout         time.Duration
	RunMigrations   bool
}

type RedisConfig struct {
	URL           string
	Prefix        string
	PruneInterval time.Duration
}

type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Audience      string
}

type SecurityConfig struct {
	BcryptCost            int
	HashConcurrency       int
	MaxLoginAttempts      int
	LockDuration          time.Duration
	ResetTokenTTL         time.Duration
	SiteURL               string
	StrictRefreshRotation bool
}

type RateLimitConfig struct {
	AuthMax      int
	AuthWindow   time.Duration
	StrictMax    int
	StrictWindow time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

// Load reads configuration from the environment. When loadDotEnv is set a
// .env file in the working directory is applied first; a missing file is fine.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	var errs []error
	duration := func(key string) time.Duration {
		d, err := ParseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}

	cfg := Config{
		Env:       v.GetString("APP_ENV"),
		Port:      v.GetString("PORT"),
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
		SentryDSN: strings.TrimSpace(v.GetString("SENTRY_DSN")),
		Store: StoreConfig{
			Backend:         strings.ToLower(strings.TrimSpace(v.GetString("STORE_BACKEND"))),
			DatabaseURL:     strings.TrimSpace(v.GetString("DATABASE_URL")),
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: duration("DB_CONN_MAX_LIFETIME"),
			Timeout:         duration("STORE_TIMEOUT"),
			RunMigrations:   v.GetBool("RUN_MIGRATIONS"),
		},
		Redis: RedisConfig{
			URL:           strings.TrimSpace(v.GetString("REDIS_URL")),
			Prefix:        v.GetString("REVOCATION_PREFIX"),
			PruneInterval: duration("REVOCATION_PRUNE_INTERVAL"),
		},
		JWT: JWTConfig{
			AccessSecret:  v.GetString("JWT_SECRET"),
			RefreshSecret: v.GetString("JWT_REFRESH_SECRET"),
			AccessTTL:     duration("JWT_ACCESS_EXPIRES"),
			RefreshTTL:    duration("JWT_REFRESH_EXPIRES"),
			Issuer:        v.GetString("JWT_ISSUER"),
			Audience:      v.GetString("JWT_AUDIENCE"),
		},
		Security: SecurityConfig{
			BcryptCost:            v.GetInt("BCRYPT_ROUNDS"),
			HashConcurrency:       v.GetInt("HASH_CONCURRENCY"),
			MaxLoginAttempts:      v.GetInt("LOGIN_MAX_ATTEMPTS"),
			LockDuration:          duration("LOGIN_LOCK_DURATION"),
			ResetTokenTTL:         duration("RESET_TOKEN_TTL"),
			SiteURL:               strings.TrimRight(v.GetString("SITE_URL"), "/"),
			StrictRefreshRotation: v.GetBool("STRICT_REFRESH_ROTATION"),
		},
		Limits: RateLimitConfig{
			AuthMax:      v.GetInt("AUTH_RATE_LIMIT_MAX"),
			AuthWindow:   duration("AUTH_RATE_LIMIT_WINDOW"),
			StrictMax:    v.GetInt("STRICT_RATE_LIMIT_MAX"),
			StrictWindow: duration("STRICT_RATE_LIMIT_WINDOW"),
		},
		SMTP: SMTPConfig{
			Host:     strings.TrimSpace(v.GetString("SMTP_HOST")),
			Port:     v.GetInt("SMTP_PORT"),
			Username: v.GetString("SMTP_USERNAME"),
			Password: v.GetString("SMTP_PASSWORD"),
			From:     v.GetString("SMTP_FROM"),
		},
		CronSecret:    strings.TrimSpace(v.GetString("CRON_SECRET")),
		AdminEmail:    strings.TrimSpace(v.GetString("ADMIN_EMAIL")),
		AdminPassword: v.GetString("ADMIN_PASSWORD"),
		TrustProxy:    v.GetBool("TRUST_PROXY"),
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("PORT", "5000")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("STORE_BACKEND", BackendPostgres)
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME", "30m")
	v.SetDefault("STORE_TIMEOUT", "5s")
	v.SetDefault("RUN_MIGRATIONS", false)
	v.SetDefault("REVOCATION_PREFIX", "nevis:revoked")
	v.SetDefault("REVOCATION_PRUNE_INTERVAL", "1h")
	v.SetDefault("JWT_ACCESS_EXPIRES", "15m")
	v.SetDefault("JWT_REFRESH_EXPIRES", "7d")
	v.SetDefault("JWT_ISSUER", "nevis-backend")
	v.SetDefault("JWT_AUDIENCE", "nevis-client")
	v.SetDefault("BCRYPT_ROUNDS", 12)
	v.SetDefault("HASH_CONCURRENCY", 0)
	v.SetDefault("LOGIN_MAX_ATTEMPTS", 5)
	v.SetDefault("LOGIN_LOCK_DURATION", "30m")
	v.SetDefault("RESET_TOKEN_TTL", "15m")
	v.SetDefault("SITE_URL", "http://localhost:5500")
	v.SetDefault("STRICT_REFRESH_ROTATION", false)
	v.SetDefault("TRUST_PROXY", false)
	v.SetDefault("AUTH_RATE_LIMIT_MAX", 15)
	v.SetDefault("AUTH_RATE_LIMIT_WINDOW", "15m")
	v.SetDefault("STRICT_RATE_LIMIT_MAX", 5)
	v.SetDefault("STRICT_RATE_LIMIT_WINDOW", "1h")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_FROM", "Nevis <no-reply@nevis.local>")
}

func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.JWT.AccessSecret) == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if strings.TrimSpace(c.JWT.RefreshSecret) == "" {
		errs = append(errs, errors.New("JWT_REFRESH_SECRET is required"))
	}
	if c.JWT.AccessSecret != "" && c.JWT.AccessSecret == c.JWT.RefreshSecret {
		errs = append(errs, errors.New("JWT_SECRET and JWT_REFRESH_SECRET must differ"))
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}

	switch c.Store.Backend {
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}

	if c.Security.MaxLoginAttempts <= 0 {
		errs = append(errs, errors.New("LOGIN_MAX_ATTEMPTS must be positive"))
	}
	if c.Security.LockDuration <= 0 {
		errs = append(errs, errors.New("LOGIN_LOCK_DURATION must be positive"))
	}

	return errors.Join(errs...)
}

// ParseDuration accepts time.ParseDuration syntax plus whole days ("7d").
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("empty duration")
	}

	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid duration %q", value)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return d, nil
}
