/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file, providing a centralized way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	ratelimit "github.com/fabio-anzola/websec-BadBank/pkg/middleware"
)

const minJWTSecretLength = 32

// Config holds all the configuration variables for the service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	StoreDriver             string `mapstructure:"STORE_DRIVER"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	SQLitePath              string `mapstructure:"SQLITE_PATH"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix          string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	EventsExchange          string `mapstructure:"EVENTS_EXCHANGE"`
	AuditQueue              string `mapstructure:"AUDIT_QUEUE"`
	AuditConsumerEnabled    bool   `mapstructure:"AUDIT_CONSUMER_ENABLED"`
	JWTSecret               string `mapstructure:"JWT_SECRET"`
	JWTIssuer               string `mapstructure:"JWT_ISSUER"`
	TokenTTLMinutes         int    `mapstructure:"TOKEN_TTL_MINUTES"`
	OpeningBalance          int32  `mapstructure:"OPENING_BALANCE"`
	LoginRateLimitPerMinute int    `mapstructure:"LOGIN_RATE_LIMIT_PER_MINUTE"`
	RequestTimeoutSeconds   int    `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	RevocationSweepSchedule string `mapstructure:"REVOCATION_SWEEP_SCHEDULE"`
	CORSAllowedOrigins      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	TrustedProxiesList      string `mapstructure:"TRUSTED_PROXIES"`
	LogLevel                string `mapstructure:"LOG_LEVEL"`
	BootstrapAdminUsername  string `mapstructure:"BOOTSTRAP_ADMIN_USERNAME"`
	BootstrapAdminPassword  string `mapstructure:"BOOTSTRAP_ADMIN_PASSWORD"`
	BootstrapAdminEmail     string `mapstructure:"BOOTSTRAP_ADMIN_EMAIL"`
}

// TokenTTL returns the session token lifetime.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}

// RequestTimeout returns the per-request deadline.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// TrustedProxies parses TRUSTED_PROXIES. LoadConfig has already validated it.
func (c Config) TrustedProxies() []netip.Prefix {
	prefixes, _ := ratelimit.ParseTrustedProxies(c.TrustedProxiesList)
	return prefixes
}

// SlogLevel maps LOG_LEVEL to a slog level. Unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8000")
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("SQLITE_PATH", "badbank.db")
	viper.SetDefault("REDIS_KEY_PREFIX", "badbank")
	viper.SetDefault("EVENTS_EXCHANGE", "badbank.events")
	viper.SetDefault("AUDIT_QUEUE", "badbank.audit")
	viper.SetDefault("AUDIT_CONSUMER_ENABLED", false)
	viper.SetDefault("JWT_ISSUER", "badbank")
	viper.SetDefault("TOKEN_TTL_MINUTES", 30)
	viper.SetDefault("OPENING_BALANCE", 10000)
	viper.SetDefault("LOGIN_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	viper.SetDefault("REVOCATION_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("LOG_LEVEL", "info")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("SQLITE_PATH")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("AUDIT_QUEUE")
	_ = viper.BindEnv("AUDIT_CONSUMER_ENABLED")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("TOKEN_TTL_MINUTES")
	_ = viper.BindEnv("OPENING_BALANCE")
	_ = viper.BindEnv("LOGIN_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("REQUEST_TIMEOUT_SECONDS")
	_ = viper.BindEnv("REVOCATION_SWEEP_SCHEDULE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("TRUSTED_PROXIES")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("BOOTSTRAP_ADMIN_USERNAME")
	_ = viper.BindEnv("BOOTSTRAP_ADMIN_PASSWORD")
	_ = viper.BindEnv("BOOTSTRAP_ADMIN_EMAIL")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "badbank"
	}

	err = config.validate()
	return
}

func (c Config) validate() error {
	if len(c.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretLength)
	}
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	case "sqlite":
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("SQLITE_PATH is required when STORE_DRIVER is sqlite")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or sqlite, got %q", c.StoreDriver)
	}
	if c.TokenTTLMinutes <= 0 {
		return errors.New("TOKEN_TTL_MINUTES must be positive")
	}
	if c.OpeningBalance <= 0 {
		return errors.New("OPENING_BALANCE must be positive")
	}
	if c.RequestTimeoutSeconds <= 0 {
		return errors.New("REQUEST_TIMEOUT_SECONDS must be positive")
	}
	if c.LoginRateLimitPerMinute <= 0 {
		return errors.New("LOGIN_RATE_LIMIT_PER_MINUTE must be positive")
	}
	if _, err := ratelimit.ParseTrustedProxies(c.TrustedProxiesList); err != nil {
		return fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	if (c.BootstrapAdminUsername == "") != (c.BootstrapAdminPassword == "") {
		return errors.New("BOOTSTRAP_ADMIN_USERNAME and BOOTSTRAP_ADMIN_PASSWORD must be set together")
	}
	return nil
}
