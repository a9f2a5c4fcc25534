// Package config defines the top-level configuration for the marketd
// settlement engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openpredict/marketd/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETD_* environment variables.
type Config struct {
	Database   DatabaseConfig   `toml:"database"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Settlement SettlementConfig `toml:"settlement"`
	Limits     LimitsConfig     `toml:"limits"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN      string `toml:"dsn"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Database string `toml:"database"`
	User     string `toml:"user"`
	Password string `toml:"password"`

	// EncryptedPasswordPath points at a credential file produced by the
	// encrypt subcommand; when set, Password is decrypted from it at load
	// time using PasswordKey.
	EncryptedPasswordPath string `toml:"encrypted_password_path"`
	PasswordKey           string `toml:"password_key"`

	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr            string `toml:"addr"`
	Password        string `toml:"password"`
	DB              int    `toml:"db"`
	PoolSize        int    `toml:"pool_size"`
	MaxRetries      int    `toml:"max_retries"`
	TLSEnabled      bool   `toml:"tls_enabled"`
	CacheTTLMinutes int    `toml:"cache_ttl_minutes"`
	StreamMaxLen    int    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters for the settlement
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SchedulerConfig holds the background sweep parameters.
type SchedulerConfig struct {
	Enabled            bool     `toml:"enabled"`
	SweepInterval      duration `toml:"sweep_interval"`
	SweepBatchSize     int      `toml:"sweep_batch_size"`
	LockTTL            duration `toml:"lock_ttl"`
	ReconcileInterval  duration `toml:"reconcile_interval"`
	ScheduledBatchSize int      `toml:"scheduled_batch_size"`
}

// SettlementConfig holds payout parameters.
type SettlementConfig struct {
	// SettlementValueMicros is what one winning share pays, in micros.
	SettlementValueMicros int64 `toml:"settlement_value_micros"`
}

// LimitsConfig holds request-level rate limits.
type LimitsConfig struct {
	OrdersPerSecond   int `toml:"orders_per_second"`
	RequestsPerSecond int `toml:"requests_per_second"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`

	// AdminAPIKey guards the admin routes (close/pause/resolve/review). It can
	// be supplied inline or via an encrypted credential file.
	AdminAPIKey           string `toml:"admin_api_key"`
	EncryptedAdminKeyPath string `toml:"encrypted_admin_key_path"`
	AdminKeyPassword      string `toml:"admin_key_password"`
}

// NotifyConfig holds operator notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5s", "1m").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5s" or "1m".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration baseline.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketd",
			User:          "marketd",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:            "localhost:6379",
			PoolSize:        10,
			MaxRetries:      3,
			CacheTTLMinutes: 10,
			StreamMaxLen:    10000,
		},
		Scheduler: SchedulerConfig{
			Enabled:            true,
			SweepInterval:      duration{5 * time.Second},
			SweepBatchSize:     100,
			LockTTL:            duration{30 * time.Second},
			ReconcileInterval:  duration{10 * time.Minute},
			ScheduledBatchSize: 50,
		},
		Settlement: SettlementConfig{
			SettlementValueMicros: domain.DefaultSettlementValueMicros,
		},
		Limits: LimitsConfig{
			OrdersPerSecond:   10,
			RequestsPerSecond: 50,
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// Validate checks the configuration for internal consistency. It is called
// after Load and before wiring.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "serve", "api", "sweep":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}

	if c.Database.DSN == "" && (c.Database.Host == "" || c.Database.Database == "" || c.Database.User == "") {
		return fmt.Errorf("config: database requires a dsn or host/database/user")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis addr is required")
	}
	if c.Scheduler.SweepInterval.Duration <= 0 {
		return fmt.Errorf("config: scheduler sweep_interval must be positive")
	}
	if c.Scheduler.LockTTL.Duration <= 0 {
		return fmt.Errorf("config: scheduler lock_ttl must be positive")
	}
	if c.Settlement.SettlementValueMicros <= 0 {
		return fmt.Errorf("config: settlement_value_micros must be positive")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("config: server port %d out of range", c.Server.Port)
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("config: s3 enabled but no bucket configured")
	}
	return nil
}
