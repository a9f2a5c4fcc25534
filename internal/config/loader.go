package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/openpredict/marketd/internal/crypto"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETD_* environment variable overrides, and
// resolves encrypted credential files. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := resolveSecrets(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// resolveSecrets decrypts credential files referenced by the configuration.
func resolveSecrets(cfg *Config) error {
	if p := cfg.Database.EncryptedPasswordPath; p != "" && cfg.Database.Password == "" {
		pw, err := crypto.DecryptSecretFile(p, cfg.Database.PasswordKey)
		if err != nil {
			return fmt.Errorf("config: decrypt database password: %w", err)
		}
		cfg.Database.Password = pw
	}
	if p := cfg.Server.EncryptedAdminKeyPath; p != "" && cfg.Server.AdminAPIKey == "" {
		key, err := crypto.DecryptSecretFile(p, cfg.Server.AdminKeyPassword)
		if err != nil {
			return fmt.Errorf("config: decrypt admin api key: %w", err)
		}
		cfg.Server.AdminAPIKey = key
	}
	return nil
}

// applyEnvOverrides reads well-known MARKETD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "MARKETD_DATABASE_DSN")
	setStr(&cfg.Database.Host, "MARKETD_DATABASE_HOST")
	setInt(&cfg.Database.Port, "MARKETD_DATABASE_PORT")
	setStr(&cfg.Database.Database, "MARKETD_DATABASE_NAME")
	setStr(&cfg.Database.User, "MARKETD_DATABASE_USER")
	setStr(&cfg.Database.Password, "MARKETD_DATABASE_PASSWORD")
	setStr(&cfg.Database.EncryptedPasswordPath, "MARKETD_DATABASE_ENCRYPTED_PASSWORD_PATH")
	setStr(&cfg.Database.PasswordKey, "MARKETD_DATABASE_PASSWORD_KEY")
	setStr(&cfg.Database.SSLMode, "MARKETD_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "MARKETD_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "MARKETD_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "MARKETD_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MARKETD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETD_REDIS_TLS_ENABLED")
	setInt(&cfg.Redis.CacheTTLMinutes, "MARKETD_REDIS_CACHE_TTL_MINUTES")
	setInt(&cfg.Redis.StreamMaxLen, "MARKETD_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "MARKETD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "MARKETD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARKETD_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARKETD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MARKETD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARKETD_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MARKETD_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MARKETD_S3_FORCE_PATH_STYLE")

	// ── Scheduler ──
	setBool(&cfg.Scheduler.Enabled, "MARKETD_SCHEDULER_ENABLED")
	setDuration(&cfg.Scheduler.SweepInterval, "MARKETD_SCHEDULER_SWEEP_INTERVAL")
	setInt(&cfg.Scheduler.SweepBatchSize, "MARKETD_SCHEDULER_SWEEP_BATCH_SIZE")
	setDuration(&cfg.Scheduler.LockTTL, "MARKETD_SCHEDULER_LOCK_TTL")
	setDuration(&cfg.Scheduler.ReconcileInterval, "MARKETD_SCHEDULER_RECONCILE_INTERVAL")
	setInt(&cfg.Scheduler.ScheduledBatchSize, "MARKETD_SCHEDULER_SCHEDULED_BATCH_SIZE")

	// ── Settlement ──
	setInt64(&cfg.Settlement.SettlementValueMicros, "MARKETD_SETTLEMENT_VALUE_MICROS")

	// ── Limits ──
	setInt(&cfg.Limits.OrdersPerSecond, "MARKETD_LIMITS_ORDERS_PER_SECOND")
	setInt(&cfg.Limits.RequestsPerSecond, "MARKETD_LIMITS_REQUESTS_PER_SECOND")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MARKETD_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MARKETD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.AdminAPIKey, "MARKETD_SERVER_ADMIN_API_KEY")
	setStr(&cfg.Server.EncryptedAdminKeyPath, "MARKETD_SERVER_ENCRYPTED_ADMIN_KEY_PATH")
	setStr(&cfg.Server.AdminKeyPassword, "MARKETD_SERVER_ADMIN_KEY_PASSWORD")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MARKETD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARKETD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARKETD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARKETD_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARKETD_MODE")
	setStr(&cfg.LogLevel, "MARKETD_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}
