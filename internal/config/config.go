// Package config loads process settings from a .env file, the environment
// (prefix SECRETARY_) and an optional config file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/taku10101/playwright-secretary/internal/artifact"
)

const EnvPrefix = "SECRETARY"

type Config struct {
	HTTPAddr     string        `validate:"required"`
	GRPCAddr     string        // empty disables the gRPC health server
	ReadTimeout  time.Duration `validate:"gt=0"`
	WriteTimeout time.Duration `validate:"gt=0"`
	IdleTimeout  time.Duration `validate:"gt=0"`

	Store       string `validate:"oneof=memory file sqlite postgres"`
	StoreDir    string
	SQLitePath  string
	PostgresDSN string `validate:"required_if=Store postgres"`
	// History keeps execution records in Postgres when set to postgres.
	History   string `validate:"oneof=memory postgres"`
	CacheSize int    `validate:"gte=1"`

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LeaseTTL      time.Duration `validate:"gt=0"`

	Driver     string `validate:"oneof=cdp chromedp html"`
	CDPURL     string `validate:"required_if=Driver cdp"`
	Headless   bool
	ChromePath string

	DefaultTimeout time.Duration `validate:"gt=0"`
	Screenshots    bool
	StepRetries    int           `validate:"gte=0"`
	RetryDelay     time.Duration `validate:"gte=0"`
	DetectBlockers bool

	Workers          int           `validate:"gte=1"`
	QueueSize        int           `validate:"gte=1"`
	ExecutionTimeout time.Duration `validate:"gt=0"`
	PoolSize         int           `validate:"gte=1"`
	PoolMaxUses      int           `validate:"gte=0"`
	PoolMaxAge       time.Duration `validate:"gte=0"`
	PoolWaitTimeout  time.Duration `validate:"gt=0"`

	ArtifactDir     string
	ArtifactBaseURL string

	APIKey              string
	RateLimitPerMinute  int           `validate:"gte=0"`
	IdempotencyTTL      time.Duration `validate:"gt=0"`
	IdempotencyClaimTTL time.Duration `validate:"gt=0"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=json console"`
}

var defaults = map[string]any{
	"http_addr":             ":8080",
	"grpc_addr":             "",
	"read_timeout":          "15s",
	"write_timeout":         "5m",
	"idle_timeout":          "60s",
	"store":                 "file",
	"store_dir":             "patterns",
	"sqlite_path":           "patterns.db",
	"postgres_dsn":          "",
	"history":               "memory",
	"cache_size":            256,
	"redis_addr":            "",
	"redis_password":        "",
	"redis_db":              0,
	"lease_ttl":             "30s",
	"driver":                "chromedp",
	"cdp_url":               "http://127.0.0.1:9222",
	"headless":              true,
	"chrome_path":           "",
	"default_timeout":       "30s",
	"screenshots":           false,
	"step_retries":          0,
	"retry_delay":           "500ms",
	"detect_blockers":       true,
	"workers":               1,
	"queue_size":            256,
	"execution_timeout":     "5m",
	"pool_size":             1,
	"pool_max_uses":         0,
	"pool_max_age":          "0s",
	"pool_wait_timeout":     "30s",
	"artifact_dir":          "",
	"artifact_base_url":     "/artifacts",
	"api_key":               "",
	"rate_limit_per_minute": 0,
	"idempotency_ttl":       "24h",
	"idempotency_claim_ttl": "30s",
	"log_level":             "info",
	"log_format":            "json",
}

// Load reads .env when present, then layers configFile (optional) under the
// SECRETARY_ environment variables.
func Load(configFile string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTPAddr:     v.GetString("http_addr"),
		GRPCAddr:     v.GetString("grpc_addr"),
		ReadTimeout:  v.GetDuration("read_timeout"),
		WriteTimeout: v.GetDuration("write_timeout"),
		IdleTimeout:  v.GetDuration("idle_timeout"),

		Store:       strings.ToLower(v.GetString("store")),
		StoreDir:    v.GetString("store_dir"),
		SQLitePath:  v.GetString("sqlite_path"),
		PostgresDSN: v.GetString("postgres_dsn"),
		History:     strings.ToLower(v.GetString("history")),
		CacheSize:   v.GetInt("cache_size"),

		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       v.GetInt("redis_db"),
		LeaseTTL:      v.GetDuration("lease_ttl"),

		Driver:     strings.ToLower(v.GetString("driver")),
		CDPURL:     v.GetString("cdp_url"),
		Headless:   v.GetBool("headless"),
		ChromePath: v.GetString("chrome_path"),

		DefaultTimeout: v.GetDuration("default_timeout"),
		Screenshots:    v.GetBool("screenshots"),
		StepRetries:    v.GetInt("step_retries"),
		RetryDelay:     v.GetDuration("retry_delay"),
		DetectBlockers: v.GetBool("detect_blockers"),

		Workers:          v.GetInt("workers"),
		QueueSize:        v.GetInt("queue_size"),
		ExecutionTimeout: v.GetDuration("execution_timeout"),
		PoolSize:         v.GetInt("pool_size"),
		PoolMaxUses:      v.GetInt("pool_max_uses"),
		PoolMaxAge:       v.GetDuration("pool_max_age"),
		PoolWaitTimeout:  v.GetDuration("pool_wait_timeout"),

		ArtifactDir:     artifact.RootDir(v.GetString("artifact_dir")),
		ArtifactBaseURL: normalizeArtifactBaseURL(v.GetString("artifact_base_url")),

		APIKey:              strings.TrimSpace(v.GetString("api_key")),
		RateLimitPerMinute:  v.GetInt("rate_limit_per_minute"),
		IdempotencyTTL:      v.GetDuration("idempotency_ttl"),
		IdempotencyClaimTTL: v.GetDuration("idempotency_claim_ttl"),

		LogLevel:  strings.ToLower(v.GetString("log_level")),
		LogFormat: strings.ToLower(v.GetString("log_format")),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func normalizeArtifactBaseURL(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "/artifacts"
	}
	if !strings.HasPrefix(trimmed, "/") && !strings.Contains(trimmed, "://") {
		trimmed = "/" + trimmed
	}
	normalized := strings.TrimSuffix(trimmed, "/")
	if normalized == "" {
		return "/artifacts"
	}
	return normalized
}
