package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/clipvote/api/internal/consensus"
	"github.com/clipvote/api/internal/lease"
	"github.com/clipvote/api/internal/telemetry"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

// Backends for the store, rate limiter and idempotency guard.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Zitadel     ZitadelConfig
	Gateway     GatewayConfig
	Store       StoreConfig
	Lease       LeaseConfig
	Consensus   consensus.Thresholds
	Submit      SubmitConfig
	RateLimit   RateLimitConfig
	Idempotency IdempotencyConfig
	R2          R2Config
	Telemetry   telemetry.Config
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

type StoreConfig struct {
	Driver   string
	DSN      string
	Timeout  time.Duration
	SeedFile string
}

type LeaseConfig struct {
	lease.Config
	SweepInterval time.Duration
}

type SubmitConfig struct {
	MinPlaybackRatio float64
	MinDurationMs    int64
}

// RateLimitConfig holds per-contributor action budgets and the global
// per-IP token bucket.
type RateLimitConfig struct {
	Backend         string
	BundlePerHour   int
	TasksPerHour    int
	SubmitPerMin    int
	SubmitPerHour   int
	HeartbeatPerMin int
	ReleasePerMin   int
	GlobalRPS       float64
	GlobalBurst     int
}

type IdempotencyConfig struct {
	Backend string
	Window  time.Duration
}

// R2Config configures the submission archive. The archive is off when the
// bucket or credentials are missing.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Endpoint        string
}

// Enabled reports whether enough is configured to reach the bucket.
func (c R2Config) Enabled() bool {
	return c.BucketName != "" && c.AccessKeyID != "" && c.SecretAccessKey != "" &&
		(c.AccountID != "" || c.Endpoint != "")
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("STORE_DSN")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("store.driver", "STORE_DRIVER")
	_ = v.BindEnv("store.dsn", "STORE_DSN")
	_ = v.BindEnv("store.timeout", "STORE_TIMEOUT")
	_ = v.BindEnv("store.seed_file", "STORE_SEED_FILE")
	_ = v.BindEnv("lease.ttl", "LEASE_TTL")
	_ = v.BindEnv("lease.bundle_ttl", "LEASE_BUNDLE_TTL")
	_ = v.BindEnv("lease.default_bundle_size", "LEASE_DEFAULT_BUNDLE_SIZE")
	_ = v.BindEnv("lease.max_bundle_size", "LEASE_MAX_BUNDLE_SIZE")
	_ = v.BindEnv("lease.golden_ratio", "LEASE_GOLDEN_RATIO")
	_ = v.BindEnv("lease.sweep_interval", "LEASE_SWEEP_INTERVAL")
	_ = v.BindEnv("lease.sweep_batch", "LEASE_SWEEP_BATCH")
	_ = v.BindEnv("consensus.target_votes", "CONSENSUS_TARGET_VOTES")
	_ = v.BindEnv("consensus.min_green_skip_qa", "CONSENSUS_MIN_GREEN_SKIP_QA")
	_ = v.BindEnv("consensus.min_green_review", "CONSENSUS_MIN_GREEN_REVIEW")
	_ = v.BindEnv("submit.min_playback_ratio", "SUBMIT_MIN_PLAYBACK_RATIO")
	_ = v.BindEnv("submit.min_duration_ms", "SUBMIT_MIN_DURATION_MS")
	_ = v.BindEnv("ratelimit.backend", "RATELIMIT_BACKEND")
	_ = v.BindEnv("ratelimit.global_rps", "RATELIMIT_GLOBAL_RPS")
	_ = v.BindEnv("ratelimit.global_burst", "RATELIMIT_GLOBAL_BURST")
	_ = v.BindEnv("idempotency.backend", "IDEMPOTENCY_BACKEND")
	_ = v.BindEnv("idempotency.window", "IDEMPOTENCY_WINDOW")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.endpoint", "R2_ENDPOINT")
	_ = v.BindEnv("telemetry.enabled", "TELEMETRY_ENABLED")
	_ = v.BindEnv("telemetry.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("telemetry.insecure", "TELEMETRY_INSECURE")
	_ = v.BindEnv("telemetry.service_name", "OTEL_SERVICE_NAME")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("gateway.enabled", false)

	// Store defaults
	v.SetDefault("store.driver", BackendMemory)
	v.SetDefault("store.timeout", 5*time.Second)

	// Lease defaults
	def := lease.DefaultConfig()
	v.SetDefault("lease.ttl", def.TTL)
	v.SetDefault("lease.bundle_ttl", def.BundleTTL)
	v.SetDefault("lease.default_bundle_size", def.DefaultBundleSize)
	v.SetDefault("lease.max_bundle_size", def.MaxBundleSize)
	v.SetDefault("lease.golden_ratio", def.GoldenRatio)
	v.SetDefault("lease.sweep_interval", time.Minute)
	v.SetDefault("lease.sweep_batch", def.SweepBatch)

	// Consensus defaults for tasks without their own thresholds
	v.SetDefault("consensus.target_votes", 5)
	v.SetDefault("consensus.min_green_skip_qa", 4.0)
	v.SetDefault("consensus.min_green_review", 3.0)

	v.SetDefault("submit.min_playback_ratio", 0.7)
	v.SetDefault("submit.min_duration_ms", 1500)

	// Rate limit defaults
	v.SetDefault("ratelimit.backend", BackendMemory)
	v.SetDefault("ratelimit.bundle_per_hour", 100)
	v.SetDefault("ratelimit.tasks_per_hour", 60)
	v.SetDefault("ratelimit.submit_per_min", 10)
	v.SetDefault("ratelimit.submit_per_hour", 60)
	v.SetDefault("ratelimit.heartbeat_per_min", 120)
	v.SetDefault("ratelimit.release_per_min", 30)
	v.SetDefault("ratelimit.global_rps", 50.0)
	v.SetDefault("ratelimit.global_burst", 100)

	v.SetDefault("idempotency.backend", BackendMemory)
	v.SetDefault("idempotency.window", 24*time.Hour)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "clipvote-api")

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     v.GetString("server.port"),
			Env:      v.GetString("server.env"),
			LogLevel: v.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		Store: StoreConfig{
			Driver:   strings.ToLower(v.GetString("store.driver")),
			DSN:      v.GetString("store.dsn"),
			Timeout:  v.GetDuration("store.timeout"),
			SeedFile: v.GetString("store.seed_file"),
		},
		Lease: LeaseConfig{
			Config: lease.Config{
				TTL:               v.GetDuration("lease.ttl"),
				BundleTTL:         v.GetDuration("lease.bundle_ttl"),
				DefaultBundleSize: v.GetInt("lease.default_bundle_size"),
				MaxBundleSize:     v.GetInt("lease.max_bundle_size"),
				GoldenRatio:       v.GetFloat64("lease.golden_ratio"),
				SweepBatch:        v.GetInt("lease.sweep_batch"),
			},
			SweepInterval: v.GetDuration("lease.sweep_interval"),
		},
		Consensus: consensus.Thresholds{
			TargetVotes:       v.GetInt("consensus.target_votes"),
			MinGreenForSkipQA: v.GetFloat64("consensus.min_green_skip_qa"),
			MinGreenForReview: v.GetFloat64("consensus.min_green_review"),
		},
		Submit: SubmitConfig{
			MinPlaybackRatio: v.GetFloat64("submit.min_playback_ratio"),
			MinDurationMs:    v.GetInt64("submit.min_duration_ms"),
		},
		RateLimit: RateLimitConfig{
			Backend:         strings.ToLower(v.GetString("ratelimit.backend")),
			BundlePerHour:   v.GetInt("ratelimit.bundle_per_hour"),
			TasksPerHour:    v.GetInt("ratelimit.tasks_per_hour"),
			SubmitPerMin:    v.GetInt("ratelimit.submit_per_min"),
			SubmitPerHour:   v.GetInt("ratelimit.submit_per_hour"),
			HeartbeatPerMin: v.GetInt("ratelimit.heartbeat_per_min"),
			ReleasePerMin:   v.GetInt("ratelimit.release_per_min"),
			GlobalRPS:       v.GetFloat64("ratelimit.global_rps"),
			GlobalBurst:     v.GetInt("ratelimit.global_burst"),
		},
		Idempotency: IdempotencyConfig{
			Backend: strings.ToLower(v.GetString("idempotency.backend")),
			Window:  v.GetDuration("idempotency.window"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			Endpoint:        v.GetString("r2.endpoint"),
		},
		Telemetry: telemetry.Config{
			Enabled:      v.GetBool("telemetry.enabled"),
			OTLPEndpoint: v.GetString("telemetry.otlp_endpoint"),
			Insecure:     v.GetBool("telemetry.insecure"),
			ServiceName:  v.GetString("telemetry.service_name"),
			Environment:  v.GetString("server.env"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case BackendMemory, BackendPostgres, BackendSQLite:
	default:
		return fmt.Errorf("store.driver %q: want memory, postgres or sqlite", c.Store.Driver)
	}
	if c.Store.Driver != BackendMemory && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
	}
	for key, backend := range map[string]string{
		"ratelimit.backend":   c.RateLimit.Backend,
		"idempotency.backend": c.Idempotency.Backend,
	} {
		if backend != BackendMemory && backend != BackendRedis {
			return fmt.Errorf("%s %q: want memory or redis", key, backend)
		}
	}
	if c.Submit.MinPlaybackRatio < 0 || c.Submit.MinPlaybackRatio > 1 {
		return fmt.Errorf("submit.min_playback_ratio must be within [0,1]")
	}
	return nil
}
