// Package config はアプリケーション設定を環境変数から読み込む。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL       string        `envconfig:"DATABASE_URL"`
	DBMaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"10"`
	DBMaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	DBConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`

	// Redis（URL未設定の場合はインメモリのストアを使う）
	Redis RedisConfig `envconfig:"REDIS"`

	// Auth
	JWTSecret     string        `envconfig:"SUPABASE_JWT_SECRET"`
	JWKSURL       string        `envconfig:"SUPABASE_JWKS_URL"`
	JWTIssuer     string        `envconfig:"SUPABASE_JWT_ISSUER"`
	JWKSRefresh   time.Duration `envconfig:"SUPABASE_JWKS_REFRESH" default:"1h"`
	SessionMaxAge time.Duration `envconfig:"SESSION_MAX_AGE" default:"720h"`

	// RevenueCat
	RevenueCatSecretKey     string        `envconfig:"REVENUECAT_SECRET_KEY"`
	RevenueCatWebhookSecret string        `envconfig:"REVENUECAT_WEBHOOK_SECRET"`
	RevenueCatBaseURL       string        `envconfig:"REVENUECAT_BASE_URL" default:"https://api.revenuecat.com"`
	RevenueCatTimeout       time.Duration `envconfig:"REVENUECAT_TIMEOUT" default:"10s"`
	RevenueCatMaxRetries    int           `envconfig:"REVENUECAT_MAX_RETRIES" default:"2"`

	// Launch
	Launch LaunchConfig `envconfig:"LAUNCH"`

	// Rate Limit
	RateLimitGeneral int `envconfig:"RATE_LIMIT_GENERAL" default:"120"`
	RateLimitRefresh int `envconfig:"RATE_LIMIT_REFRESH" default:"10"`

	// Worker
	CleanupInterval    time.Duration `envconfig:"CLEANUP_INTERVAL" default:"24h"`
	EventRetentionDays int           `envconfig:"EVENT_RETENTION_DAYS" default:"90"`
	ReconcileInterval  time.Duration `envconfig:"RECONCILE_INTERVAL" default:"15m"`
	ReconcileBatchSize int           `envconfig:"RECONCILE_BATCH_SIZE" default:"100"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Tracing
	TraceExporter    string  `envconfig:"TRACE_EXPORTER" default:"none"`
	TraceSampleRatio float64 `envconfig:"TRACE_SAMPLE_RATIO" default:"1"`

	// Server
	ServerPort string `envconfig:"SERVER_PORT" default:"8080"`

	// CORS
	CORSAllowedOrigin string `envconfig:"CORS_ALLOWED_ORIGIN" default:"http://localhost:8081"`
}

// RedisConfig はRedis接続の設定。
type RedisConfig struct {
	URL          string        `envconfig:"URL"`
	PoolSize     int           `envconfig:"POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"3s"`
}

// LaunchConfig は起動ルーティングの待ち時間とリトライ回数。
type LaunchConfig struct {
	SafetyValve           time.Duration `envconfig:"SAFETY_VALVE" default:"8s"`
	CreateMissingProfiles bool          `envconfig:"CREATE_MISSING_PROFILES" default:"true"`
	IdentityChangeSettle  time.Duration `envconfig:"IDENTITY_CHANGE_SETTLE" default:"2s"`

	ProfileLinkedRetries    int           `envconfig:"PROFILE_LINKED_RETRIES" default:"5"`
	ProfileLinkedDelay      time.Duration `envconfig:"PROFILE_LINKED_DELAY" default:"1s"`
	ProfileStandardRetries  int           `envconfig:"PROFILE_STANDARD_RETRIES" default:"1"`
	ProfileStandardDelay    time.Duration `envconfig:"PROFILE_STANDARD_DELAY" default:"500ms"`
	ProfileAttemptTimeout   time.Duration `envconfig:"PROFILE_ATTEMPT_TIMEOUT" default:"5s"`
	ProfileFinalReadTimeout time.Duration `envconfig:"PROFILE_FINAL_READ_TIMEOUT" default:"2s"`
	ProfileFinalCeiling     time.Duration `envconfig:"PROFILE_FINAL_CEILING" default:"8s"`
	ProfileRetryCeiling     time.Duration `envconfig:"PROFILE_RETRY_CEILING" default:"25s"`
	ProfileCacheTTL         time.Duration `envconfig:"PROFILE_CACHE_TTL" default:"5m"`

	EntitlementIdentifyTimeout time.Duration `envconfig:"ENTITLEMENT_IDENTIFY_TIMEOUT" default:"3s"`
	EntitlementIdentifySettle  time.Duration `envconfig:"ENTITLEMENT_IDENTIFY_SETTLE" default:"500ms"`
	EntitlementCheckTimeout    time.Duration `envconfig:"ENTITLEMENT_CHECK_TIMEOUT" default:"3s"`
	EntitlementRefreshSettle   time.Duration `envconfig:"ENTITLEMENT_REFRESH_SETTLE" default:"1s"`
	EntitlementCacheTTL        time.Duration `envconfig:"ENTITLEMENT_CACHE_TTL" default:"24h"`
}

// 起動判定の安全弁として許容する範囲。
const (
	minSafetyValve = 6 * time.Second
	maxSafetyValve = 10 * time.Second
)

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if cfg.JWTSecret == "" && cfg.JWKSURL == "" {
		missing = append(missing, "SUPABASE_JWT_SECRET or SUPABASE_JWKS_URL")
	}
	if cfg.RevenueCatSecretKey == "" {
		missing = append(missing, "REVENUECAT_SECRET_KEY")
	}
	if cfg.RevenueCatWebhookSecret == "" {
		missing = append(missing, "REVENUECAT_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.JWKSURL != "" && !strings.HasPrefix(cfg.JWKSURL, "https://") {
		return nil, fmt.Errorf("SUPABASE_JWKS_URL must use https: %q", cfg.JWKSURL)
	}
	if cfg.Launch.SafetyValve < minSafetyValve || cfg.Launch.SafetyValve > maxSafetyValve {
		return nil, fmt.Errorf("LAUNCH_SAFETY_VALVE must be between %v and %v: %v",
			minSafetyValve, maxSafetyValve, cfg.Launch.SafetyValve)
	}

	return cfg, nil
}

// LoadDatabaseURL はDATABASE_URLのみを読み込む。migrateサブコマンド用。
func LoadDatabaseURL() (string, error) {
	_ = godotenv.Load()

	var cfg struct {
		DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return "", fmt.Errorf("failed to parse environment variables: %w", err)
	}
	return cfg.DatabaseURL, nil
}
