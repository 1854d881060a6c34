// Package config は起動時に読み込むアプリケーション設定を提供する。
//
// 値は環境変数、CONFIG_FILEで指定したYAMLファイル、既定値の順で解決する。
// トークン類の秘密情報は環境変数からのみ読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/hitoshi/tweetsync/internal/database"
	"github.com/hitoshi/tweetsync/internal/security"
)

// コンテンツ提供元のバックエンド
const (
	BackendTwitter = "twitter"
	BackendRSS     = "rss"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string
	AutoMigrate bool

	// Discord
	DiscordToken  string
	CommandPrefix string

	// Content source
	SourceBackend         string
	TwitterAPIBaseURL     string
	TwitterBearerToken    string
	TwitterAPIKey         string
	TwitterAPISecret      string
	RSSBridgeURL          string
	RSSBridgeAllowPrivate bool
	ProviderTimeout       time.Duration
	ProviderRatePerMinute int

	// Polling
	PollInterval      time.Duration
	PollItemLimit     int
	DeliveryPause     time.Duration
	PollMaxConcurrent int

	// Delivery cache retention
	CacheRetentionDays   int
	CacheCleanupSchedule string

	// Server
	ServerPort string

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing（空なら無効）
	OTLPEndpoint string
}

// LoadDotEnv は.envファイルを環境変数に読み込む。既存の環境変数は上書きしない。
// pathsが空の場合はカレントディレクトリの.envを読む。ファイルがなければ何もしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load は環境変数（とCONFIG_FILE）からConfigを読み込み、検証する。
// 必須項目が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	src, err := newSource(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = src.secret("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.DiscordToken = src.secret("DISCORD_TOKEN")
	if cfg.DiscordToken == "" {
		missing = append(missing, "DISCORD_TOKEN")
	}

	cfg.SourceBackend = strings.ToLower(src.getString("SOURCE_BACKEND", BackendTwitter))
	cfg.TwitterBearerToken = src.secret("TWITTER_BEARER_TOKEN")
	cfg.TwitterAPIKey = src.secret("TWITTER_API_KEY")
	cfg.TwitterAPISecret = src.secret("TWITTER_API_SECRET")
	cfg.RSSBridgeURL = src.getString("RSS_BRIDGE_URL", "")

	switch cfg.SourceBackend {
	case BackendTwitter:
		if cfg.TwitterBearerToken == "" && (cfg.TwitterAPIKey == "" || cfg.TwitterAPISecret == "") {
			missing = append(missing, "TWITTER_BEARER_TOKEN (or TWITTER_API_KEY and TWITTER_API_SECRET)")
		}
	case BackendRSS:
		if cfg.RSSBridgeURL == "" {
			missing = append(missing, "RSS_BRIDGE_URL")
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AutoMigrate = src.getBool("AUTO_MIGRATE", false)
	cfg.CommandPrefix = src.getString("COMMAND_PREFIX", "!")
	cfg.TwitterAPIBaseURL = strings.TrimRight(src.getString("TWITTER_API_BASE_URL", "https://api.twitter.com"), "/")
	cfg.RSSBridgeAllowPrivate = src.getBool("RSS_BRIDGE_ALLOW_PRIVATE", false)
	cfg.ProviderTimeout = src.getDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.ProviderRatePerMinute = src.getInt("PROVIDER_RATE_PER_MIN", 60)
	cfg.PollInterval = src.getDuration("POLL_INTERVAL", 5*time.Minute)
	cfg.PollItemLimit = src.getInt("POLL_ITEM_LIMIT", 5)
	cfg.DeliveryPause = src.getDuration("DELIVERY_PAUSE", time.Second)
	cfg.PollMaxConcurrent = src.getInt("POLL_MAX_CONCURRENT", 1)
	cfg.CacheRetentionDays = src.getInt("CACHE_RETENTION_DAYS", 0)
	cfg.CacheCleanupSchedule = src.getString("CACHE_CLEANUP_SCHEDULE", "@daily")
	cfg.ServerPort = src.getString("SERVER_PORT", "8080")
	cfg.LogLevel = strings.ToLower(src.getString("LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(src.getString("LOG_FORMAT", "json"))
	cfg.OTLPEndpoint = src.getString("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := database.ParseURL(c.DatabaseURL); err != nil {
		errs = append(errs, fmt.Errorf("DATABASE_URL: %w", err))
	}

	switch c.SourceBackend {
	case BackendTwitter:
	case BackendRSS:
		if !c.RSSBridgeAllowPrivate {
			if err := security.NewSSRFGuard().ValidateURL(c.RSSBridgeURL); err != nil {
				errs = append(errs, fmt.Errorf("RSS_BRIDGE_URL: %w (set RSS_BRIDGE_ALLOW_PRIVATE=true for a bridge on a private network)", err))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("SOURCE_BACKEND: unsupported backend %q (want %s or %s)", c.SourceBackend, BackendTwitter, BackendRSS))
	}

	if c.PollInterval < 10*time.Second {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL: must be at least 10s, got %v", c.PollInterval))
	}
	if c.PollItemLimit < 1 || c.PollItemLimit > 100 {
		errs = append(errs, fmt.Errorf("POLL_ITEM_LIMIT: must be between 1 and 100, got %d", c.PollItemLimit))
	}
	if c.DeliveryPause < 0 {
		errs = append(errs, fmt.Errorf("DELIVERY_PAUSE: must not be negative, got %v", c.DeliveryPause))
	}
	if c.PollMaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("POLL_MAX_CONCURRENT: must be at least 1, got %d", c.PollMaxConcurrent))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, fmt.Errorf("PROVIDER_TIMEOUT: must be positive, got %v", c.ProviderTimeout))
	}
	if c.CacheRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("CACHE_RETENTION_DAYS: must not be negative, got %d", c.CacheRetentionDays))
	}
	if _, err := cron.ParseStandard(c.CacheCleanupSchedule); err != nil {
		errs = append(errs, fmt.Errorf("CACHE_CLEANUP_SCHEDULE: %w", err))
	}
	if strings.TrimSpace(c.CommandPrefix) == "" {
		errs = append(errs, errors.New("COMMAND_PREFIX: must not be blank"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL: unsupported level %q", c.LogLevel))
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT: unsupported format %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// source は環境変数とYAMLファイルの値を解決する。
type source struct {
	file map[string]string
}

// newSource はYAMLファイルを読み込む。pathが空ならファイルなしとして扱う。
// ファイルのキーは環境変数名を小文字にしたもの（例: poll_interval）。
func newSource(path string) (*source, error) {
	src := &source{file: map[string]string{}}
	if path == "" {
		return src, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	for k, v := range raw {
		src.file[strings.ToLower(k)] = v
	}
	return src, nil
}

// lookup は環境変数、ファイルの順に値を探す。
func (s *source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[strings.ToLower(key)]
}

// secret は環境変数からのみ値を読む。
func (s *source) secret(key string) string {
	return os.Getenv(key)
}

func (s *source) getString(key, defaultVal string) string {
	if v := s.lookup(key); v != "" {
		return v
	}
	return defaultVal
}

func (s *source) getInt(key string, defaultVal int) int {
	v := s.lookup(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func (s *source) getBool(key string, defaultVal bool) bool {
	v := s.lookup(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func (s *source) getDuration(key string, defaultVal time.Duration) time.Duration {
	v := s.lookup(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
