package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/studyroom/internal/focus"
)

// ストアの実装。
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreBackend string
	DatabaseURL  string

	// Server
	ServerPort string

	// Session
	SessionMaxAge int

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitChat    int

	// Cache
	RedisURL            string
	LeaderboardCacheTTL time.Duration
	LeaderboardSize     int

	// Focus
	FocusProfile      string
	FocusProfilesFile string
	Focus             focus.Config

	// Presence
	PresenceHeartbeatInterval time.Duration
	PresenceStaleAfter        time.Duration
	SweepInterval             time.Duration
	SweepMaxConcurrency       int

	// Room
	DefaultRoomCapacity int

	// Logging
	LogLevel string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や集中サイクルのプロファイルが不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StoreBackend = strings.ToLower(getEnvString("STORE_BACKEND", StoreBackendPostgres))
	switch cfg.StoreBackend {
	case StoreBackendPostgres, StoreBackendMemory:
	default:
		return nil, fmt.Errorf("unsupported STORE_BACKEND %q", cfg.StoreBackend)
	}

	// Required fields
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.StoreBackend == StoreBackendPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: %v", []string{"DATABASE_URL"})
	}

	// Optional fields with defaults
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitChat = getEnvInt("RATE_LIMIT_CHAT", 30)
	cfg.RedisURL = getEnvString("REDIS_URL", "")
	cfg.LeaderboardCacheTTL = getEnvDuration("LEADERBOARD_CACHE_TTL", 30*time.Second)
	cfg.LeaderboardSize = getEnvInt("LEADERBOARD_SIZE", 20)
	cfg.FocusProfile = getEnvString("FOCUS_PROFILE", "production")
	cfg.FocusProfilesFile = getEnvString("FOCUS_PROFILES_FILE", "")
	cfg.PresenceHeartbeatInterval = getEnvDuration("PRESENCE_HEARTBEAT_INTERVAL", 30*time.Second)
	cfg.PresenceStaleAfter = getEnvDuration("PRESENCE_STALE_AFTER", 2*time.Minute)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", time.Minute)
	cfg.SweepMaxConcurrency = getEnvInt("SWEEP_MAX_CONCURRENCY", 4)
	cfg.DefaultRoomCapacity = getEnvInt("DEFAULT_ROOM_CAPACITY", 10)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", false)
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	// 取り残されたメンバー記録はハートビートの数回分で判定する
	if cfg.PresenceStaleAfter <= cfg.PresenceHeartbeatInterval {
		return nil, fmt.Errorf("PRESENCE_STALE_AFTER (%s) must be longer than PRESENCE_HEARTBEAT_INTERVAL (%s)",
			cfg.PresenceStaleAfter, cfg.PresenceHeartbeatInterval)
	}

	profiles, err := LoadFocusProfiles(cfg.FocusProfilesFile)
	if err != nil {
		return nil, err
	}
	cfg.Focus, err = profiles.Get(cfg.FocusProfile)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
