package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Fuzztrack/prout-app-sub000/service"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	DatabaseURL   string // 为空时使用内存目录（本地调试）
	RedisURL      string
	RedisPassword string
	RedisDB       int
	JWTSecret     string

	GatewayURL  string // 通知网关，POST {GatewayURL}/ping
	RealtimeURL string // 实时变更推送，为空时回退到内存目录的推送

	SnapshotBackend string // redis | badger
	SnapshotDir     string // badger 目录，为空时为内存模式

	PollInterval     time.Duration
	DispatchCooldown time.Duration
	RateLimitBackoff time.Duration
	OptimisticGrace  time.Duration
	SnapshotMaxAge   time.Duration
	ColdLoadTimeout  time.Duration

	PhoneCountryCode    string
	PhoneNationalLength int
}

func Load() *Config {
	// 加载 .env 文件
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}
	return FromEnv()
}

// FromEnv 只读取进程环境变量
func FromEnv() *Config {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),
		JWTSecret:     os.Getenv("JWT_SECRET"),

		GatewayURL:  getEnv("GATEWAY_URL", "http://localhost:3000"),
		RealtimeURL: os.Getenv("REALTIME_URL"),

		SnapshotBackend: strings.ToLower(getEnv("SNAPSHOT_BACKEND", "badger")),
		SnapshotDir:     os.Getenv("SNAPSHOT_DIR"),

		PollInterval:     time.Duration(getInt("POLL_INTERVAL_SECONDS", 30)) * time.Second,
		DispatchCooldown: time.Duration(getInt("DISPATCH_COOLDOWN_MS", 2000)) * time.Millisecond,
		RateLimitBackoff: time.Duration(getInt("RATE_LIMIT_BACKOFF_SECONDS", 30)) * time.Second,
		OptimisticGrace:  time.Duration(getInt("OPTIMISTIC_GRACE_MS", 5000)) * time.Millisecond,
		SnapshotMaxAge:   time.Duration(getInt("SNAPSHOT_MAX_AGE_HOURS", 24)) * time.Hour,
		ColdLoadTimeout:  time.Duration(getInt("COLD_LOAD_TIMEOUT_SECONDS", 8)) * time.Second,

		PhoneCountryCode:    strings.TrimPrefix(getEnv("PHONE_COUNTRY_CODE", "33"), "+"),
		PhoneNationalLength: getInt("PHONE_NATIONAL_LENGTH", 9),
	}
	return cfg
}

// SessionConfig 转换为服务层配置
func (c *Config) SessionConfig() service.SessionConfig {
	sc := service.DefaultSessionConfig()

	sc.Engine.PollInterval = c.PollInterval
	sc.Engine.ColdLoadTimeout = c.ColdLoadTimeout
	sc.Engine.SnapshotMaxAge = c.SnapshotMaxAge

	sc.Store.Grace = c.OptimisticGrace
	// 墓碑至少保留一个轮询周期
	if c.PollInterval > sc.Store.TombstoneTTL {
		sc.Store.TombstoneTTL = c.PollInterval
	}

	sc.Dispatch.Cooldown = c.DispatchCooldown
	sc.Dispatch.RateLimitBackoff = c.RateLimitBackoff

	sc.Matcher.CountryCode = c.PhoneCountryCode
	sc.Matcher.NationalLength = c.PhoneNationalLength
	return sc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		log.Printf("[WARN] Invalid %s=%q, using %d", key, raw, defaultValue)
		return defaultValue
	}
	return v
}
