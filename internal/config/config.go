package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port     string `yaml:"port"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	JWTSecret             string `yaml:"jwt_secret"`
	AccessTokenTTLMinutes int    `yaml:"access_token_ttl_minutes"`
	// SweepKeyHash 是 /internal/sweep 所需密钥的 bcrypt 哈希，空表示关闭该入口。
	SweepKeyHash string `yaml:"sweep_key_hash"`

	// DatabaseDSN 为空时只使用内存存储。
	DatabaseDSN string `yaml:"database_dsn"`
	// BusDriver: none / redis / nats
	BusDriver    string `yaml:"bus_driver"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
	NATSURL      string `yaml:"nats_url"`
	NATSSubject  string `yaml:"nats_subject"`

	StaleThreshold     time.Duration `yaml:"stale_threshold"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	TypingTTL          time.Duration `yaml:"typing_ttl"`
	NotificationMaxAge time.Duration `yaml:"notification_max_age"`
	ActivityTTL        time.Duration `yaml:"activity_ttl"`

	SchedulerEnabled bool `yaml:"scheduler_enabled"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

func Default() Config {
	return Config{
		Port:                  "8080",
		Env:                   "dev",
		LogLevel:              "info",
		JWTSecret:             defaultJWTSecret,
		AccessTokenTTLMinutes: 15,
		BusDriver:             "none",
		RedisAddr:             "localhost:6379",
		RedisChannel:          "livestate:changes",
		NATSURL:               "nats://localhost:4222",
		NATSSubject:           "livestate.changes",
		StaleThreshold:        120 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		TypingTTL:             5000 * time.Millisecond,
		NotificationMaxAge:    30 * 24 * time.Hour,
		ActivityTTL:           24 * time.Hour,
		SchedulerEnabled:      true,
		RateLimitRPS:          20,
		RateLimitBurst:        40,
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getPositiveInt 解析失败或非正数时返回默认值。
func getPositiveInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getDuration(key string, unit time.Duration, def time.Duration) time.Duration {
	n := getPositiveInt(key, 0)
	if n == 0 {
		return def
	}
	return time.Duration(n) * unit
}

func getBool(key string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getFloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// LoadFile 把 YAML 文件覆盖到 cfg 上，文件中未出现的字段保持原值。
func LoadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Load 依次应用默认值、CONFIG_FILE 指定的 YAML 文件和环境变量。
func Load() Config {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			log.Warn().Err(err).Msg("config file ignored")
		}
	}
	cfg.Port = getenv("APP_PORT", cfg.Port)
	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.JWTSecret = getenv("JWT_SECRET", cfg.JWTSecret)
	cfg.AccessTokenTTLMinutes = getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", cfg.AccessTokenTTLMinutes)
	cfg.SweepKeyHash = getenv("SWEEP_KEY_HASH", cfg.SweepKeyHash)
	cfg.DatabaseDSN = getenv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.BusDriver = strings.ToLower(getenv("BUS_DRIVER", cfg.BusDriver))
	cfg.RedisAddr = getenv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisChannel = getenv("REDIS_CHANNEL", cfg.RedisChannel)
	cfg.NATSURL = getenv("NATS_URL", cfg.NATSURL)
	cfg.NATSSubject = getenv("NATS_SUBJECT", cfg.NATSSubject)
	cfg.StaleThreshold = getDuration("PRESENCE_STALE_SECONDS", time.Second, cfg.StaleThreshold)
	cfg.HeartbeatInterval = getDuration("PRESENCE_HEARTBEAT_SECONDS", time.Second, cfg.HeartbeatInterval)
	cfg.TypingTTL = getDuration("TYPING_TTL_MS", time.Millisecond, cfg.TypingTTL)
	cfg.NotificationMaxAge = getDuration("NOTIFICATION_MAX_AGE_DAYS", 24*time.Hour, cfg.NotificationMaxAge)
	cfg.ActivityTTL = getDuration("ACTIVITY_TTL_HOURS", time.Hour, cfg.ActivityTTL)
	cfg.SchedulerEnabled = getBool("SCHEDULER_ENABLED", cfg.SchedulerEnabled)
	cfg.RateLimitRPS = getFloat("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = getPositiveInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	return cfg
}

// AccessTokenTTL 返回签发 access token 的默认有效期。
func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

// MultiNode 表示是否通过 Bus 与其他节点共享状态。
func (c Config) MultiNode() bool {
	return c.BusDriver != "" && c.BusDriver != "none"
}

// Validate 检查启动所需的配置，非 dev 环境禁止使用默认 JWT 密钥。
func Validate(cfg Config) error {
	var errs []error
	if cfg.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("jwt secret is required"))
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		errs = append(errs, fmt.Errorf("default jwt secret is not allowed in %q", cfg.Env))
	}
	switch cfg.BusDriver {
	case "", "none":
	case "redis":
		if cfg.RedisAddr == "" {
			errs = append(errs, errors.New("redis bus requires redis addr"))
		}
	case "nats":
		if cfg.NATSURL == "" {
			errs = append(errs, errors.New("nats bus requires nats url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus driver %q", cfg.BusDriver))
	}
	for name, d := range map[string]time.Duration{
		"stale_threshold":      cfg.StaleThreshold,
		"heartbeat_interval":   cfg.HeartbeatInterval,
		"typing_ttl":           cfg.TypingTTL,
		"notification_max_age": cfg.NotificationMaxAge,
		"activity_ttl":         cfg.ActivityTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if cfg.HeartbeatInterval >= cfg.StaleThreshold && cfg.StaleThreshold > 0 {
		errs = append(errs, errors.New("heartbeat interval must be shorter than stale threshold"))
	}
	return errors.Join(errs...)
}
