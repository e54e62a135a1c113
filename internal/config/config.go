package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	defaultAccessSecret  = "dev-access-secret-change-me"
	defaultRefreshSecret = "dev-refresh-secret-change-me"
)

type Config struct {
	Port            string
	DatabaseDSN     string
	Env             string
	AccessSecret    string
	RefreshSecret   string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	BcryptCost      int
	HashWorkers     int
	TokenStore      string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	AMQPURL         string
	CookieDomain    string
	AllowedOrigins  []string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getint 解析正整数，非法或非正值回退到默认值。
func getint(key string, def int) int {
	n, err := strconv.Atoi(getenv(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getduration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(getenv(key, ""))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func Load() Config {
	var origins []string
	for _, o := range strings.Split(getenv("ALLOWED_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	redisDB, err := strconv.Atoi(getenv("REDIS_DB", "0"))
	if err != nil || redisDB < 0 {
		redisDB = 0
	}
	return Config{
		Port:            getenv("APP_PORT", "8080"),
		DatabaseDSN:     getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chanhub port=5432 sslmode=disable TimeZone=UTC"),
		Env:             getenv("APP_ENV", "dev"),
		AccessSecret:    getenv("ACCESS_SECRET", defaultAccessSecret),
		RefreshSecret:   getenv("REFRESH_SECRET", defaultRefreshSecret),
		AccessTokenTTL:  getduration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getduration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		BcryptCost:      getint("BCRYPT_COST", bcrypt.DefaultCost),
		HashWorkers:     getint("HASH_WORKERS", 4),
		TokenStore:      getenv("TOKEN_STORE", "memory"),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         redisDB,
		AMQPURL:         os.Getenv("AMQP_URL"),
		CookieDomain:    os.Getenv("COOKIE_DOMAIN"),
		AllowedOrigins:  origins,
	}
}

// Validate 检查启动前必须满足的配置约束。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: empty port")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: empty database dsn")
	}
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return errors.New("config: empty token secret")
	}
	if cfg.Env != "dev" && (cfg.AccessSecret == defaultAccessSecret || cfg.RefreshSecret == defaultRefreshSecret) {
		return fmt.Errorf("config: default token secret used in %q", cfg.Env)
	}
	if cfg.AccessSecret == cfg.RefreshSecret && cfg.Env != "dev" {
		return errors.New("config: access and refresh secrets must differ")
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("config: bcrypt cost %d out of range", cfg.BcryptCost)
	}
	switch cfg.TokenStore {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown token store %q", cfg.TokenStore)
	}
	return nil
}
