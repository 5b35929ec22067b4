package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Dispatch DispatchConfig
	Pairing  PairingConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type DispatchConfig struct {
	Interval        time.Duration
	BatchSize       int
	MessageDelay    time.Duration
	StaleClaimAfter time.Duration
	DeliveryTimeout time.Duration
}

type PairingConfig struct {
	ServerURL string
}

func LoadAll() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: mustEnv("POSTGRES_URL"),
		},
		Dispatch: DispatchConfig{
			Interval:        time.Duration(getEnvInt("DISPATCH_INTERVAL_SECONDS", 60)) * time.Second,
			BatchSize:       getEnvInt("DISPATCH_BATCH_SIZE", 20),
			MessageDelay:    time.Duration(getEnvInt("DISPATCH_MESSAGE_DELAY_MS", 500)) * time.Millisecond,
			StaleClaimAfter: time.Duration(getEnvInt("DISPATCH_STALE_CLAIM_MINUTES", 5)) * time.Minute,
			DeliveryTimeout: time.Duration(getEnvInt("DISPATCH_DELIVERY_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Pairing: PairingConfig{
			ServerURL: mustEnv("PAIRING_SERVER_URL"),
		},
		Redis: loadRedisConfig(),
	}

	validate(cfg)
	return cfg, nil
}

func loadRedisConfig() RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvInt("REDIS_DB", 0),
		TTL:      time.Duration(getEnvInt("REDIS_TTL_SECONDS", 86400)) * time.Second,
	}
}

func validate(cfg *Config) {
	if cfg.Dispatch.BatchSize <= 0 {
		panic("DISPATCH_BATCH_SIZE must be > 0")
	}
	if cfg.Dispatch.Interval <= 0 {
		panic("DISPATCH_INTERVAL_SECONDS must be > 0")
	}
	if cfg.Dispatch.MessageDelay < 0 {
		panic("DISPATCH_MESSAGE_DELAY_MS must be >= 0")
	}
	if cfg.Dispatch.StaleClaimAfter <= 0 {
		panic("DISPATCH_STALE_CLAIM_MINUTES must be > 0")
	}
	if cfg.Dispatch.DeliveryTimeout <= 0 {
		panic("DISPATCH_DELIVERY_TIMEOUT_SECONDS must be > 0")
	}
}

func mustEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("missing required env var: %s", key))
	}
	return val
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("invalid int for env %s: %s", key, v))
	}
	return i
}
