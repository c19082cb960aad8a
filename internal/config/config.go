package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DBSource  string
	RedisAddr string
	Port      string
	Env       string

	JWTSecret    string
	PollTokenTTL int // minutes

	WorkerConcurrency int

	WeekendTrading bool
	ProfitMin      string
	ProfitMax      string
}

func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	return &Config{
		DBSource:          dbSource,
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		Port:              getEnv("SERVER_PORT", "8080"),
		Env:               getEnv("ENVIRONMENT", "development"),
		JWTSecret:         secret,
		PollTokenTTL:      getEnvInt("POLL_TOKEN_TTL_MINUTES", 60),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 10),
		WeekendTrading:    getEnv("WEEKEND_TRADING", "false") == "true",
		ProfitMin:         getEnv("PROFIT_RATE_MIN", "1.50"),
		ProfitMax:         getEnv("PROFIT_RATE_MAX", "3.50"),
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
