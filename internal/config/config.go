package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env      string
	LogLevel string
	Port     string

	DatabaseURL   string
	RedisAddr     string
	RedisDB       int
	NotifyChannel string
	CORSAllow     []string

	PersistTimeout  time.Duration
	MaxQueueDepth   int
	RetryInterval   time.Duration
	RetryMaxBackoff time.Duration
	RegistryShards  int
	SendBuffer      int

	RoomRetention time.Duration
	SweepInterval time.Duration
}

func Load() Config {
	cfg := Config{
		Env:             getEnv("APP_ENV", "dev"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisDB:         getEnvInt("REDIS_DB", 0),
		NotifyChannel:   getEnv("NOTIFY_CHANNEL", "consult:call-ended"),
		CORSAllow:       splitCSV(getEnv("CORS_ALLOW", "http://localhost:3000")),
		PersistTimeout:  getEnvDuration("PERSIST_TIMEOUT", 3*time.Second),
		MaxQueueDepth:   getEnvInt("MAX_QUEUE_DEPTH", 64),
		RetryInterval:   getEnvDuration("RETRY_INTERVAL", 500*time.Millisecond),
		RetryMaxBackoff: getEnvDuration("RETRY_MAX_BACKOFF", 30*time.Second),
		RegistryShards:  getEnvInt("REGISTRY_SHARDS", 32),
		SendBuffer:      getEnvInt("SEND_BUFFER", 32),
		RoomRetention:   getEnvDuration("ROOM_RETENTION", 24*time.Hour),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

// splitCSV trims and filters a comma-separated list
func splitCSV(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
