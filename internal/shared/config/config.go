package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port string
	Env  string

	// Persistence (optional - in-memory stores are used when unset)
	DatabaseURL string
	RedisURL    string

	// Provider API keys / endpoints
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GeminiAPIKey    string
	MistralAPIKey   string
	OllamaBaseURL   string

	// Failover priority order, highest first
	FailoverOrder []string

	// Rate limiting (token bucket)
	RateLimitCapacity     float64
	RateLimitRefillPerSec float64

	// Response caching
	CacheTTL time.Duration

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	// Provider dispatch
	ProviderTimeout time.Duration

	// Key lifecycle
	DefaultGracePeriod time.Duration

	// Background sweeper
	SweepInterval   time.Duration
	BucketIdleEvict time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", "8080"),
		Env:                     getEnv("ENV", "development"),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		RedisURL:                getEnv("REDIS_URL", ""),
		OpenAIAPIKey:            getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey:         getEnv("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:            getEnv("GEMINI_API_KEY", ""),
		MistralAPIKey:           getEnv("MISTRAL_API_KEY", ""),
		OllamaBaseURL:           getEnv("OLLAMA_BASE_URL", ""),
		FailoverOrder:           getEnvList("FAILOVER_ORDER"),
		RateLimitCapacity:       getEnvFloat("RATE_LIMIT_CAPACITY", 100),
		RateLimitRefillPerSec:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 100.0/60.0),
		CacheTTL:                getEnvSeconds("CACHE_TTL_SECONDS", 3600),
		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:         getEnvSeconds("BREAKER_COOLDOWN_SECONDS", 30),
		ProviderTimeout:         getEnvSeconds("PROVIDER_TIMEOUT_SECONDS", 60),
		DefaultGracePeriod:      getEnvDays("DEFAULT_GRACE_PERIOD_DAYS", 7),
		SweepInterval:           getEnvSeconds("SWEEP_INTERVAL_SECONDS", 300),
		BucketIdleEvict:         getEnvSeconds("BUCKET_IDLE_EVICT_SECONDS", 3600),
	}

	// At least one provider must be configured
	if cfg.OpenAIAPIKey == "" && cfg.AnthropicAPIKey == "" && cfg.GeminiAPIKey == "" &&
		cfg.MistralAPIKey == "" && cfg.OllamaBaseURL == "" {
		return nil, fmt.Errorf("at least one provider must be configured (OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY, MISTRAL_API_KEY, or OLLAMA_BASE_URL)")
	}

	if cfg.RateLimitCapacity <= 0 || cfg.RateLimitRefillPerSec <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_CAPACITY and RATE_LIMIT_REFILL_PER_SEC must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvSeconds(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Second
}

func getEnvDays(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * 24 * time.Hour
}
