package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/colonycraft/llm-gateway/internal/gateway"
	"github.com/colonycraft/llm-gateway/internal/gateway/breaker"
	"github.com/colonycraft/llm-gateway/internal/gateway/cache"
	"github.com/colonycraft/llm-gateway/internal/gateway/handlers"
	"github.com/colonycraft/llm-gateway/internal/gateway/keys"
	"github.com/colonycraft/llm-gateway/internal/gateway/providers"
	"github.com/colonycraft/llm-gateway/internal/gateway/ratelimit"
	"github.com/colonycraft/llm-gateway/internal/gateway/usage"
	"github.com/colonycraft/llm-gateway/internal/shared/config"
	"github.com/colonycraft/llm-gateway/internal/shared/database"
	"github.com/colonycraft/llm-gateway/internal/shared/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	logger := log.With().Str("service", "llm-gateway").Logger()
	logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting LLM gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Key store and usage sink: Postgres when configured, in-memory
	// otherwise.
	var keyStore keys.Store
	var sink usage.Sink = usage.NewLogSink(logger)
	if cfg.DatabaseURL != "" {
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		keyStore = keys.NewPostgresStore(db.Conn())
		sink = usage.MultiSink{usage.NewLogSink(logger), usage.NewPostgresSink(db.Conn(), logger)}
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		keyStore = keys.NewMemoryStore()
		logger.Warn().Msg("DATABASE_URL not set, using in-memory key store")
	}

	// Response cache backend: Redis when configured, in-memory otherwise.
	var cacheStore cache.Store
	if cfg.RedisURL != "" {
		redisClient, err := redis.New(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer redisClient.Close()
		cacheStore = cache.NewRedisStore(redisClient)
		logger.Info().Msg("connected to Redis")
	} else {
		cacheStore = cache.NewMemoryStore()
		logger.Warn().Msg("REDIS_URL not set, using in-memory response cache")
	}

	// Provider registry, resolved once at startup from what is configured.
	registry := providers.NewRegistry()
	if cfg.OpenAIAPIKey != "" {
		registry.Register(providers.NewOpenAIProvider(cfg.OpenAIAPIKey))
	}
	if cfg.AnthropicAPIKey != "" {
		registry.Register(providers.NewAnthropicProvider(cfg.AnthropicAPIKey))
	}
	if cfg.GeminiAPIKey != "" {
		registry.Register(providers.NewGeminiProvider(cfg.GeminiAPIKey))
	}
	if cfg.MistralAPIKey != "" {
		registry.Register(providers.NewMistralProvider(cfg.MistralAPIKey))
	}
	if cfg.OllamaBaseURL != "" {
		registry.Register(providers.NewOllamaProvider(cfg.OllamaBaseURL))
	}
	logger.Info().Strs("providers", registry.Names()).Msg("initialized providers")

	failoverOrder := cfg.FailoverOrder
	if len(failoverOrder) == 0 {
		failoverOrder = registry.Names()
	}

	respCache := cache.New(cacheStore, cfg.CacheTTL, logger)
	breakers := breaker.NewRegistry(cfg.BreakerFailureThreshold, cfg.BreakerCooldown)
	router := providers.NewRouter(registry, respCache, breakers, cfg.ProviderTimeout, failoverOrder, logger)
	limiter := ratelimit.NewLimiter(ratelimit.Limit{
		Capacity:        cfg.RateLimitCapacity,
		RefillPerSecond: cfg.RateLimitRefillPerSec,
	})
	keyManager := keys.NewManager(keyStore, keys.DefaultScopes, cfg.DefaultGracePeriod, logger)
	gw := gateway.New(keyManager, limiter, router, sink, logger)

	// Without a database there is no way to create the first key, so issue a
	// bootstrap admin key and print it once.
	if cfg.DatabaseURL == "" {
		_, rawKey, err := keyManager.Issue(ctx, "bootstrap", "bootstrap-admin", []string{"read", "write", "llm:generate", "admin"}, 0)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to issue bootstrap key")
		}
		logger.Info().Str("key", rawKey).Msg("issued bootstrap admin key (save it, it will not be shown again)")
	}

	middleware := handlers.NewMiddleware(gw, cfg.RateLimitCapacity, logger)
	llmHandler := handlers.NewLLMHandler(gw, cfg.RateLimitCapacity, logger)
	keysHandler := handlers.NewKeysHandler(gw, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(2 * cfg.ProviderTimeout))
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORSMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)

		r.With(handlers.RequireScope("llm:generate")).
			Post("/llm/generate", llmHandler.HandleGenerate)

		r.Route("/keys", func(r chi.Router) {
			r.Use(handlers.RequireScope("admin"))
			r.Use(middleware.RateLimitMiddleware)

			r.Post("/", keysHandler.HandleCreate)
			r.Get("/", keysHandler.HandleList)
			r.Post("/{id}/rotate", keysHandler.HandleRotate)
			r.Delete("/{id}", keysHandler.HandleRevoke)
		})
	})

	// Background sweeper: scheduled key expiry plus idle bucket eviction.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if swept, err := keyManager.SweepExpired(ctx); err != nil {
					logger.Warn().Err(err).Msg("key expiry sweep failed")
				} else if swept > 0 {
					logger.Info().Int("swept", swept).Msg("expired keys")
				}
				if evicted := gw.EvictIdleBuckets(cfg.BucketIdleEvict); evicted > 0 {
					logger.Info().Int("evicted", evicted).Msg("evicted idle rate-limit buckets")
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 2 * cfg.ProviderTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}

	logger.Info().Msg("server stopped")
}
