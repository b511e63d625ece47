package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cloudvelous/ragloop/internal/ask"
	"github.com/cloudvelous/ragloop/internal/auth"
	"github.com/cloudvelous/ragloop/internal/config"
	"github.com/cloudvelous/ragloop/internal/embeddings"
	"github.com/cloudvelous/ragloop/internal/events"
	"github.com/cloudvelous/ragloop/internal/feedback"
	"github.com/cloudvelous/ragloop/internal/generation"
	"github.com/cloudvelous/ragloop/internal/httpapi"
	"github.com/cloudvelous/ragloop/internal/llm"
	"github.com/cloudvelous/ragloop/internal/retrieval"
	"github.com/cloudvelous/ragloop/internal/store"
	"github.com/cloudvelous/ragloop/internal/tracing"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Metrics listener comes up first so scrapes work during slow starts.
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("starting metrics server", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "ragloop",
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("tracing initialization failed, continuing without", zap.Error(err))
	}

	st, err := store.New(store.Config{
		URL:             cfg.Database.URL,
		Dimensions:      cfg.Embedding.Dimension,
		MaxConnections:  cfg.Database.MaxOpenConns,
		IdleConnections: cfg.Database.MaxIdleConns,
		MaxLifetime:     cfg.Database.ConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer st.Close()

	var embedCache embeddings.EmbeddingCache
	if cfg.Redis.URL != "" {
		cache, err := embeddings.NewRedisCache(cfg.Redis.URL, logger)
		if err != nil {
			logger.Warn("embedding Redis cache unavailable, using LRU only", zap.Error(err))
		} else {
			embedCache = cache
		}
	}
	embedder := embeddings.Initialize(embeddings.Config{
		BaseURL:      cfg.Embedding.BaseURL,
		DefaultModel: cfg.Embedding.Model,
		Dimensions:   cfg.Embedding.Dimension,
		Timeout:      cfg.Embedding.Timeout,
		CacheTTL:     cfg.Embedding.CacheTTL,
		MaxLRU:       cfg.Embedding.LRUSize,
		BatchSize:    cfg.Embedding.MaxBatchSize,
	}, embedCache, logger)

	provider, err := llm.NewProvider(llm.Config{
		Provider:    cfg.LLM.Provider,
		APIKey:      providerAPIKey(cfg),
		BaseURL:     providerBaseURL(cfg),
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to build LLM provider", zap.Error(err))
	}

	// Learning knobs reload from the tunables file while running; without
	// the file they stay at their boot values.
	var tunables config.TunableSource = config.Static(cfg.Tunables())
	if path := os.Getenv("TUNABLES_PATH"); path != "" {
		watcher, err := config.NewWatcher(path, cfg.Tunables(), logger)
		if err != nil {
			logger.Fatal("Failed to create tunables watcher", zap.Error(err))
		}
		if err := watcher.Start(); err != nil {
			logger.Fatal("Failed to start tunables watcher", zap.Error(err))
		}
		defer watcher.Stop()
		tunables = watcher
	}

	retriever := retrieval.New(st, retrieval.Config{
		TopK:         cfg.Retrieval.TopK,
		KMax:         cfg.Retrieval.KMax,
		CandidateCap: cfg.Retrieval.CandidateCap,
	}, logger)
	generator := generation.NewGenerator(provider, generation.Config{
		MaxRetries: cfg.LLM.MaxRetries,
		Backoff:    500 * time.Millisecond,
	}, logger)

	hub := events.NewHub(1024)

	askCfg := func() ask.Config {
		t := tunables.Current()
		return ask.Config{
			TopK:            t.TopK,
			QueryMaxLen:     cfg.Retrieval.MaxQueryLength,
			Beta:            t.Beta,
			WorkflowEnabled: t.WorkflowEnabled,
			MemoryTopM:      t.WorkflowTopM,
			MinMemorySim:    t.MinMemorySimilarity,
			EmbedTimeout:    cfg.Embedding.Timeout,
			RetrieveTimeout: cfg.Retrieval.Timeout,
			GenerateTimeout: cfg.LLM.Timeout,
		}
	}
	orchestrator := ask.New(embedder, st, retriever, generator, askCfg, hub, logger)

	fbCfg := func() feedback.Config {
		t := tunables.Current()
		return feedback.Config{
			Delta:           t.Delta,
			WeightMin:       cfg.Learning.WeightMin,
			WeightMax:       cfg.Learning.WeightMax,
			MemoryRetries:   cfg.Learning.MemoryWriteRetries,
			RetryBackoff:    time.Second,
			WorkflowEnabled: t.WorkflowEnabled,
		}
	}
	processor := feedback.NewProcessor(st, embedder, fbCfg, hub, logger)

	manager, err := auth.NewManager(cfg.Auth.AdminAPIKey, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatal("Failed to configure admin auth", zap.Error(err))
	}
	skipAuth := os.Getenv("RAGLOOP_SKIP_AUTH") == "1"
	if skipAuth {
		logger.Warn("admin authentication disabled, do not run like this in production")
	}

	var limiterClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Warn("invalid redis url, rate limiting disabled", zap.Error(err))
		} else {
			limiterClient = redis.NewClient(opts)
			defer limiterClient.Close()
		}
	}
	limiter := httpapi.NewRateLimiter(limiterClient, cfg.RateLimit.AskPerMinute, logger)

	ready := []httpapi.ReadyCheck{
		{Name: "database", Check: st.Ping},
	}
	if limiterClient != nil {
		ready = append(ready, httpapi.ReadyCheck{Name: "redis", Check: limiter.Ping})
	}

	api := httpapi.New(httpapi.Config{
		Port:           cfg.Service.Port,
		WeightMin:      cfg.Learning.WeightMin,
		WeightMax:      cfg.Learning.WeightMax,
		EmbeddingModel: cfg.Embedding.Model,
	}, httpapi.Deps{
		Asker:    orchestrator,
		Feedback: processor,
		Store:    st,
		Embedder: embedder,
		Auth:     manager,
		AuthMW:   auth.NewMiddleware(manager, skipAuth),
		Hub:      hub,
		Limiter:  limiter,
		Ready:    ready,
	}, logger)
	apiSrv := api.Start()

	logger.Info("ragloop started",
		zap.Int("port", cfg.Service.Port),
		zap.Int("embed_dim", cfg.Embedding.Dimension),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.Bool("workflow_learning", cfg.Learning.WorkflowEnabled))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiSrv.Shutdown(ctx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func providerAPIKey(cfg *config.Config) string {
	switch cfg.LLM.Provider {
	case "openai":
		return cfg.LLM.OpenAIAPIKey
	case "gemini":
		return cfg.LLM.GeminiAPIKey
	}
	return ""
}

func providerBaseURL(cfg *config.Config) string {
	switch cfg.LLM.Provider {
	case "openai":
		return cfg.LLM.OpenAIBaseURL
	case "gemini":
		return cfg.LLM.GeminiBaseURL
	}
	return ""
}
