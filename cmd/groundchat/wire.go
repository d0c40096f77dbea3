package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/efebarandurmaz/groundchat/internal/chat"
	"github.com/efebarandurmaz/groundchat/internal/config"
	"github.com/efebarandurmaz/groundchat/internal/embedding"
	"github.com/efebarandurmaz/groundchat/internal/ingest"
	"github.com/efebarandurmaz/groundchat/internal/llm"
	"github.com/efebarandurmaz/groundchat/internal/llmutil"
	"github.com/efebarandurmaz/groundchat/internal/memory"
	"github.com/efebarandurmaz/groundchat/internal/observability"
	"github.com/efebarandurmaz/groundchat/internal/retrieval"
	"github.com/efebarandurmaz/groundchat/internal/vector"
	"github.com/efebarandurmaz/groundchat/internal/vector/qdrant"
	"github.com/efebarandurmaz/groundchat/internal/vector/sqlite"
)

// loadConfig reads configuration and installs the configured logger.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, nil
}

func newFactory() *llm.ProviderFactory {
	factory := llm.NewFactory()
	llmutil.RegisterDefaultProviders(factory)
	return factory
}

// newChatProvider builds the completion provider with rate limiting and the
// completion retry budget.
func newChatProvider(cfg *config.Config) (llm.Provider, error) {
	retry := llm.CompletionRetryPolicy()
	if cfg.LLM.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.LLM.MaxAttempts
	}
	provider, err := newFactory().Create(llm.ProviderConfig{
		Provider:          cfg.LLM.Provider,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		BaseURL:           cfg.LLM.BaseURL,
		EmbedModel:        cfg.Embedding.Model,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		BurstSize:         cfg.LLM.Burst,
		Retry:             retry,
	})
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	if provider == nil {
		return nil, fmt.Errorf("llm provider: %q cannot answer chat requests", cfg.LLM.Provider)
	}
	return provider, nil
}

// newEmbedProvider builds the embedding provider. Retries are left to the
// embedder, which picks the ingest or query budget.
func newEmbedProvider(cfg *config.Config) (llm.Provider, error) {
	emb := cfg.Embedding.Resolve(cfg.LLM)
	provider, err := newFactory().Create(llm.ProviderConfig{
		Provider:          emb.Provider,
		APIKey:            emb.APIKey,
		BaseURL:           emb.BaseURL,
		EmbedModel:        emb.Model,
		Timeout:           emb.Timeout,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
		BurstSize:         cfg.LLM.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	return provider, nil
}

func openVectorStore(ctx context.Context, cfg config.VectorConfig) (vector.Repository, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return sqlite.Open(ctx, cfg.Path)
	case "qdrant":
		return qdrant.New(qdrant.Config{
			Host:       cfg.Host,
			Port:       cfg.Port,
			APIKey:     cfg.APIKey,
			Collection: cfg.Collection,
		})
	}
	return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
}

// keyCounter is implemented by stores that can report their size.
type keyCounter interface {
	Keys(ctx context.Context) (int64, error)
}

func openMemory(cfg config.MemoryConfig) (memory.Store, error) {
	switch cfg.Backend {
	case "", "redis":
		return memory.NewRedisStore(memory.RedisConfig{
			URL:      cfg.RedisURL,
			MaxTurns: cfg.MaxTurns,
			TTL:      cfg.SessionTTL,
		})
	case "memory":
		return memory.NewInMemoryStore(cfg.MaxTurns), nil
	}
	return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
}

func newPipeline(cfg *config.Config, provider llm.Provider, store vector.Repository) (*ingest.Pipeline, error) {
	if provider == nil {
		return nil, fmt.Errorf("ingest: no embedding provider configured")
	}
	return ingest.NewPipeline(
		embedding.NewIngestEmbedder(provider, cfg.Embedding.BatchSize),
		store,
		ingest.ChunkOptions{
			ChunkChars:  cfg.Chunker.ChunkChars,
			Overlap:     cfg.Chunker.Overlap,
			MinLookback: cfg.Chunker.MinLookback,
		},
		cfg.Ingest.Parallelism,
	), nil
}

// services holds the long-lived components shared by serve and chat.
type services struct {
	cfg      *config.Config
	chat     *chat.Service
	provider llm.Provider
	store    vector.Repository
	memory   memory.Store
	events   *observability.EventLogger
}

func buildServices(ctx context.Context, cfg *config.Config) (*services, error) {
	provider, err := newChatProvider(cfg)
	if err != nil {
		return nil, err
	}
	embedder, err := newEmbedProvider(cfg)
	if err != nil {
		return nil, err
	}
	store, err := openVectorStore(ctx, cfg.Vector)
	if err != nil {
		return nil, fmt.Errorf("vector store: %w", err)
	}
	mem, err := openMemory(cfg.Memory)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("memory store: %w", err)
	}
	events, err := observability.NewEventLogger(observability.EventConfig{
		Enabled: cfg.Events.Enabled,
		Dir:     cfg.Events.Dir,
	})
	if err != nil {
		store.Close()
		mem.Close()
		return nil, err
	}

	var retriever chat.Retriever
	if embedder != nil {
		retriever = retrieval.NewRetriever(embedding.NewQueryEmbedder(embedder), store, retrieval.Config{
			OverfetchFactor: cfg.Retrieval.OverfetchFactor,
			OverfetchCap:    cfg.Retrieval.OverfetchCap,
			MinChunkChars:   cfg.Retrieval.MinChunkChars,
		})
	} else {
		slog.Warn("no embedding provider configured, RAG requests will be answered ungrounded")
	}

	svc := chat.NewService(provider, retriever, retrieval.NewAssembler(cfg.Retrieval.SystemPrompt), mem, events, chat.Config{
		Model:         cfg.LLM.Model,
		DefaultK:      cfg.Retrieval.DefaultK,
		MaxK:          cfg.Retrieval.MaxK,
		MinScore:      cfg.Retrieval.MinScore,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.MaxTokens,
		MemoryTimeout: cfg.Memory.WriteTimeout,
	})

	return &services{
		cfg:      cfg,
		chat:     svc,
		provider: provider,
		store:    store,
		memory:   mem,
		events:   events,
	}, nil
}

func (s *services) Close() {
	s.events.Close()
	s.memory.Close()
	s.store.Close()
}

func initTracing(ctx context.Context, cfg config.TracingConfig) (*observability.TracerProvider, error) {
	tc := observability.DefaultTracingConfig()
	tc.OTLPEndpoint = cfg.Endpoint
	if cfg.ServiceName != "" {
		tc.ServiceName = cfg.ServiceName
	}
	if cfg.Environment != "" {
		tc.Environment = cfg.Environment
	}
	tc.SampleRate = cfg.SampleRate
	tc.ServiceVersion = version
	return observability.InitTracing(ctx, tc)
}
