package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/efebarandurmaz/groundchat/internal/chat"
	"github.com/efebarandurmaz/groundchat/internal/ingest"
	"github.com/efebarandurmaz/groundchat/internal/llm"
	"github.com/efebarandurmaz/groundchat/internal/observability"
	"github.com/efebarandurmaz/groundchat/internal/server"
)

var version = "0.1.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "groundchat",
		Short:        "Chat service with document-grounded answers",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/groundchat.yaml", "Config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP chat API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	var (
		dataDir string
		reset   bool
		watch   bool
	)
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Chunk, embed and store the documents in the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(configPath, dataDir, reset, watch)
		},
	}
	ingestCmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory of .pdf, .txt and .md files (default from config)")
	ingestCmd.Flags().BoolVar(&reset, "reset", false, "Drop every stored chunk before ingesting")
	ingestCmd.Flags().BoolVar(&watch, "watch", false, "Keep running and re-ingest files as they change")

	var (
		owner     string
		sessionID string
		useRAG    bool
		topK      int
	)
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(configPath, owner, sessionID, useRAG, topK)
		},
	}
	chatCmd.Flags().StringVar(&owner, "owner", "local", "Owner id the session is stored under")
	chatCmd.Flags().StringVar(&sessionID, "session", "", "Session id to resume (default: new session)")
	chatCmd.Flags().BoolVar(&useRAG, "rag", true, "Ground answers on ingested documents")
	chatCmd.Flags().IntVar(&topK, "k", 0, "Chunks to retrieve per question (default from config)")

	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List available LLM providers",
		Run: func(cmd *cobra.Command, args []string) {
			names := make([]string, 0, len(llm.KnownProviders))
			for name := range llm.KnownProviders {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Println("Available LLM providers:")
			fmt.Println()
			for _, name := range names {
				fmt.Printf("  %-14s %s\n", name, llm.KnownProviders[name])
			}
			fmt.Println("  custom         (set base_url to any OpenAI-compatible endpoint)")
			fmt.Println()
			fmt.Println("Configure in groundchat.yaml or via environment:")
			fmt.Println("  GROUNDCHAT_LLM_PROVIDER=groq")
			fmt.Println("  GROUNDCHAT_LLM_API_KEY=gsk_...")
			fmt.Println("  GROUNDCHAT_LLM_MODEL=llama-3.3-70b-versatile")
			fmt.Println("  GROUNDCHAT_EMBEDDING_PROVIDER=openai")
		},
	}

	rootCmd.AddCommand(serveCmd, ingestCmd, chatCmd, providersCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()

	tp, err := initTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}

	health := server.NewHealthServer(&server.HealthConfig{Version: version})
	var keys func(context.Context) (int64, error)
	if kc, ok := svc.memory.(keyCounter); ok {
		keys = kc.Keys
	}
	health.RegisterCheck("memory", server.MemoryStoreHealthChecker(cfg.Memory.Backend, svc.memory.Ping, keys))
	health.RegisterCheck("vector", server.VectorStoreHealthChecker(cfg.Vector.Backend, svc.store.Ping))
	var ping func(context.Context) error
	if p, ok := svc.provider.(llm.Pinger); ok {
		ping = p.Ping
	}
	health.RegisterCheck("llm", server.LLMHealthChecker(svc.provider.Name(), ping))
	health.RegisterCheck("app", server.AppHealthChecker(svc.chat.SystemPrompt()))

	api := server.NewAPI(svc.chat, health, observability.Metrics().Handler(), cfg.Server.OwnerHeader)
	httpServer := server.NewHTTPServer(server.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, api.Handler())

	shutdown := server.NewShutdownHandler(&server.ShutdownConfig{
		Timeout: cfg.Server.ShutdownTimeout,
		Signals: []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	})
	shutdown.RegisterHook("not-ready", 0, func(ctx context.Context) error {
		health.SetReady(false)
		return nil
	})
	shutdown.Add(server.HTTPServerShutdownHook("http", httpServer.Shutdown))
	shutdown.Add(server.TracingShutdownHook(tp.Shutdown))
	shutdown.Add(server.StoreShutdownHook("memory-store", svc.memory.Close))
	shutdown.Add(server.StoreShutdownHook("vector-store", svc.store.Close))
	shutdown.Add(server.EventLogShutdownHook(svc.events.Close))
	shutdown.Start()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", httpServer.Addr, "llm", svc.provider.Name(), "vector", cfg.Vector.Backend, "memory", cfg.Memory.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			shutdown.Shutdown()
		}
	}()
	health.SetReady(true)

	shutdown.Wait()
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		slog.Info("shutdown complete")
		return nil
	}
}

func runIngest(configPath, dataDir string, reset, watch bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if dataDir == "" {
		dataDir = cfg.Ingest.DataDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := newEmbedProvider(cfg)
	if err != nil {
		return err
	}
	store, err := openVectorStore(ctx, cfg.Vector)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	defer store.Close()

	pipeline, err := newPipeline(cfg, provider, store)
	if err != nil {
		return err
	}

	if reset {
		if err := store.Reset(ctx); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		fmt.Println("Vector store reset")
	}

	results, err := pipeline.IngestDir(ctx, dataDir)
	if err != nil {
		return err
	}
	total := 0
	for _, r := range results {
		fmt.Printf("  %-50s %4d chunks\n", r.Path, r.Chunks)
		total += r.Chunks
	}
	fmt.Printf("Ingested %d chunks from %d files in %s\n", total, len(results), dataDir)

	if !watch {
		return nil
	}

	watcher, err := ingest.NewWatcher(cfg.Ingest.WatchDebounce)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer watcher.Close()
	events, err := watcher.Watch(ctx, dataDir)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	fmt.Printf("Watching %s for changes (Ctrl+C to stop)\n", dataDir)
	pipeline.Run(ctx, events)
	return nil
}

func runChat(configPath, owner, sessionID string, useRAG bool, topK int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	boldGreen := color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	faint := color.New(color.Faint).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()

	fmt.Println(boldGreen("groundchat"))
	fmt.Printf("Model: %s  Session: %s  RAG: %v\n", boldCyan(cfg.LLM.Model), sessionID, useRAG)
	fmt.Println("Type a message and press Enter. /reset clears the session, /quit exits.")
	fmt.Println()

	var k *int
	if topK > 0 {
		k = &topK
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(boldGreen("You: "))
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())

		switch input {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			if err := svc.chat.Reset(ctx, owner, sessionID); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				continue
			}
			fmt.Println(faint("Session cleared."))
			continue
		}

		reply, err := svc.chat.Chat(ctx, chat.Request{
			Owner:     owner,
			SessionID: sessionID,
			Message:   input,
			UseRAG:    useRAG,
			K:         k,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}

		fmt.Printf("%s%s\n", boldCyan("Assistant: "), reply.Answer)
		for _, src := range reply.Sources {
			page := ""
			if src.Page != nil {
				page = fmt.Sprintf(" p.%d", *src.Page)
			}
			fmt.Println(faint(fmt.Sprintf("  [%s%s, score %.2f]", src.Source, page, src.Score)))
		}
		for _, w := range reply.Warnings {
			fmt.Println(warn("  warning: " + w))
		}
		fmt.Println()
	}
}
