package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nesall/rag-code-assistant/internal/chunk"
	"github.com/nesall/rag-code-assistant/internal/config"
	"github.com/nesall/rag-code-assistant/internal/infer"
	"github.com/nesall/rag-code-assistant/internal/rag"
	"github.com/nesall/rag-code-assistant/internal/source"
	"github.com/nesall/rag-code-assistant/internal/store"
	"github.com/nesall/rag-code-assistant/internal/token"
	"github.com/nesall/rag-code-assistant/internal/update"
	"github.com/nesall/rag-code-assistant/internal/version"
	"github.com/nesall/rag-code-assistant/internal/web"
)

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:     "ragserver",
	Short:   "Local RAG engine for source code and document corpora",
	Version: version.Full(),
	Long: `ragserver ingests configured files, directories, and URLs, embeds them
through an external inference endpoint, and answers semantic-search and
chat queries from a local vector store.`,
}

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Process and embed all configured sources",
	RunE:  runEmbed,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Reconcile the index with the filesystem",
	RunE:  runUpdate,
}

var watchCmd = &cobra.Command{
	Use:   "watch [interval]",
	Short: "Watch sources and update the index in the background",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search for similar chunks",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runStats,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all indexed data",
	RunE:  runClear,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Rebuild the vector index without tombstones",
	RunE:  runCompact,
}

var chatCmd = &cobra.Command{
	Use:   "chat [question]",
	Short: "Ask a question against the indexed corpus",
	RunE:  runChat,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	rootCmd.SetVersionTemplate("ragserver version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "config file path")

	searchCmd.Flags().Int("top", 5, "number of results")
	clearCmd.Flags().Bool("force", false, "skip confirmation prompt")
	watchCmd.Flags().Bool("notify", false, "react to filesystem events instead of polling")
	serveCmd.Flags().IntP("port", "p", 8081, "server port")
	serveCmd.Flags().String("host", "0.0.0.0", "server bind address")
	serveCmd.Flags().Int("watch", 0, "auto-update interval in seconds (0 disables)")

	rootCmd.AddCommand(embedCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
}

// app bundles the wired core components. Dependencies are resolved here,
// at startup, and reach components through their constructors only.
type app struct {
	cfg        *config.Config
	store      *store.Store
	collector  *source.Collector
	chunker    *chunk.Chunker
	embedder   *infer.EmbeddingClient
	completion *infer.CompletionClient
	updater    *update.Updater
	planner    *rag.Planner
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	counter := token.NewCounter(cfg.Tokenizer.ConfigPath)
	chunker := chunk.New(counter, chunk.Config{
		MinTokens:     cfg.Chunking.NofMinTokens,
		MaxTokens:     cfg.Chunking.NofMaxTokens,
		OverlapRatio:  cfg.Chunking.OverlapPercentage,
		CodeLineRatio: cfg.Chunking.CodeLineRatio,
		CodeCharRatio: cfg.Chunking.CodeCharRatio,
	})
	collector := source.NewCollector(cfg)

	metric := store.MetricL2
	if strings.EqualFold(cfg.Database.DistanceMetric, "cosine") {
		metric = store.MetricCosine
	}
	st, err := store.Open(store.Options{
		SQLitePath:  cfg.Database.SQLitePath,
		IndexPath:   cfg.Database.IndexPath,
		VectorDim:   cfg.Database.VectorDim,
		MaxElements: cfg.Database.MaxElements,
		Metric:      metric,
	})
	if err != nil {
		return nil, err
	}

	embedder := infer.NewEmbeddingClient(cfg.Embedding.APIURL, cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.TimeoutMs)
	completion := infer.NewCompletionClient(cfg.Generation.APIURL, cfg.Generation.APIKey, cfg.Generation.Model, cfg.Generation.TimeoutMs)

	updater := update.NewUpdater(st, collector, chunker, embedder, update.Config{
		BatchSize:     cfg.Embedding.BatchSize,
		Semantic:      cfg.Chunking.Semantic,
		PrependPhrase: cfg.Embedding.PrependPhrase,
	})
	planner := rag.NewPlanner(st, chunker, embedder, completion, collector, rag.Options{
		EmbeddingTopK:       cfg.Embedding.TopK,
		MaxFullSources:      cfg.Generation.MaxFullSources,
		MaxRelatedPerSource: cfg.Generation.MaxRelatedPerSource,
		MaxChunks:           cfg.Generation.MaxChunks,
		MaxContextTokens:    cfg.Generation.MaxContextTokens,
		PrependPhrase:       cfg.Embedding.PrependPhrase,
	})

	return &app{
		cfg:        cfg,
		store:      st,
		collector:  collector,
		chunker:    chunker,
		embedder:   embedder,
		completion: completion,
		updater:    updater,
		planner:    planner,
	}, nil
}

func (a *app) Close() {
	_ = a.store.Close()
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		cancel()
	}()
	return ctx, cancel
}

func runEmbed(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	fmt.Println("Starting embedding process...")

	entries := a.collector.Collect(ctx)
	totalChunks, totalFiles := 0, 0

	for _, entry := range entries {
		fmt.Printf("Processing: %s\n", entry.URI)

		chunks := a.chunker.Chunk(entry.Content, entry.URI, a.cfg.Chunking.Semantic)
		fmt.Printf("  Generated %d chunks\n", len(chunks))
		if len(chunks) == 0 {
			continue
		}

		embeddings, err := a.updater.EmbedChunks(ctx, chunks)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error processing %s: %v\n", entry.URI, err)
			continue
		}

		err = a.store.WithTransaction(ctx, func(t *store.Txn) error {
			if _, err := t.DeleteDocumentsBySource(ctx, entry.URI); err != nil {
				return err
			}
			for i := range chunks {
				if _, err := t.AddDocument(ctx, chunks[i], embeddings[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error processing %s: %v\n", entry.URI, err)
			continue
		}

		totalChunks += len(chunks)
		totalFiles++
	}

	if err := a.store.Persist(); err != nil {
		return err
	}

	fmt.Println("\nCompleted!")
	fmt.Printf("  Files processed: %d\n", totalFiles)
	fmt.Printf("  Total chunks: %d\n", totalChunks)
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.updater.Update(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Update complete: %d files processed\n", n)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	interval := 60
	if len(args) > 0 {
		var err error
		interval, err = strconv.Atoi(args[0])
		if err != nil || interval <= 0 {
			return fmt.Errorf("invalid watch interval: %s", args[0])
		}
	}
	notify, _ := cmd.Flags().GetBool("notify")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if notify {
		watcher, err := update.NewNotifyWatcher(a.updater, a.collector.Roots(), 0)
		if err != nil {
			return fmt.Errorf("create watcher: %w", err)
		}
		err = watcher.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	}

	err = a.updater.Watch(ctx, time.Duration(interval)*time.Second)
	if err == context.Canceled {
		return nil
	}
	return err
}

func runSearch(cmd *cobra.Command, args []string) error {
	topK, _ := cmd.Flags().GetInt("top")
	query := strings.Join(args, " ")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	fmt.Printf("Searching for: %s\n", query)

	embedding, err := a.embedder.Embed(ctx, chunk.CleanForEmbedding(query, a.cfg.Embedding.PrependPhrase))
	if err != nil {
		return fmt.Errorf("embed query: %w", err)
	}
	results, err := a.store.Search(ctx, embedding, topK)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	fmt.Printf("\nFound %d results:\n", len(results))
	fmt.Println(strings.Repeat("-", 80))
	for i, r := range results {
		fmt.Printf("\n[%d] Score: %.4f\n", i+1, r.SimilarityScore)
		fmt.Printf("Source: %s\n", r.SourceID)
		fmt.Printf("Type: %s\n", r.ChunkType)
		content := r.Content
		if len(content) > 200 {
			content = content[:200] + "..."
		}
		fmt.Printf("Content: %s\n", content)
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.store.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Println("\n=== Database Statistics ===")
	fmt.Printf("Total chunks: %d\n", stats.TotalChunks)
	fmt.Printf("Vectors in index: %d\n", stats.VectorCount)
	fmt.Printf("Active vectors: %d\n", stats.ActiveCount)
	fmt.Printf("Tombstoned vectors: %d\n", stats.DeletedCount)
	fmt.Println("\nChunks by source:")
	for _, sc := range stats.Sources {
		fmt.Printf("  %s: %d\n", sc.SourceID, sc.Chunks)
	}
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	if !force {
		fmt.Print("Are you sure you want to clear all data? (yes/no): ")
		var confirm string
		_, _ = fmt.Scanln(&confirm)
		if confirm != "yes" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Clear(context.Background()); err != nil {
		return err
	}
	if err := a.store.Persist(); err != nil {
		return err
	}
	fmt.Println("Database cleared.")
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	before, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}
	if err := a.store.Compact(ctx); err != nil {
		return err
	}
	if err := a.store.Persist(); err != nil {
		return err
	}
	after, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Compaction complete:")
	fmt.Printf("  Tombstones reclaimed: %d\n", before.DeletedCount)
	fmt.Printf("  Vectors in index: %d\n", after.VectorCount)
	return nil
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	question := strings.Join(args, " ")
	if question == "" {
		fmt.Print("Question: ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read question: %w", err)
		}
		question = strings.TrimSpace(line)
	}
	if question == "" {
		return fmt.Errorf("chat requires a question")
	}

	ctx, cancel := signalContext()
	defer cancel()

	req := &rag.ChatRequest{
		Messages: []infer.Message{{Role: "user", Content: question}},
	}
	_, err = a.planner.Chat(ctx, req, func(delta string) error {
		fmt.Print(delta)
		return nil
	})
	fmt.Println()
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")
	watchInterval, _ := cmd.Flags().GetInt("watch")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if watchInterval > 0 {
		go func() {
			if err := a.updater.Watch(ctx, time.Duration(watchInterval)*time.Second); err != nil && err != context.Canceled {
				fmt.Fprintf(os.Stderr, "watch stopped: %v\n", err)
			}
		}()
		fmt.Printf("  Auto-update: enabled (every %ds)\n", watchInterval)
	} else {
		fmt.Println("  Auto-update: disabled")
	}

	handler := web.NewHandler(a.store, a.chunker, a.embedder, a.planner, a.updater, a.cfg.Embedding.PrependPhrase)
	server := web.NewServer(web.ServerConfig{Host: host, Port: port}, handler)

	fmt.Printf("Starting HTTP API server on port %d...\n", port)
	fmt.Println("\nEndpoints:")
	fmt.Println("  GET  /api")
	fmt.Println("  GET  /api/health")
	fmt.Println("  GET  /api/stats")
	fmt.Println("  GET  /api/documents")
	fmt.Println("  POST /api/search    - {\"query\": \"...\", \"top_k\": 5}")
	fmt.Println("  POST /api/embed     - {\"text\": \"...\"}")
	fmt.Println("  POST /api/documents - {\"content\": \"...\", \"source_id\": \"...\"}")
	fmt.Println("  POST /api/update")
	fmt.Println("  POST /api/chat      - {\"messages\": [...], \"temperature\": 0.5}")
	fmt.Println("\nPress Ctrl+C to stop")

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return nil
	}
}
