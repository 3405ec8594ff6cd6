package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"pdfrag/internal/chunker"
	"pdfrag/internal/config"
	"pdfrag/internal/embedding"
	"pdfrag/internal/helper"
	"pdfrag/internal/identity"
	"pdfrag/internal/jobs"
	"pdfrag/internal/llmservice"
	"pdfrag/internal/models"
	"pdfrag/internal/parser"
	"pdfrag/internal/rag"
	"pdfrag/internal/server"
	"pdfrag/internal/vectorstore"
	"pdfrag/internal/vectorstore/chromem"
	"pdfrag/internal/vectorstore/memory"
	"pdfrag/internal/vectorstore/pgvector"
	"pdfrag/internal/vectorstore/qdrant"
	"pdfrag/internal/watcher"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "./configs/config.yaml", "Path to the YAML configuration file")
	filePath := flag.String("file", "", "Path to a document file to ingest")
	source := flag.String("source", "", "Source ID for -file, defaults to the file name")
	dryRun := flag.Bool("dry-run", false, "Parse and chunk -file, print the chunks, skip embedding and storage")
	query := flag.String("query", "", "Question to answer from the ingested documents")
	topK := flag.Int("top-k", 0, "How many chunks to retrieve for -query, default from config")
	serveFlag := flag.Bool("serve", false, "Run the HTTP API with the background job runner")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Caller().Logger()

	cfg := loadConfig(*configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *filePath != "" && *query != "":
		log.Fatal().Msg("Provide either -file or -query, not both")
	case *dryRun && *filePath != "":
		dryRunFile(cfg, *filePath, *source)
	case *filePath != "":
		ingestFile(ctx, cfg, *filePath, *source)
	case *query != "":
		answerQuery(ctx, cfg, *query, *topK)
	case *serveFlag:
		serve(ctx, cfg)
	default:
		log.Fatal().Msg("Provide a document with -file, a question with -query, or start the API with -serve")
	}
}

func loadConfig(path string) *config.Config {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Warn().Str("path", path).Msg("config file not found, using defaults")
			return config.Default()
		}
		log.Fatal().Err(err).Msg("Error loading config")
	}
	log.Debug().Interface("config", cfg).Msg("Loaded config")
	return cfg
}

// components holds the assembled pipelines and the store handle they share.
type components struct {
	embedder  *embedding.Embedder
	store     vectorstore.Store
	ingestor  *rag.Ingestor
	retriever *rag.Retriever
}

func buildComponents(ctx context.Context, cfg *config.Config) *components {
	embedder, err := embedding.NewFromConfig(cfg.Embedding)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing embedder")
	}

	store, err := buildStore(cfg, embedder.Dimensions(), embedder.Model())
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing vector store")
	}
	if err := store.EnsureCollection(ctx); err != nil {
		log.Fatal().Err(err).Msg("Error ensuring collection")
	}

	splitter, err := chunker.New(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing chunker")
	}
	answerer, err := llmservice.NewFromConfig(cfg.LLM)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing llm client")
	}

	ingestor, err := rag.NewIngestor(splitter, embedder, store, cfg.RAG.Prune())
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing ingestion pipeline")
	}
	retriever, err := rag.NewRetriever(embedder, store, answerer, cfg.RAG.TopK)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing retrieval pipeline")
	}

	return &components{embedder: embedder, store: store, ingestor: ingestor, retriever: retriever}
}

func buildStore(cfg *config.Config, dims int, model string) (vectorstore.Store, error) {
	metric, err := vectorstore.ParseMetric(cfg.Store.Distance)
	if err != nil {
		return nil, err
	}
	switch cfg.Store.Backend {
	case "memory":
		return memory.New(dims, metric)
	case "qdrant":
		return qdrant.New(qdrant.Config{
			URL:        cfg.Store.Qdrant.URL,
			APIKey:     cfg.Store.Qdrant.APIKey(),
			Collection: cfg.Store.Collection,
			Dimensions: dims,
			Metric:     metric,
			Timeout:    cfg.Store.Qdrant.Timeout(),
		})
	case "chromem":
		return chromem.New(chromem.Config{
			Path:          cfg.Store.Chromem.Path,
			InMemory:      cfg.Store.Chromem.InMemory,
			Compress:      cfg.Store.Chromem.Compress,
			EncryptionKey: cfg.Store.Chromem.EncryptionKey(),
			Collection:    cfg.Store.Collection,
			Dimensions:    dims,
			Model:         model,
			Metric:        metric,
		})
	case "pgvector":
		return pgvector.New(pgvector.Config{
			DSN:        cfg.Store.Postgres.DSN,
			Password:   cfg.Store.Postgres.Password(),
			Driver:     cfg.Store.Postgres.Driver,
			Debug:      cfg.Store.Postgres.Debug,
			Collection: cfg.Store.Collection,
			Dimensions: dims,
			Model:      model,
			Metric:     metric,
		})
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", models.ErrInvalidInput, cfg.Store.Backend)
	}
}

// dryRunFile shows what ingestion would store without touching the
// embedding service or the vector store.
func dryRunFile(cfg *config.Config, path, sourceID string) {
	sections, err := parser.ExtractText(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Error parsing document")
	}
	splitter, err := chunker.New(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing chunker")
	}
	if sourceID == "" {
		sourceID = filepath.Base(path)
	}

	chunks := splitter.Split(strings.Join(sections, "\n\n"))
	ids := identity.ChunkIDs(sourceID, len(chunks))
	records := make([]map[string]string, len(chunks))
	for i := range chunks {
		records[i] = map[string]string{"id": ids[i], "source": sourceID, "text": chunks[i]}
	}
	helper.PrettyPrint(records)
	log.Info().Int("sections", len(sections)).Int("chunks", len(chunks)).Msg("dry run complete")
}

func ingestFile(ctx context.Context, cfg *config.Config, path, sourceID string) {
	c := buildComponents(ctx, cfg)
	defer c.store.Close()

	res, err := c.ingestor.IngestFile(ctx, path, sourceID)
	if err != nil {
		log.Fatal().Err(err).Msg("Error ingesting document")
	}
	log.Info().Str("file", path).Int("chunks", res.Ingested).Msg("document ingested")
}

func answerQuery(ctx context.Context, cfg *config.Config, question string, topK int) {
	c := buildComponents(ctx, cfg)
	defer c.store.Close()

	res, err := c.retriever.Query(ctx, question, topK)
	if err != nil {
		log.Fatal().Err(err).Msg("Error answering question")
	}

	fmt.Printf("\n%s\n", res.Answer)
	if len(res.Sources) > 0 {
		fmt.Println("\nSources:")
		for _, s := range res.Sources {
			fmt.Printf("  - %s\n", s)
		}
	}
}

func serve(ctx context.Context, cfg *config.Config) {
	c := buildComponents(ctx, cfg)
	defer c.store.Close()

	if err := helper.EnsureDir(cfg.Server.UploadDir); err != nil {
		log.Fatal().Err(err).Msg("Error creating upload directory")
	}

	runner := jobs.New(jobs.Config{
		Workers:           cfg.Jobs.Workers,
		ThrottlePerMinute: cfg.Jobs.ThrottlePerMinute,
		SourceCooldown:    cfg.Jobs.SourceCooldown(),
		MaxAttempts:       cfg.Jobs.MaxAttempts,
		Backoff:           cfg.Jobs.Backoff(),
		AttemptTimeout:    cfg.Jobs.AttemptTimeout(),
		RetainFinished:    cfg.Jobs.RetainFinished(),
	})
	jobs.RegisterPipelines(runner, c.ingestor, c.retriever)
	runner.Start(ctx)
	defer runner.Stop()

	if cfg.Server.Watch {
		w, err := watcher.New(cfg.Server.UploadDir, runner)
		if err != nil {
			log.Fatal().Err(err).Msg("Error initializing upload watcher")
		}
		if err := w.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Error starting upload watcher")
		}
		defer w.Close()
	}

	srv, err := server.New(server.Config{
		Addr:       cfg.Server.Addr,
		UploadDir:  cfg.Server.UploadDir,
		Collection: cfg.Store.Collection,
	}, runner, c.store)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing http server")
	}
	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Error running http server")
	}
}
