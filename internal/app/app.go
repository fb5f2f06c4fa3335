// Package app wires configured components together and owns their
// lifecycle. Binaries build one App and close it on exit.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bull/docrag-server/internal/blob"
	"github.com/bull/docrag-server/internal/chat"
	"github.com/bull/docrag-server/internal/chunker"
	"github.com/bull/docrag-server/internal/config"
	"github.com/bull/docrag-server/internal/embedding"
	"github.com/bull/docrag-server/internal/generation"
	"github.com/bull/docrag-server/internal/images"
	"github.com/bull/docrag-server/internal/indexer"
	"github.com/bull/docrag-server/internal/retrieval"
	"github.com/bull/docrag-server/internal/storage"
)

// ErrModelsUnavailable is returned by operations that need OpenAI when no
// API key is configured.
var ErrModelsUnavailable = errors.New("OPENAI_API_KEY not set")

// App holds the wired components. Pipeline, Retriever and Chat are nil
// when no OpenAI key is configured; use the accessors to get an error
// instead of a nil dereference.
type App struct {
	Config   *config.Config
	Store    storage.Store
	Blobs    blob.Store
	Embedder *embedding.Embedder
	Logger   *slog.Logger

	pipeline  *indexer.Pipeline
	retriever *retrieval.Orchestrator
	chat      *chat.Service
}

// Build connects to the configured backends. It does not create the
// schema; call Store.EnsureSchema (or `docrag migrate`) for that.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	blobs, err := NewBlobStore(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &App{
		Config: cfg,
		Store:  store,
		Blobs:  blobs,
		Logger: logger,
	}

	if cfg.OpenAI.APIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, ingestion and questions are disabled")
		return a, nil
	}
	if err := a.buildModels(); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// NewStore opens the configured vector store backend.
func NewStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.VectorBackend {
	case config.BackendQdrant:
		return storage.NewQdrantStorage(storage.QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey,
			UseTLS:     cfg.Qdrant.UseTLS,
			Collection: cfg.Qdrant.Collection,
			Dimension:  cfg.OpenAI.EmbeddingDim,
		})
	case config.BackendPostgres:
		return storage.NewPostgresStorage(ctx, cfg.Postgres.DSN, cfg.OpenAI.EmbeddingDim)
	case config.BackendMemory:
		return storage.NewMemoryStorage(cfg.OpenAI.EmbeddingDim), nil
	default:
		return nil, fmt.Errorf("%w: unknown vector backend %q", config.ErrInvalidConfig, cfg.VectorBackend)
	}
}

// NewBlobStore opens the configured blob backend.
func NewBlobStore(cfg *config.Config, logger *slog.Logger) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case config.BlobSupabase:
		return blob.NewSupabaseStore(cfg.Blob.SupabaseURL, cfg.Blob.SupabaseServiceKey, nil, logger)
	case config.BlobLocal:
		return blob.NewLocalStore(cfg.Blob.LocalDir, cfg.Blob.PublicBaseURL)
	default:
		return nil, fmt.Errorf("%w: unknown blob backend %q", config.ErrInvalidConfig, cfg.Blob.Backend)
	}
}

func (a *App) buildModels() error {
	cfg := a.Config

	client, err := embedding.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
	if err != nil {
		return fmt.Errorf("failed to create OpenAI client: %w", err)
	}
	a.Embedder = embedding.NewEmbedder(client, cfg.OpenAI.EmbeddingModel, cfg.OpenAI.EmbeddingDim)

	chunks, err := chunker.New(cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	opts := indexer.Options{
		DocumentsBucket: cfg.Blob.DocumentsBucket,
		AssetsBucket:    cfg.Blob.AssetsBucket,

		EmbedRequestsPerSecond: cfg.OpenAI.EmbedRequestsPerSecond,
	}
	if cfg.Images.UsePDFImages {
		opts.PDFImages = images.NewPDFExtractor(images.PDFOptions{
			Binary:     cfg.Images.PDFImagesPath,
			ScratchDir: cfg.Images.ScratchDir,
			Timeout:    cfg.Images.Timeout,
			Logger:     a.Logger,
		})
	} else {
		a.Logger.Info("PDF image extraction disabled")
	}
	if cfg.SummarizeDocuments {
		opts.Summarizer = generation.NewSummarizer(client.Client(), cfg.OpenAI.Model, generation.DefaultMaxTokens, a.Logger)
	}
	a.pipeline = indexer.NewPipeline(a.Store, a.Blobs, chunks, a.Embedder, opts, a.Logger)

	a.retriever = retrieval.New(a.Embedder, a.Store,
		retrieval.WithSimilarityCutoff(cfg.Retrieval.SimilarityCutoff),
		retrieval.WithDefaultK(cfg.Retrieval.DefaultK),
		retrieval.WithLogger(a.Logger),
	)

	generator := generation.NewGenerator(client.Client(), cfg.OpenAI.Model, cfg.OpenAI.VisionModel)
	a.chat = chat.NewService(a.retriever, generator, a.Logger)
	return nil
}

// Pipeline returns the ingestion pipeline.
func (a *App) Pipeline() (*indexer.Pipeline, error) {
	if a.pipeline == nil {
		return nil, ErrModelsUnavailable
	}
	return a.pipeline, nil
}

// Retriever returns the retrieval orchestrator.
func (a *App) Retriever() (*retrieval.Orchestrator, error) {
	if a.retriever == nil {
		return nil, ErrModelsUnavailable
	}
	return a.retriever, nil
}

// Chat returns the question answering service.
func (a *App) Chat() (*chat.Service, error) {
	if a.chat == nil {
		return nil, ErrModelsUnavailable
	}
	return a.chat, nil
}

// Close releases the vector store connection.
func (a *App) Close() error {
	return a.Store.Close()
}
