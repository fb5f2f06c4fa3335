// Package config loads server settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bull/docrag-server/internal/chunker"
	"github.com/bull/docrag-server/internal/embedding"
	"github.com/bull/docrag-server/internal/generation"
	"github.com/bull/docrag-server/internal/images"
	"github.com/bull/docrag-server/internal/indexer"
	"github.com/bull/docrag-server/internal/retrieval"
	"github.com/bull/docrag-server/internal/storage"
)

// ErrInvalidConfig is returned when settings cannot produce a working server.
var ErrInvalidConfig = errors.New("invalid configuration")

// Vector store backends.
const (
	BackendQdrant   = "qdrant"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Blob store backends.
const (
	BlobSupabase = "supabase"
	BlobLocal    = "local"
)

type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"collection"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// OpenAIConfig covers both embedding and chat models.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	EmbeddingModel string `yaml:"embedding_model"`
	EmbeddingDim   int    `yaml:"embedding_dim"`
	Model          string `yaml:"model"`
	VisionModel    string `yaml:"vision_model"`
	// EmbedRequestsPerSecond caps embedding calls during ingestion; zero is unlimited.
	EmbedRequestsPerSecond float64 `yaml:"embed_requests_per_second"`
}

type ChunkingConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

type RetrievalConfig struct {
	SimilarityCutoff float64 `yaml:"similarity_cutoff"`
	DefaultK         int     `yaml:"default_k"`
}

type BlobConfig struct {
	Backend            string `yaml:"backend"`
	SupabaseURL        string `yaml:"supabase_url"`
	SupabaseServiceKey string `yaml:"supabase_service_role_key"`
	LocalDir           string `yaml:"local_dir"`
	PublicBaseURL      string `yaml:"public_base_url"`
	DocumentsBucket    string `yaml:"documents_bucket"`
	AssetsBucket       string `yaml:"assets_bucket"`
}

type ImagesConfig struct {
	UsePDFImages  bool          `yaml:"use_pdfimages"`
	PDFImagesPath string        `yaml:"pdfimages_path"`
	ScratchDir    string        `yaml:"scratch_dir"`
	Timeout       time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Port       string `yaml:"port"`
	ServerMode bool   `yaml:"server_mode"`
}

// Config is the root configuration.
type Config struct {
	VectorBackend      string          `yaml:"vector_backend"`
	Qdrant             QdrantConfig    `yaml:"qdrant"`
	Postgres           PostgresConfig  `yaml:"postgres"`
	OpenAI             OpenAIConfig    `yaml:"openai"`
	Chunking           ChunkingConfig  `yaml:"chunking"`
	Retrieval          RetrievalConfig `yaml:"retrieval"`
	Blob               BlobConfig      `yaml:"blob"`
	Images             ImagesConfig    `yaml:"images"`
	SummarizeDocuments bool            `yaml:"summarize_documents"`
	Server             ServerConfig    `yaml:"server"`
	GitHubToken        string          `yaml:"github_token"`
}

// Default returns the settings used when neither file nor environment
// says otherwise.
func Default() *Config {
	return &Config{
		VectorBackend: BackendQdrant,
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: storage.DefaultCollection,
		},
		OpenAI: OpenAIConfig{
			EmbeddingModel: embedding.DefaultModel,
			EmbeddingDim:   embedding.DefaultDimension,
			Model:          generation.DefaultModel,
			VisionModel:    generation.DefaultVisionModel,
		},
		Chunking: ChunkingConfig{
			Size:    chunker.DefaultSize,
			Overlap: chunker.DefaultOverlap,
		},
		Retrieval: RetrievalConfig{
			SimilarityCutoff: retrieval.DefaultSimilarityCutoff,
			DefaultK:         retrieval.DefaultK,
		},
		Blob: BlobConfig{
			Backend:         BlobLocal,
			LocalDir:        filepath.Join(".", "data", "blobs"),
			DocumentsBucket: indexer.DefaultDocumentsBucket,
			AssetsBucket:    indexer.DefaultAssetsBucket,
		},
		Images: ImagesConfig{
			UsePDFImages:  true,
			PDFImagesPath: images.DefaultBinary,
			ScratchDir:    filepath.Join(os.TempDir(), "docrag"),
			Timeout:       images.DefaultTimeout,
		},
		Server: ServerConfig{Port: "8080"},
	}
}

// Load reads path (if non-empty and present) over the defaults, applies
// environment overrides and validates the result. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.VectorBackend {
	case BackendQdrant, BackendMemory:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown vector backend %q", c.VectorBackend))
	}

	switch c.Blob.Backend {
	case BlobLocal:
		if c.Blob.LocalDir == "" {
			errs = append(errs, errors.New("BLOB_LOCAL_DIR is required for the local blob backend"))
		}
	case BlobSupabase:
		if c.Blob.SupabaseURL == "" || c.Blob.SupabaseServiceKey == "" {
			errs = append(errs, errors.New("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required for the supabase blob backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob backend %q", c.Blob.Backend))
	}

	if _, err := chunker.New(c.Chunking.Size, c.Chunking.Overlap); err != nil {
		errs = append(errs, err)
	}
	if c.OpenAI.EmbeddingDim <= 0 {
		errs = append(errs, fmt.Errorf("embedding dimension must be positive, got %d", c.OpenAI.EmbeddingDim))
	}
	if c.OpenAI.EmbedRequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("embedding request rate must not be negative, got %g", c.OpenAI.EmbedRequestsPerSecond))
	}
	if c.Retrieval.SimilarityCutoff < 0 || c.Retrieval.SimilarityCutoff >= 1 {
		errs = append(errs, fmt.Errorf("similarity cutoff must be in [0, 1), got %g", c.Retrieval.SimilarityCutoff))
	}
	if c.Retrieval.DefaultK <= 0 {
		errs = append(errs, fmt.Errorf("default k must be positive, got %d", c.Retrieval.DefaultK))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) applyEnv() error {
	e := &envReader{}

	e.str("VECTOR_BACKEND", &c.VectorBackend)
	e.str("QDRANT_HOST", &c.Qdrant.Host)
	e.integer("QDRANT_PORT", &c.Qdrant.Port)
	e.str("QDRANT_API_KEY", &c.Qdrant.APIKey)
	e.boolean("QDRANT_USE_TLS", &c.Qdrant.UseTLS)
	e.str("QDRANT_COLLECTION", &c.Qdrant.Collection)
	e.str("DATABASE_URL", &c.Postgres.DSN)

	e.str("OPENAI_API_KEY", &c.OpenAI.APIKey)
	e.str("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	e.str("EMBEDDING_MODEL", &c.OpenAI.EmbeddingModel)
	e.integer("EMBEDDING_DIM", &c.OpenAI.EmbeddingDim)
	e.str("MODEL", &c.OpenAI.Model)
	e.str("VISION_MODEL", &c.OpenAI.VisionModel)
	e.float("EMBED_REQUESTS_PER_SECOND", &c.OpenAI.EmbedRequestsPerSecond)

	e.integer("CHUNK_SIZE", &c.Chunking.Size)
	e.integer("CHUNK_OVERLAP", &c.Chunking.Overlap)
	e.float("SIMILARITY_CUTOFF", &c.Retrieval.SimilarityCutoff)
	e.integer("DEFAULT_K", &c.Retrieval.DefaultK)

	e.str("BLOB_BACKEND", &c.Blob.Backend)
	e.str("SUPABASE_URL", &c.Blob.SupabaseURL)
	e.str("SUPABASE_SERVICE_ROLE_KEY", &c.Blob.SupabaseServiceKey)
	e.str("BLOB_LOCAL_DIR", &c.Blob.LocalDir)
	e.str("BLOB_PUBLIC_BASE_URL", &c.Blob.PublicBaseURL)
	e.str("DOCUMENTS_BUCKET", &c.Blob.DocumentsBucket)
	e.str("ASSETS_BUCKET", &c.Blob.AssetsBucket)

	e.boolean("USE_PDFIMAGES", &c.Images.UsePDFImages)
	e.str("PDFIMAGES_PATH", &c.Images.PDFImagesPath)
	e.str("SCRATCH_DIR", &c.Images.ScratchDir)
	e.duration("IMAGE_EXTRACT_TIMEOUT", &c.Images.Timeout)

	e.boolean("SUMMARIZE_DOCUMENTS", &c.SummarizeDocuments)
	e.str("PORT", &c.Server.Port)
	e.boolean("SERVER_MODE", &c.Server.ServerMode)
	e.str("GITHUB_TOKEN", &c.GitHubToken)

	if len(e.errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(e.errs...))
	}
	return nil
}

// envReader overwrites fields from non-empty environment variables and
// collects parse errors.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return
	}
	*dst = n
}

func (e *envReader) float(key string, dst *float64) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return
	}
	*dst = f
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return
	}
	*dst = d
}
