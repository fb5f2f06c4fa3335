package storage

import "time"

// Document is an uploaded file. Chunks and assets reference it by ID and
// are removed with it.
type Document struct {
	ID          string    // UUID
	Filename    string    // Original upload name: "handbook.pdf"
	ContentType string    // Detected MIME type
	FileURL     string    // Public URL of the stored original
	Title       string    // First heading, core title or file name
	Summary     string    // LLM-generated summary, empty unless enabled
	Keywords    []string  // LLM-extracted keywords
	CreatedAt   time.Time // When the document was ingested
}

// DocumentSummary is a Document with its chunk and image counts.
type DocumentSummary struct {
	Document
	ChunkCount int
	ImageCount int
}

// Chunk is a slice of a document's text with its embedding.
type Chunk struct {
	ID         string         // UUID
	DocID      string         // Owning Document.ID
	ChunkIndex int            // Position in document (0, 1, 2...)
	Content    string         // Chunk text
	Metadata   map[string]any // filename, file_url, file_index, title, content_type
	Embedding  []float32      // Fixed-dimension vector
}

// Hit is a chunk returned by similarity search.
type Hit struct {
	ChunkID    string
	DocID      string
	ChunkIndex int
	Content    string
	Metadata   map[string]any
	Score      float64 // 1 - cosine distance
}

// AssetKind tags the source container of an extracted image.
type AssetKind string

const (
	AssetPDFImage  AssetKind = "pdf_image"
	AssetDOCXImage AssetKind = "docx_image"
)

// Asset is an extracted image stored in blob storage.
type Asset struct {
	ID          string
	DocID       string
	Kind        AssetKind
	PageIndex   *int // nil for sources without pages
	ImageIndex  int
	URL         string
	ContentType string
	Metadata    map[string]any // original_filename, width, height, extraction_method
	CreatedAt   time.Time
}

// DefaultCollection is the Qdrant collection for documents, chunks and assets.
const DefaultCollection = "document_chunks"

// DefaultVectorDimension is the embedding size for text-embedding-3-small.
const DefaultVectorDimension = 1536
