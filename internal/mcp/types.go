// Package mcp exposes ingestion, retrieval and question answering as MCP tools.
package mcp

import (
	"time"

	"github.com/bull/docrag-server/internal/chat"
	"github.com/bull/docrag-server/internal/storage"
)

// AskInput defines the input parameters for the ask tool.
type AskInput struct {
	// Prompt is the user question.
	Prompt string `json:"prompt" jsonschema:"The question to answer from the ingested documents"`
	// K is the number of chunks to retrieve.
	K int `json:"k,omitempty" jsonschema:"Number of chunks to retrieve (default 6)"`
	// DocumentID restricts retrieval to one document.
	DocumentID string `json:"document_id,omitempty" jsonschema:"Restrict the search to this document id"`
	// ImageURLs are images attached to the question.
	ImageURLs []string `json:"image_urls,omitempty" jsonschema:"Image URLs attached to the question"`
}

// AskOutput is the shaped answer.
type AskOutput struct {
	Mode       string        `json:"mode"`
	Answer     string        `json:"answer"`
	Citations  string        `json:"citations"`
	DocumentID string        `json:"document_id,omitempty"`
	Sources    []chat.Source `json:"sources"`
	Images     []chat.Image  `json:"images"`
}

// SearchChunksInput defines the input parameters for the search_chunks tool.
type SearchChunksInput struct {
	Query      string   `json:"query" jsonschema:"The semantic search query"`
	K          int      `json:"k,omitempty" jsonschema:"Maximum number of chunks to return (default 6)"`
	DocumentID string   `json:"document_id,omitempty" jsonschema:"Restrict the search to this document id"`
	MinScore   *float64 `json:"min_score,omitempty" jsonschema:"Scores must exceed this value (default: the server cutoff)"`
}

// SearchChunksOutput contains the matching chunks.
type SearchChunksOutput struct {
	Results []ChunkResult `json:"results"`
	// Message provides informational context (e.g., "No matching chunks found").
	Message string `json:"message,omitempty"`
}

// ChunkResult is one chunk returned by semantic search.
type ChunkResult struct {
	ChunkID    string         `json:"chunk_id"`
	DocumentID string         `json:"document_id"`
	ChunkIndex int            `json:"chunk_index"`
	Content    string         `json:"content"`
	Score      float64        `json:"score"`
	Metadata   map[string]any `json:"metadata"`
}

// ListDocumentsInput takes no parameters.
type ListDocumentsInput struct{}

// ListDocumentsOutput contains every stored document, newest first.
type ListDocumentsOutput struct {
	Documents []DocumentInfo `json:"documents"`
	Count     int            `json:"count"`
}

// DocumentInfo describes a stored document.
type DocumentInfo struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Title       string    `json:"title"`
	ContentType string    `json:"content_type"`
	FileURL     string    `json:"file_url"`
	Summary     string    `json:"summary,omitempty"`
	Keywords    []string  `json:"keywords"`
	CreatedAt   time.Time `json:"created_at"`
	ChunkCount  *int      `json:"chunk_count,omitempty"`
	ImageCount  *int      `json:"image_count,omitempty"`
}

// DocumentIDInput identifies one document.
type DocumentIDInput struct {
	DocumentID string `json:"document_id" jsonschema:"The document id"`
}

// GetDocumentOutput contains the document, or Found=false.
type GetDocumentOutput struct {
	Found    bool          `json:"found"`
	Document *DocumentInfo `json:"document,omitempty"`
}

// GetDocumentAssetsOutput lists a document's images in page then image order.
type GetDocumentAssetsOutput struct {
	Assets []chat.Image `json:"assets"`
	Count  int          `json:"count"`
}

// IngestFilesInput names files or directories on the server.
type IngestFilesInput struct {
	Paths []string `json:"paths" jsonschema:"Server-local files or directories to ingest"`
}

// IngestFilesOutput summarises an ingestion run.
type IngestFilesOutput struct {
	Files           []IngestedFile `json:"files"`
	TotalFiles      int            `json:"total_files"`
	SuccessfulFiles int            `json:"successful_files"`
	SkippedFiles    int            `json:"skipped_files"`
	TotalChunks     int            `json:"total_chunks"`
	TotalImages     int            `json:"total_images"`
	Failed          []FailedFile   `json:"failed"`
	DurationMS      int64          `json:"duration_ms"`
	// Error is set when the batch stopped early.
	Error string `json:"error,omitempty"`
}

type IngestedFile struct {
	Filename   string `json:"filename"`
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	Images     int    `json:"images"`
	Skipped    bool   `json:"skipped"`
}

type FailedFile struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// DeleteDocumentOutput reports whether a document was removed.
type DeleteDocumentOutput struct {
	Deleted    bool   `json:"deleted"`
	DocumentID string `json:"document_id"`
}

func documentInfo(doc *storage.Document) *DocumentInfo {
	keywords := doc.Keywords
	if keywords == nil {
		keywords = []string{} // Ensure non-nil for JSON marshaling
	}
	return &DocumentInfo{
		ID:          doc.ID,
		Filename:    doc.Filename,
		Title:       doc.Title,
		ContentType: doc.ContentType,
		FileURL:     doc.FileURL,
		Summary:     doc.Summary,
		Keywords:    keywords,
		CreatedAt:   doc.CreatedAt,
	}
}
