package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bull/docrag-server/internal/blob"
	"github.com/bull/docrag-server/internal/chunker"
	"github.com/bull/docrag-server/internal/embedding"
	"github.com/bull/docrag-server/internal/extract"
	"github.com/bull/docrag-server/internal/generation"
	"github.com/bull/docrag-server/internal/images"
	"github.com/bull/docrag-server/internal/storage"
)

const (
	DefaultDocumentsBucket = "documents"
	DefaultAssetsBucket    = "assets"

	// DefaultEmbedBatchSize keeps each embedding request under upstream limits.
	DefaultEmbedBatchSize = 500
)

// File is one uploaded file. ContentType may be empty; it is then sniffed.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// FileResult reports what happened to one file.
type FileResult struct {
	Filename   string
	DocumentID string // empty when the file failed before a document was created
	Chunks     int
	Images     int
	Skipped    bool // no text; images may still have been stored
}

// FailedFile represents a file that failed to ingest.
type FailedFile struct {
	Filename string
	Reason   string
}

// IngestResult contains statistics about an ingestion operation.
type IngestResult struct {
	Files           []FileResult
	TotalFiles      int
	SuccessfulFiles int
	SkippedFiles    int
	TotalChunks     int
	TotalImages     int
	FailedFiles     []FailedFile
	Duration        time.Duration
}

// Embedder converts text to vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// PDFImageExtractor pulls embedded images out of a PDF.
type PDFImageExtractor interface {
	Extract(ctx context.Context, docID string, data []byte) ([]images.Image, error)
}

// Summarizer produces a document summary and keywords.
type Summarizer interface {
	Summarize(ctx context.Context, filename, content string) (*generation.Summary, error)
}

// Options holds the optional collaborators and settings of a Pipeline.
// A nil PDFImages skips PDF image extraction; a nil Summarizer leaves
// summaries empty.
type Options struct {
	PDFImages       PDFImageExtractor
	Summarizer      Summarizer
	DocumentsBucket string
	AssetsBucket    string
	EmbedBatchSize  int
	// EmbedRequestsPerSecond caps embedding calls; zero means unlimited.
	EmbedRequestsPerSecond float64
}

// Pipeline orchestrates ingestion from raw files to stored chunks and images.
type Pipeline struct {
	store    storage.Store
	blobs    blob.Store
	chunker  *chunker.Chunker
	embedder Embedder
	opts     Options
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewPipeline creates a new ingestion pipeline with the given components.
func NewPipeline(
	store storage.Store,
	blobs blob.Store,
	chunker *chunker.Chunker,
	embedder Embedder,
	opts Options,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DocumentsBucket == "" {
		opts.DocumentsBucket = DefaultDocumentsBucket
	}
	if opts.AssetsBucket == "" {
		opts.AssetsBucket = DefaultAssetsBucket
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = DefaultEmbedBatchSize
	}
	p := &Pipeline{
		store:    store,
		blobs:    blobs,
		chunker:  chunker,
		embedder: embedder,
		opts:     opts,
		logger:   logger,
	}
	if opts.EmbedRequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.EmbedRequestsPerSecond), 1)
	}
	return p
}

// IngestFiles processes files in order, one document per file.
// Extraction and upload failures are recorded and the batch continues.
// Embedding and vector store failures stop the batch; files already
// processed stay stored and the partial result is returned with the error.
func (p *Pipeline) IngestFiles(ctx context.Context, files []File) (*IngestResult, error) {
	start := time.Now()
	result := &IngestResult{TotalFiles: len(files)}
	p.logger.Info("Starting ingestion", "files", len(files))

	for i, f := range files {
		fr, err := p.processFile(ctx, i, f)
		if err != nil {
			p.logger.Warn("Failed to ingest file", "file", f.Name, "error", err)
			result.FailedFiles = append(result.FailedFiles, FailedFile{
				Filename: f.Name,
				Reason:   err.Error(),
			})
			if isFatal(err) {
				result.Duration = time.Since(start)
				return result, fmt.Errorf("ingest %s: %w", f.Name, err)
			}
			continue
		}

		result.Files = append(result.Files, *fr)
		result.TotalChunks += fr.Chunks
		result.TotalImages += fr.Images
		if fr.Skipped {
			result.SkippedFiles++
		} else {
			result.SuccessfulFiles++
		}
	}

	result.Duration = time.Since(start)
	p.logger.Info("Ingestion complete",
		"successful", result.SuccessfulFiles,
		"skipped", result.SkippedFiles,
		"failed", len(result.FailedFiles),
		"chunks", result.TotalChunks,
		"images", result.TotalImages,
		"duration", result.Duration,
	)
	return result, nil
}

func isFatal(err error) bool {
	return errors.Is(err, embedding.ErrEmbeddingService) ||
		errors.Is(err, storage.ErrVectorStore) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// processFile handles the full pipeline for a single file.
func (p *Pipeline) processFile(ctx context.Context, fileIndex int, f File) (*FileResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	contentType := extract.DetectContentType(f.Data, f.ContentType)
	text, err := extract.Text(f.Data, contentType, f.Name)
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}

	docID := uuid.New().String()
	originalPath := blob.OriginalPath(docID, f.Name)
	fileURL, err := p.blobs.Upload(ctx, p.opts.DocumentsBucket, originalPath, f.Data, contentType)
	if err != nil {
		return nil, fmt.Errorf("store original: %w", err)
	}

	doc := &storage.Document{
		ID:          docID,
		Filename:    f.Name,
		ContentType: contentType,
		FileURL:     fileURL,
		Title:       extract.Title(f.Data, contentType, f.Name),
		Keywords:    []string{},
		CreatedAt:   time.Now().UTC(),
	}
	if text != "" && p.opts.Summarizer != nil {
		sum, err := p.opts.Summarizer.Summarize(ctx, f.Name, text)
		if err != nil {
			p.logger.Warn("Summary generation failed, using empty", "file", f.Name, "error", err)
		} else {
			doc.Summary = sum.Summary
			doc.Keywords = sum.Keywords
		}
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		p.removeBlobs(p.opts.DocumentsBucket, []string{originalPath})
		return nil, fmt.Errorf("store document: %w", err)
	}

	fr := &FileResult{Filename: f.Name, DocumentID: docID}
	var imagePaths []string
	fr.Images, imagePaths = p.processImages(ctx, doc, f.Data)

	if text == "" {
		p.logger.Info("No text extracted, skipping chunks", "file", f.Name, "doc_id", docID, "images", fr.Images)
		fr.Skipped = true
		return fr, nil
	}

	chunks, err := p.processText(ctx, doc, fileIndex, text)
	if err != nil {
		p.discard(docID, originalPath, imagePaths)
		return nil, err
	}
	fr.Chunks = chunks

	p.logger.Info("Ingested file", "file", f.Name, "doc_id", docID, "chunks", fr.Chunks, "images", fr.Images)
	return fr, nil
}

// processText chunks, embeds and stores the text of doc.
// Nothing is stored unless every chunk was embedded.
func (p *Pipeline) processText(ctx context.Context, doc *storage.Document, fileIndex int, text string) (int, error) {
	pieces := p.chunker.Split(text)
	if len(pieces) == 0 {
		return 0, nil
	}
	p.logger.Debug("Chunked document", "doc_id", doc.ID, "chunks", len(pieces))

	vectors, err := p.embedAll(ctx, pieces)
	if err != nil {
		return 0, fmt.Errorf("embeddings: %w", err)
	}

	rows := make([]*storage.Chunk, len(pieces))
	for i, content := range pieces {
		rows[i] = &storage.Chunk{
			ID:         uuid.New().String(),
			DocID:      doc.ID,
			ChunkIndex: i,
			Content:    content,
			Metadata: map[string]any{
				"filename":     doc.Filename,
				"file_url":     doc.FileURL,
				"file_index":   fileIndex,
				"title":        doc.Title,
				"content_type": doc.ContentType,
			},
			Embedding: vectors[i],
		}
	}
	if err := p.store.InsertChunks(ctx, rows); err != nil {
		return 0, fmt.Errorf("store chunks: %w", err)
	}
	return len(rows), nil
}

// embedAll embeds texts in batches, retrying rate-limited batches with
// exponential backoff.
func (p *Pipeline) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.opts.EmbedBatchSize {
		end := min(start+p.opts.EmbedBatchSize, len(texts))
		batch := texts[start:end]

		var vectors [][]float32
		operation := func() error {
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return backoff.Permanent(fmt.Errorf("%w: rate limit wait: %w", embedding.ErrEmbeddingService, err))
				}
			}
			var err error
			vectors, err = p.embedder.EmbedBatch(ctx, batch)
			if err != nil {
				if embedding.IsRateLimited(err) {
					return err
				}
				return backoff.Permanent(err)
			}
			return nil
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 500 * time.Millisecond
		b.MaxInterval = 10 * time.Second
		b.MaxElapsedTime = 30 * time.Second

		if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// processImages runs the image pipeline for doc and returns the number of
// stored images with the blob paths of those images. Failures are logged
// and never fail the file.
func (p *Pipeline) processImages(ctx context.Context, doc *storage.Document, data []byte) (int, []string) {
	var (
		extracted  []images.Image
		kind       storage.AssetKind
		sourceKind string
		err        error
	)

	switch extract.DetectFormat(data, doc.ContentType, doc.Filename) {
	case extract.FormatDOCX:
		kind, sourceKind = storage.AssetDOCXImage, "docx"
		extracted, err = images.ExtractDOCX(data)
	case extract.FormatPDF:
		if p.opts.PDFImages == nil {
			p.logger.Debug("PDF image extraction disabled", "doc_id", doc.ID)
			return 0, nil
		}
		kind, sourceKind = storage.AssetPDFImage, "pdf"
		extracted, err = p.opts.PDFImages.Extract(ctx, doc.ID, data)
	default:
		return 0, nil
	}
	if err != nil {
		p.logger.Warn("Image extraction failed, continuing text-only", "doc_id", doc.ID, "file", doc.Filename, "error", err)
		return 0, nil
	}
	if len(extracted) == 0 {
		return 0, nil
	}

	assets := make([]*storage.Asset, 0, len(extracted))
	paths := make([]string, 0, len(extracted))
	for i, img := range extracted {
		path := blob.ImagePath(sourceKind, doc.ID, i)
		url, err := p.blobs.Upload(ctx, p.opts.AssetsBucket, path, img.Data, img.ContentType)
		if err != nil {
			p.logger.Warn("Image upload failed, skipping image", "doc_id", doc.ID, "image", i, "error", err)
			continue
		}
		paths = append(paths, path)
		assets = append(assets, &storage.Asset{
			ID:          uuid.New().String(),
			DocID:       doc.ID,
			Kind:        kind,
			PageIndex:   img.PageIndex,
			ImageIndex:  img.ImageIndex,
			URL:         url,
			ContentType: img.ContentType,
			Metadata:    img.Metadata,
			CreatedAt:   time.Now().UTC(),
		})
	}
	if len(assets) == 0 {
		return 0, nil
	}
	if err := p.store.InsertAssets(ctx, assets); err != nil {
		p.logger.Warn("Storing image assets failed, continuing text-only", "doc_id", doc.ID, "error", err)
		p.removeBlobs(p.opts.AssetsBucket, paths)
		return 0, nil
	}
	return len(assets), paths
}

// discard removes a document whose text pipeline failed, together with its
// uploaded original and images. Best effort.
func (p *Pipeline) discard(docID, originalPath string, imagePaths []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.store.DeleteDocument(ctx, docID); err != nil {
		p.logger.Warn("Failed to remove partial document", "doc_id", docID, "error", err)
	}
	p.removeBlobs(p.opts.DocumentsBucket, []string{originalPath})
	p.removeBlobs(p.opts.AssetsBucket, imagePaths)
}

// removeBlobs deletes uploads that no record points to. Failures only
// leave orphaned objects behind, so they are logged.
func (p *Pipeline) removeBlobs(bucket string, paths []string) {
	if len(paths) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.blobs.Delete(ctx, bucket, paths); err != nil {
		p.logger.Warn("Failed to remove orphaned blobs", "bucket", bucket, "paths", paths, "error", err)
	}
}
