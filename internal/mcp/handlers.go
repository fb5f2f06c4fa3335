package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/docrag-server/internal/chat"
	"github.com/bull/docrag-server/internal/indexer"
	"github.com/bull/docrag-server/internal/retrieval"
	"github.com/bull/docrag-server/internal/storage"
)

var errModelsUnavailable = errors.New("OPENAI_API_KEY not set on the server")

// makeAskHandler creates the ask tool handler.
func makeAskHandler(asker Asker) func(
	context.Context, *mcp.CallToolRequest, AskInput,
) (*mcp.CallToolResult, AskOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input AskInput) (
		*mcp.CallToolResult, AskOutput, error,
	) {
		if asker == nil {
			return nil, AskOutput{}, errModelsUnavailable
		}

		resp, err := asker.Ask(ctx, chat.Request{
			Prompt:     input.Prompt,
			K:          input.K,
			DocumentID: input.DocumentID,
			ImageURLs:  input.ImageURLs,
		})
		if err != nil {
			return nil, AskOutput{}, fmt.Errorf("failed to answer: %w", err)
		}

		return nil, AskOutput{
			Mode:       string(resp.Mode),
			Answer:     resp.Answer,
			Citations:  resp.Citations,
			DocumentID: resp.DocumentID,
			Sources:    resp.Sources,
			Images:     resp.Images,
		}, nil
	}
}

// makeSearchHandler creates the search_chunks tool handler.
// Search flow:
// 1. Generate embedding for query text
// 2. Search chunks with vector similarity, optionally within one document
// 3. Keep chunks scoring above min_score (server cutoff by default)
func makeSearchHandler(store storage.Store, embedder retrieval.Embedder, cutoff float64) func(
	context.Context, *mcp.CallToolRequest, SearchChunksInput,
) (*mcp.CallToolResult, SearchChunksOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchChunksInput) (
		*mcp.CallToolResult, SearchChunksOutput, error,
	) {
		if embedder == nil {
			return nil, SearchChunksOutput{}, errModelsUnavailable
		}
		if strings.TrimSpace(input.Query) == "" {
			return nil, SearchChunksOutput{}, retrieval.ErrEmptyQuestion
		}

		// Apply defaults
		k := input.K
		if k <= 0 {
			k = retrieval.DefaultK
		}
		minScore := cutoff
		if input.MinScore != nil {
			minScore = *input.MinScore
		}

		embeddings, err := embedder.EmbedBatch(ctx, []string{input.Query})
		if err != nil {
			return nil, SearchChunksOutput{}, fmt.Errorf("failed to embed query: %w", err)
		}
		if len(embeddings) == 0 {
			return nil, SearchChunksOutput{}, fmt.Errorf("no embedding returned for query")
		}

		hits, err := store.SearchSimilar(ctx, embeddings[0], k, input.DocumentID)
		if err != nil {
			return nil, SearchChunksOutput{}, fmt.Errorf("search failed: %w", err)
		}
		hits = retrieval.Threshold(hits, minScore)

		results := make([]ChunkResult, len(hits))
		for i, h := range hits {
			results[i] = ChunkResult{
				ChunkID:    h.ChunkID,
				DocumentID: h.DocID,
				ChunkIndex: h.ChunkIndex,
				Content:    h.Content,
				Score:      h.Score,
				Metadata:   h.Metadata,
			}
		}

		if len(results) == 0 {
			return nil, SearchChunksOutput{
				Results: []ChunkResult{},
				Message: "No matching chunks found. Try broader search terms.",
			}, nil
		}
		return nil, SearchChunksOutput{Results: results}, nil
	}
}

// makeListHandler creates the list_documents tool handler.
func makeListHandler(store storage.Store) func(
	context.Context, *mcp.CallToolRequest, ListDocumentsInput,
) (*mcp.CallToolResult, ListDocumentsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListDocumentsInput) (
		*mcp.CallToolResult, ListDocumentsOutput, error,
	) {
		docs, err := store.ListDocuments(ctx)
		if err != nil {
			return nil, ListDocumentsOutput{}, fmt.Errorf("failed to list documents: %w", err)
		}

		out := make([]DocumentInfo, len(docs))
		for i, d := range docs {
			info := documentInfo(&d.Document)
			chunks, images := d.ChunkCount, d.ImageCount
			info.ChunkCount = &chunks
			info.ImageCount = &images
			out[i] = *info
		}

		return nil, ListDocumentsOutput{
			Documents: out,
			Count:     len(out),
		}, nil
	}
}

// makeGetDocumentHandler creates the get_document tool handler.
// Unknown ids are reported with found=false rather than an error.
func makeGetDocumentHandler(store storage.Store) func(
	context.Context, *mcp.CallToolRequest, DocumentIDInput,
) (*mcp.CallToolResult, GetDocumentOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input DocumentIDInput) (
		*mcp.CallToolResult, GetDocumentOutput, error,
	) {
		doc, err := store.GetDocument(ctx, input.DocumentID)
		if err != nil {
			if errors.Is(err, storage.ErrDocumentNotFound) {
				return nil, GetDocumentOutput{Found: false}, nil
			}
			return nil, GetDocumentOutput{}, fmt.Errorf("failed to fetch document: %w", err)
		}
		return nil, GetDocumentOutput{Found: true, Document: documentInfo(doc)}, nil
	}
}

// makeAssetsHandler creates the get_document_assets tool handler.
func makeAssetsHandler(store storage.Store) func(
	context.Context, *mcp.CallToolRequest, DocumentIDInput,
) (*mcp.CallToolResult, GetDocumentAssetsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input DocumentIDInput) (
		*mcp.CallToolResult, GetDocumentAssetsOutput, error,
	) {
		assets, err := store.ListImageAssets(ctx, input.DocumentID)
		if err != nil {
			return nil, GetDocumentAssetsOutput{}, fmt.Errorf("failed to list assets: %w", err)
		}
		images := chat.BuildImages(assets)
		return nil, GetDocumentAssetsOutput{Assets: images, Count: len(images)}, nil
	}
}

// makeIngestHandler creates the ingest_files tool handler. Paths are read
// from the server's filesystem; directories are expanded recursively.
// A batch that stops early still reports the files it committed.
func makeIngestHandler(ingester Ingester) func(
	context.Context, *mcp.CallToolRequest, IngestFilesInput,
) (*mcp.CallToolResult, IngestFilesOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input IngestFilesInput) (
		*mcp.CallToolResult, IngestFilesOutput, error,
	) {
		if ingester == nil {
			return nil, IngestFilesOutput{}, errModelsUnavailable
		}

		paths, err := indexer.CollectPaths(input.Paths)
		if err != nil {
			return nil, IngestFilesOutput{}, err
		}
		if len(paths) == 0 {
			return nil, IngestFilesOutput{}, fmt.Errorf("no supported files found in %v", input.Paths)
		}
		files, err := indexer.ReadFiles(paths)
		if err != nil {
			return nil, IngestFilesOutput{}, err
		}

		result, err := ingester.IngestFiles(ctx, files)
		if result == nil {
			return nil, IngestFilesOutput{}, fmt.Errorf("ingestion failed: %w", err)
		}
		out := ingestOutput(result)
		if err != nil {
			out.Error = err.Error()
		}
		return nil, out, nil
	}
}

// makeDeleteHandler creates the delete_document tool handler.
func makeDeleteHandler(store storage.Store) func(
	context.Context, *mcp.CallToolRequest, DocumentIDInput,
) (*mcp.CallToolResult, DeleteDocumentOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input DocumentIDInput) (
		*mcp.CallToolResult, DeleteDocumentOutput, error,
	) {
		err := store.DeleteDocument(ctx, input.DocumentID)
		if err != nil {
			if errors.Is(err, storage.ErrDocumentNotFound) {
				return nil, DeleteDocumentOutput{Deleted: false, DocumentID: input.DocumentID}, nil
			}
			return nil, DeleteDocumentOutput{}, fmt.Errorf("failed to delete document: %w", err)
		}
		return nil, DeleteDocumentOutput{Deleted: true, DocumentID: input.DocumentID}, nil
	}
}

func ingestOutput(r *indexer.IngestResult) IngestFilesOutput {
	out := IngestFilesOutput{
		Files:           make([]IngestedFile, len(r.Files)),
		TotalFiles:      r.TotalFiles,
		SuccessfulFiles: r.SuccessfulFiles,
		SkippedFiles:    r.SkippedFiles,
		TotalChunks:     r.TotalChunks,
		TotalImages:     r.TotalImages,
		Failed:          make([]FailedFile, len(r.FailedFiles)),
		DurationMS:      r.Duration.Milliseconds(),
	}
	for i, f := range r.Files {
		out.Files[i] = IngestedFile{
			Filename:   f.Filename,
			DocumentID: f.DocumentID,
			Chunks:     f.Chunks,
			Images:     f.Images,
			Skipped:    f.Skipped,
		}
	}
	for i, f := range r.FailedFiles {
		out.Failed[i] = FailedFile{Filename: f.Filename, Reason: f.Reason}
	}
	return out
}
