package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/docrag-server/internal/chat"
	"github.com/bull/docrag-server/internal/indexer"
	"github.com/bull/docrag-server/internal/retrieval"
	"github.com/bull/docrag-server/internal/storage"
)

// Asker answers questions. Implemented by *chat.Service.
type Asker interface {
	Ask(ctx context.Context, req chat.Request) (*chat.Response, error)
}

// Ingester stores files. Implemented by *indexer.Pipeline.
type Ingester interface {
	IngestFiles(ctx context.Context, files []indexer.File) (*indexer.IngestResult, error)
}

// Server wraps the MCP server with dependencies.
type Server struct {
	server *mcp.Server
	store  storage.Store
}

// Config holds server dependencies. Chat, Pipeline and Embedder may be nil
// when no model provider is configured; the tools that need them then
// return an error.
type Config struct {
	Store    storage.Store
	Embedder retrieval.Embedder
	Chat     Asker
	Pipeline Ingester
	// Cutoff is the default min_score of search_chunks. Nil means
	// retrieval.DefaultSimilarityCutoff; zero is a valid cutoff.
	Cutoff *float64
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg *Config) *Server {
	impl := &mcp.Implementation{
		Name:    "docrag-server",
		Version: "v0.1.0",
	}

	server := mcp.NewServer(impl, nil)

	cutoff := retrieval.DefaultSimilarityCutoff
	if cfg.Cutoff != nil {
		cutoff = *cfg.Cutoff
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask",
		Description: "Answer a question from the ingested documents. Falls back to a direct answer when no chunk is similar enough. Returns the answer with sources and the images of the matching document.",
	}, makeAskHandler(cfg.Chat))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_chunks",
		Description: "Semantic search over ingested document chunks. Returns chunk text, scores and metadata.",
	}, makeSearchHandler(cfg.Store, cfg.Embedder, cutoff))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_documents",
		Description: "List ingested documents, newest first, with chunk and image counts.",
	}, makeListHandler(cfg.Store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_document",
		Description: "Get one document's record by id. Returns found=false for unknown ids.",
	}, makeGetDocumentHandler(cfg.Store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_document_assets",
		Description: "List the images extracted from a document, ordered by page then image index.",
	}, makeAssetsHandler(cfg.Store))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ingest_files",
		Description: "Ingest PDF, DOCX, markdown or text files from paths on the server. Directories are scanned recursively.",
	}, makeIngestHandler(cfg.Pipeline))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_document",
		Description: "Delete a document with its chunks and images.",
	}, makeDeleteHandler(cfg.Store))

	return &Server{
		server: server,
		store:  cfg.Store,
	}
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
// Used by transport handlers that need to wrap the server.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
