// Package retrieval turns a question into generation context: it embeds the
// question, searches stored chunks, drops weak matches and gathers the
// images of the document the answer comes from.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bull/docrag-server/internal/storage"
)

const (
	// DefaultSimilarityCutoff is the score a hit must exceed to be used.
	DefaultSimilarityCutoff = 0.5

	// DefaultK is the number of chunks requested from the store.
	DefaultK = 6
)

var ErrEmptyQuestion = errors.New("question is empty")

// Embedder converts text to vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher is the part of storage.Store the orchestrator reads from.
type Searcher interface {
	SearchSimilar(ctx context.Context, query []float32, k int, docID string) ([]storage.Hit, error)
	ListImageAssets(ctx context.Context, docID string) ([]storage.Asset, error)
}

// Query is a single retrieval request. Zero K means DefaultK; empty
// DocumentID searches every document.
type Query struct {
	Question   string
	K          int
	DocumentID string
}

// Mode names the branch a query took.
type Mode string

const (
	ModeRAG    Mode = "rag"
	ModeDirect Mode = "direct"
)

// Context is the result of retrieval: either *RAGContext or *DirectContext.
type Context interface {
	Mode() Mode
}

// RAGContext carries the hits that passed the cutoff and the images of the
// document they resolve to.
type RAGContext struct {
	DocumentID string
	Chunks     []storage.Hit
	Images     []storage.Asset
}

func (*RAGContext) Mode() Mode { return ModeRAG }

// DirectContext means no hit passed the cutoff; generation runs ungrounded.
type DirectContext struct{}

func (*DirectContext) Mode() Mode { return ModeDirect }

// Orchestrator is stateless between queries and safe for concurrent use.
type Orchestrator struct {
	embedder Embedder
	searcher Searcher
	cutoff   float64
	k        int
	logger   *slog.Logger
}

type Option func(*Orchestrator)

// WithSimilarityCutoff replaces DefaultSimilarityCutoff.
func WithSimilarityCutoff(cutoff float64) Option {
	return func(o *Orchestrator) { o.cutoff = cutoff }
}

// WithDefaultK replaces DefaultK for queries that leave K unset.
func WithDefaultK(k int) Option {
	return func(o *Orchestrator) {
		if k > 0 {
			o.k = k
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func New(embedder Embedder, searcher Searcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		embedder: embedder,
		searcher: searcher,
		cutoff:   DefaultSimilarityCutoff,
		k:        DefaultK,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Cutoff returns the similarity threshold in use.
func (o *Orchestrator) Cutoff() float64 { return o.cutoff }

// Retrieve runs embed, search, threshold and assembly for one question.
// Embedding and search failures are returned; a failed image lookup only
// leaves the context without images.
func (o *Orchestrator) Retrieve(ctx context.Context, q Query) (Context, error) {
	if strings.TrimSpace(q.Question) == "" {
		return nil, ErrEmptyQuestion
	}
	k := q.K
	if k <= 0 {
		k = o.k
	}

	vectors, err := o.embedder.EmbedBatch(ctx, []string{q.Question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed question: got %d vectors", len(vectors))
	}

	hits, err := o.searcher.SearchSimilar(ctx, vectors[0], k, q.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	relevant := Threshold(hits, o.cutoff)
	o.logger.Debug("retrieval search done",
		"hits", len(hits),
		"relevant", len(relevant),
		"cutoff", o.cutoff,
		"doc_id", q.DocumentID,
	)
	if len(relevant) == 0 {
		return &DirectContext{}, nil
	}

	docID := q.DocumentID
	if docID == "" {
		docID = relevant[0].DocID
	}

	rag := &RAGContext{DocumentID: docID, Chunks: relevant, Images: []storage.Asset{}}
	if docID == "" {
		return rag, nil
	}
	images, err := o.searcher.ListImageAssets(ctx, docID)
	if err != nil {
		o.logger.Warn("image lookup failed, continuing without images", "doc_id", docID, "error", err)
		return rag, nil
	}
	rag.Images = images
	return rag, nil
}

// Threshold keeps hits whose score is strictly greater than cutoff,
// preserving order.
func Threshold(hits []storage.Hit, cutoff float64) []storage.Hit {
	out := make([]storage.Hit, 0, len(hits))
	for _, h := range hits {
		if h.Score > cutoff {
			out = append(out, h)
		}
	}
	return out
}
