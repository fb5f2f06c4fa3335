package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Store persists documents, chunks and assets and answers similarity queries.
// Qdrant, Postgres and in-memory backends implement it with the same
// ordering: score descending, then insertion order.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Health(ctx context.Context) error
	Close() error

	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	ListDocuments(ctx context.Context) ([]DocumentSummary, error)
	DeleteDocument(ctx context.Context, id string) error

	// InsertChunks appends rows; repeated calls duplicate them.
	InsertChunks(ctx context.Context, chunks []*Chunk) error
	// SearchSimilar returns up to k hits, optionally restricted to docID.
	// It applies no score floor.
	SearchSimilar(ctx context.Context, query []float32, k int, docID string) ([]Hit, error)

	InsertAssets(ctx context.Context, assets []*Asset) error
	// ListImageAssets returns a document's assets ordered by page index
	// (nulls last) then image index. Unknown documents yield an empty list.
	ListImageAssets(ctx context.Context, docID string) ([]Asset, error)
}

var (
	_ Store = (*MemoryStorage)(nil)
	_ Store = (*QdrantStorage)(nil)
	_ Store = (*PostgresStorage)(nil)
)

// SortAssets orders assets by page index ascending with nil pages last,
// then by image index.
func SortAssets(assets []Asset) {
	sort.SliceStable(assets, func(i, j int) bool {
		pi, pj := assets[i].PageIndex, assets[j].PageIndex
		switch {
		case pi == nil && pj != nil:
			return false
		case pi != nil && pj == nil:
			return true
		case pi != nil && pj != nil && *pi != *pj:
			return *pi < *pj
		}
		return assets[i].ImageIndex < assets[j].ImageIndex
	})
}

func checkDimension(what string, got, want int) error {
	if got != want {
		return fmt.Errorf("%w: %w: %s has %d dimensions, expected %d",
			ErrVectorStore, ErrDimensionMismatch, what, got, want)
	}
	return nil
}

func checkChunkDimensions(chunks []*Chunk, want int) error {
	for i, chunk := range chunks {
		if err := checkDimension(fmt.Sprintf("chunk %d", i), len(chunk.Embedding), want); err != nil {
			return err
		}
	}
	return nil
}

// cosineSimilarity returns 0 when either vector has zero length.
func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// normalizeMetadata converts metadata to JSON-compatible values so every
// backend stores and returns the same shapes (numbers become float64).
func normalizeMetadata(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	out := make(map[string]any, len(m))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return out, nil
}
