package storage

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
)

// MemoryStorage keeps everything in process and searches by brute force.
// It is used for local runs and tests.
type MemoryStorage struct {
	mu        sync.RWMutex
	dimension int
	docs      map[string]*Document
	chunks    []*Chunk // insertion order
	assets    []*Asset
}

// NewMemoryStorage creates an empty store for vectors of the given dimension.
func NewMemoryStorage(dimension int) *MemoryStorage {
	if dimension <= 0 {
		dimension = DefaultVectorDimension
	}
	return &MemoryStorage{
		dimension: dimension,
		docs:      make(map[string]*Document),
	}
}

func (s *MemoryStorage) EnsureSchema(ctx context.Context) error { return nil }

func (s *MemoryStorage) Health(ctx context.Context) error { return nil }

func (s *MemoryStorage) Close() error { return nil }

func (s *MemoryStorage) CreateDocument(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *doc
	cp.Keywords = append([]string(nil), doc.Keywords...)
	s.docs[doc.ID] = &cp
	return nil
}

func (s *MemoryStorage) GetDocument(ctx context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	cp := *doc
	return &cp, nil
}

func (s *MemoryStorage) ListDocuments(ctx context.Context) ([]DocumentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DocumentSummary, 0, len(s.docs))
	for _, doc := range s.docs {
		sum := DocumentSummary{Document: *doc}
		for _, c := range s.chunks {
			if c.DocID == doc.ID {
				sum.ChunkCount++
			}
		}
		for _, a := range s.assets {
			if a.DocID == doc.ID {
				sum.ImageCount++
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStorage) DeleteDocument(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return ErrDocumentNotFound
	}
	delete(s.docs, id)

	chunks := s.chunks[:0]
	for _, c := range s.chunks {
		if c.DocID != id {
			chunks = append(chunks, c)
		}
	}
	s.chunks = chunks

	assets := s.assets[:0]
	for _, a := range s.assets {
		if a.DocID != id {
			assets = append(assets, a)
		}
	}
	s.assets = assets
	return nil
}

func (s *MemoryStorage) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	if err := checkChunkDimensions(chunks, s.dimension); err != nil {
		return err
	}

	rows := make([]*Chunk, len(chunks))
	for i, c := range chunks {
		meta, err := normalizeMetadata(c.Metadata)
		if err != nil {
			return fmt.Errorf("%w: chunk %d: %w", ErrVectorStore, i, err)
		}
		cp := *c
		cp.Metadata = meta
		cp.Embedding = append([]float32(nil), c.Embedding...)
		rows[i] = &cp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, rows...)
	return nil
}

func (s *MemoryStorage) SearchSimilar(ctx context.Context, query []float32, k int, docID string) ([]Hit, error) {
	if err := checkDimension("query", len(query), s.dimension); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	s.mu.RLock()
	hits := make([]Hit, 0, len(s.chunks))
	for _, c := range s.chunks {
		if docID != "" && c.DocID != docID {
			continue
		}
		hits = append(hits, Hit{
			ChunkID:    c.ID,
			DocID:      c.DocID,
			ChunkIndex: c.ChunkIndex,
			Content:    c.Content,
			Metadata:   maps.Clone(c.Metadata),
			Score:      cosineSimilarity(query, c.Embedding),
		})
	}
	s.mu.RUnlock()

	// Stable sort keeps insertion order among equal scores.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *MemoryStorage) InsertAssets(ctx context.Context, assets []*Asset) error {
	rows := make([]*Asset, len(assets))
	for i, a := range assets {
		meta, err := normalizeMetadata(a.Metadata)
		if err != nil {
			return fmt.Errorf("%w: asset %d: %w", ErrVectorStore, i, err)
		}
		cp := *a
		cp.Metadata = meta
		rows[i] = &cp
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets = append(s.assets, rows...)
	return nil
}

func (s *MemoryStorage) ListImageAssets(ctx context.Context, docID string) ([]Asset, error) {
	s.mu.RLock()
	out := []Asset{}
	for _, a := range s.assets {
		if a.DocID == docID {
			cp := *a
			cp.Metadata = maps.Clone(a.Metadata)
			if a.PageIndex != nil {
				page := *a.PageIndex
				cp.PageIndex = &page
			}
			out = append(out, cp)
		}
	}
	s.mu.RUnlock()

	SortAssets(out)
	return out, nil
}
