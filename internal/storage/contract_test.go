package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDimension is the vector size used by every backend under test.
const testDimension = 4

func intPtr(v int) *int { return &v }

func vec(a, b, c, d float32) []float32 { return []float32{a, b, c, d} }

func newTestDocument(filename string) *Document {
	return &Document{
		ID:          uuid.NewString(),
		Filename:    filename,
		ContentType: "application/pdf",
		FileURL:     "https://blob.example/originals/" + filename,
		Title:       "Handbook",
		Keywords:    []string{"policy", "leave"},
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func newTestChunk(docID string, index int, content string, embedding []float32) *Chunk {
	return &Chunk{
		ID:         uuid.NewString(),
		DocID:      docID,
		ChunkIndex: index,
		Content:    content,
		Metadata:   map[string]any{"filename": "handbook.pdf", "file_index": 2},
		Embedding:  embedding,
	}
}

// runStoreContract exercises the behaviour every Store backend shares.
// Searches are scoped to the test's own documents so shared backends with
// leftover data do not interfere.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("document round trip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc := newTestDocument("handbook.pdf")
		require.NoError(t, s.CreateDocument(ctx, doc))

		got, err := s.GetDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, doc.ID, got.ID)
		assert.Equal(t, doc.Filename, got.Filename)
		assert.Equal(t, doc.ContentType, got.ContentType)
		assert.Equal(t, doc.FileURL, got.FileURL)
		assert.Equal(t, doc.Title, got.Title)
		assert.ElementsMatch(t, doc.Keywords, got.Keywords)
		assert.WithinDuration(t, doc.CreatedAt, got.CreatedAt, time.Second)

		_ = s.DeleteDocument(ctx, doc.ID)
	})

	t.Run("unknown document", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetDocument(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrDocumentNotFound)

		err = s.DeleteDocument(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrDocumentNotFound)

		assets, err := s.ListImageAssets(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.Empty(t, assets)
	})

	t.Run("search orders by similarity", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc := newTestDocument("handbook.pdf")
		require.NoError(t, s.CreateDocument(ctx, doc))
		defer func() { _ = s.DeleteDocument(ctx, doc.ID) }()

		require.NoError(t, s.InsertChunks(ctx, []*Chunk{
			newTestChunk(doc.ID, 0, "far", vec(0, 0, 0, 1)),
			newTestChunk(doc.ID, 1, "exact", vec(1, 0, 0, 0)),
			newTestChunk(doc.ID, 2, "near", vec(1, 1, 0, 0)),
		}))

		hits, err := s.SearchSimilar(ctx, vec(1, 0, 0, 0), 3, doc.ID)
		require.NoError(t, err)
		require.Len(t, hits, 3)
		assert.Equal(t, "exact", hits[0].Content)
		assert.Equal(t, "near", hits[1].Content)
		assert.Equal(t, "far", hits[2].Content)
		assert.InDelta(t, 1.0, hits[0].Score, 1e-4)
		assert.InDelta(t, 0.7071, hits[1].Score, 1e-3)
		assert.InDelta(t, 0.0, hits[2].Score, 1e-4)
		assert.Equal(t, doc.ID, hits[0].DocID)
		assert.Equal(t, 1, hits[0].ChunkIndex)
		assert.Equal(t, "handbook.pdf", hits[0].Metadata["filename"])
		assert.Equal(t, float64(2), hits[0].Metadata["file_index"])

		hits, err = s.SearchSimilar(ctx, vec(1, 0, 0, 0), 1, doc.ID)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "exact", hits[0].Content)

		hits, err = s.SearchSimilar(ctx, vec(1, 0, 0, 0), 0, doc.ID)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("equal scores keep insertion order", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc := newTestDocument("handbook.pdf")
		require.NoError(t, s.CreateDocument(ctx, doc))
		defer func() { _ = s.DeleteDocument(ctx, doc.ID) }()

		require.NoError(t, s.InsertChunks(ctx, []*Chunk{newTestChunk(doc.ID, 0, "first", vec(0, 1, 0, 0))}))
		require.NoError(t, s.InsertChunks(ctx, []*Chunk{newTestChunk(doc.ID, 1, "second", vec(0, 1, 0, 0))}))

		hits, err := s.SearchSimilar(ctx, vec(0, 1, 0, 0), 2, doc.ID)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "first", hits[0].Content)
		assert.Equal(t, "second", hits[1].Content)
	})

	t.Run("equal scores at the limit keep earliest inserts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc := newTestDocument("handbook.pdf")
		require.NoError(t, s.CreateDocument(ctx, doc))
		defer func() { _ = s.DeleteDocument(ctx, doc.ID) }()

		// More ties than any single widened page holds.
		for i := 0; i < 25; i++ {
			require.NoError(t, s.InsertChunks(ctx, []*Chunk{
				newTestChunk(doc.ID, i, fmt.Sprintf("tie-%02d", i), vec(0, 0, 1, 0)),
			}))
		}

		hits, err := s.SearchSimilar(ctx, vec(0, 0, 1, 0), 3, doc.ID)
		require.NoError(t, err)
		require.Len(t, hits, 3)
		assert.Equal(t, "tie-00", hits[0].Content)
		assert.Equal(t, "tie-01", hits[1].Content)
		assert.Equal(t, "tie-02", hits[2].Content)
	})

	t.Run("hits do not alias stored metadata", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc := newTestDocument("handbook.pdf")
		require.NoError(t, s.CreateDocument(ctx, doc))
		defer func() { _ = s.DeleteDocument(ctx, doc.ID) }()
		require.NoError(t, s.InsertChunks(ctx, []*Chunk{newTestChunk(doc.ID, 0, "body", vec(1, 0, 0, 0))}))

		hits, err := s.SearchSimilar(ctx, vec(1, 0, 0, 0), 1, doc.ID)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		hits[0].Metadata["filename"] = "changed.pdf"

		hits, err = s.SearchSimilar(ctx, vec(1, 0, 0, 0), 1, doc.ID)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "handbook.pdf", hits[0].Metadata["filename"])
	})

	t.Run("asset listing spans pages without duplicates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc := newTestDocument("scan.pdf")
		require.NoError(t, s.CreateDocument(ctx, doc))
		defer func() { _ = s.DeleteDocument(ctx, doc.ID) }()

		const total = 250
		assets := make([]*Asset, total)
		for i := range assets {
			assets[i] = &Asset{
				ID:          uuid.NewString(),
				DocID:       doc.ID,
				Kind:        AssetPDFImage,
				PageIndex:   intPtr(i / 10),
				ImageIndex:  i,
				URL:         fmt.Sprintf("https://blob.example/pdf/%s/image_%d", doc.ID, i),
				ContentType: "image/png",
			}
		}
		require.NoError(t, s.InsertAssets(ctx, assets))

		got, err := s.ListImageAssets(ctx, doc.ID)
		require.NoError(t, err)
		require.Len(t, got, total)
		seen := make(map[string]bool, total)
		for i, a := range got {
			assert.False(t, seen[a.ID], "asset %s listed twice", a.ID)
			seen[a.ID] = true
			assert.Equal(t, i, a.ImageIndex)
		}

		docs, err := s.ListDocuments(ctx)
		require.NoError(t, err)
		var count int
		for _, d := range docs {
			if d.ID == doc.ID {
				count++
				assert.Equal(t, total, d.ImageCount)
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("search filters by document", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a := newTestDocument("a.pdf")
		b := newTestDocument("b.pdf")
		require.NoError(t, s.CreateDocument(ctx, a))
		require.NoError(t, s.CreateDocument(ctx, b))
		defer func() {
			_ = s.DeleteDocument(ctx, a.ID)
			_ = s.DeleteDocument(ctx, b.ID)
		}()

		require.NoError(t, s.InsertChunks(ctx, []*Chunk{
			newTestChunk(a.ID, 0, "from a", vec(1, 0, 0, 0)),
			newTestChunk(b.ID, 0, "from b", vec(1, 0, 0, 0)),
		}))

		hits, err := s.SearchSimilar(ctx, vec(1, 0, 0, 0), 10, b.ID)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "from b", hits[0].Content)
		assert.Equal(t, b.ID, hits[0].DocID)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc := newTestDocument("handbook.pdf")
		require.NoError(t, s.CreateDocument(ctx, doc))
		defer func() { _ = s.DeleteDocument(ctx, doc.ID) }()

		err := s.InsertChunks(ctx, []*Chunk{newTestChunk(doc.ID, 0, "short", []float32{1, 0})})
		assert.ErrorIs(t, err, ErrDimensionMismatch)
		assert.ErrorIs(t, err, ErrVectorStore)

		_, err = s.SearchSimilar(ctx, []float32{1, 0, 0, 0, 0}, 3, doc.ID)
		assert.ErrorIs(t, err, ErrDimensionMismatch)

		hits, err := s.SearchSimilar(ctx, vec(1, 0, 0, 0), 3, doc.ID)
		require.NoError(t, err)
		assert.Empty(t, hits, "rejected batch must not be persisted")
	})

	t.Run("assets ordered by page then index", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc := newTestDocument("deck.pdf")
		require.NoError(t, s.CreateDocument(ctx, doc))
		defer func() { _ = s.DeleteDocument(ctx, doc.ID) }()

		mk := func(page *int, index int) *Asset {
			return &Asset{
				ID:          uuid.NewString(),
				DocID:       doc.ID,
				Kind:        AssetPDFImage,
				PageIndex:   page,
				ImageIndex:  index,
				URL:         "https://blob.example/img",
				ContentType: "image/png",
				Metadata:    map[string]any{"width": 640, "extraction_method": "pdfimages"},
			}
		}
		require.NoError(t, s.InsertAssets(ctx, []*Asset{
			mk(intPtr(2), 0),
			mk(nil, 1),
			mk(intPtr(1), 1),
			mk(intPtr(1), 0),
			mk(nil, 0),
		}))

		assets, err := s.ListImageAssets(ctx, doc.ID)
		require.NoError(t, err)
		require.Len(t, assets, 5)

		type pos struct {
			page  int
			index int
		}
		var got []pos
		for _, a := range assets {
			p := -1
			if a.PageIndex != nil {
				p = *a.PageIndex
			}
			got = append(got, pos{p, a.ImageIndex})
		}
		assert.Equal(t, []pos{{1, 0}, {1, 1}, {2, 0}, {-1, 0}, {-1, 1}}, got)
		assert.Equal(t, AssetPDFImage, assets[0].Kind)
		assert.Equal(t, "image/png", assets[0].ContentType)
		assert.Equal(t, float64(640), assets[0].Metadata["width"])
	})

	t.Run("list documents reports counts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc := newTestDocument("handbook.pdf")
		require.NoError(t, s.CreateDocument(ctx, doc))
		defer func() { _ = s.DeleteDocument(ctx, doc.ID) }()

		require.NoError(t, s.InsertChunks(ctx, []*Chunk{
			newTestChunk(doc.ID, 0, "one", vec(1, 0, 0, 0)),
			newTestChunk(doc.ID, 1, "two", vec(0, 1, 0, 0)),
		}))
		require.NoError(t, s.InsertAssets(ctx, []*Asset{{
			ID: uuid.NewString(), DocID: doc.ID, Kind: AssetDOCXImage,
			ImageIndex: 0, URL: "https://blob.example/img", ContentType: "image/png",
		}}))

		docs, err := s.ListDocuments(ctx)
		require.NoError(t, err)

		var found *DocumentSummary
		for i := range docs {
			if docs[i].ID == doc.ID {
				found = &docs[i]
			}
		}
		require.NotNil(t, found)
		assert.Equal(t, 2, found.ChunkCount)
		assert.Equal(t, 1, found.ImageCount)
		assert.Equal(t, "handbook.pdf", found.Filename)
	})

	t.Run("delete cascades", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		doc := newTestDocument("handbook.pdf")
		require.NoError(t, s.CreateDocument(ctx, doc))
		require.NoError(t, s.InsertChunks(ctx, []*Chunk{newTestChunk(doc.ID, 0, "gone", vec(1, 0, 0, 0))}))
		require.NoError(t, s.InsertAssets(ctx, []*Asset{{
			ID: uuid.NewString(), DocID: doc.ID, Kind: AssetDOCXImage,
			ImageIndex: 0, URL: "https://blob.example/img", ContentType: "image/png",
		}}))

		require.NoError(t, s.DeleteDocument(ctx, doc.ID))

		_, err := s.GetDocument(ctx, doc.ID)
		assert.ErrorIs(t, err, ErrDocumentNotFound)

		hits, err := s.SearchSimilar(ctx, vec(1, 0, 0, 0), 5, doc.ID)
		require.NoError(t, err)
		assert.Empty(t, hits)

		assets, err := s.ListImageAssets(ctx, doc.ID)
		require.NoError(t, err)
		assert.Empty(t, assets)

		assert.ErrorIs(t, s.DeleteDocument(ctx, doc.ID), ErrDocumentNotFound)
	})
}
