package indexer

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/docrag-server/internal/blob"
	"github.com/bull/docrag-server/internal/chunker"
	"github.com/bull/docrag-server/internal/embedding"
	"github.com/bull/docrag-server/internal/generation"
	"github.com/bull/docrag-server/internal/images"
	"github.com/bull/docrag-server/internal/storage"
)

const testDimension = 4

type fakeEmbedder struct {
	mu      sync.Mutex
	batches [][]string
	// failAt makes the n-th call (1-based) return err.
	failAt int
	err    error
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, texts)
	if f.failAt > 0 && len(f.batches) == f.failAt {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, float32(i), 0, 0}
	}
	return out, nil
}

type fakePDFImages struct {
	images []images.Image
	err    error
}

func (f *fakePDFImages) Extract(ctx context.Context, docID string, data []byte) ([]images.Image, error) {
	return f.images, f.err
}

type fakeSummarizer struct{ err error }

func (f *fakeSummarizer) Summarize(ctx context.Context, filename, content string) (*generation.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &generation.Summary{Summary: "About " + filename, Keywords: []string{"k1"}}, nil
}

// recordingBlobs keeps uploads in memory and fails paths containing failOn.
type recordingBlobs struct {
	mu      sync.Mutex
	uploads map[string][]byte
	failOn  string
}

func (r *recordingBlobs) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != "" && strings.Contains(path, r.failOn) {
		return "", fmt.Errorf("%w: refused %s", blob.ErrUpload, path)
	}
	if r.uploads == nil {
		r.uploads = map[string][]byte{}
	}
	r.uploads[bucket+"/"+path] = data
	return "https://blob.test/" + bucket + "/" + path, nil
}

func (r *recordingBlobs) Delete(ctx context.Context, bucket string, paths []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, path := range paths {
		delete(r.uploads, bucket+"/"+path)
	}
	return nil
}

func (r *recordingBlobs) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.uploads))
	for k := range r.uploads {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// chunkFailingStore fails the n-th InsertChunks call (1-based).
type chunkFailingStore struct {
	*storage.MemoryStorage
	failAt int
	calls  int
}

func (s *chunkFailingStore) InsertChunks(ctx context.Context, chunks []*storage.Chunk) error {
	s.calls++
	if s.calls == s.failAt {
		return fmt.Errorf("%w: connection reset", storage.ErrVectorStore)
	}
	return s.MemoryStorage.InsertChunks(ctx, chunks)
}

func buildDOCX(t *testing.T, paragraphs []string, media ...string) []byte {
	t.Helper()
	var body strings.Builder
	body.WriteString(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		body.WriteString(`<w:p><w:r><w:t>` + p + `</w:t></w:r></w:p>`)
	}
	body.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(body.String()))
	require.NoError(t, err)
	for _, name := range media {
		w, err := zw.Create("word/media/" + name)
		require.NoError(t, err)
		_, err = w.Write([]byte("img:" + name))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type fixture struct {
	store    *storage.MemoryStorage
	blobs    *recordingBlobs
	embedder *fakeEmbedder
	pipeline *Pipeline
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	c, err := chunker.New(50, 10)
	require.NoError(t, err)
	f := &fixture{
		store:    storage.NewMemoryStorage(testDimension),
		blobs:    &recordingBlobs{},
		embedder: &fakeEmbedder{},
	}
	f.pipeline = NewPipeline(f.store, f.blobs, c, f.embedder, opts, nil)
	return f
}

func (f *fixture) chunksOf(t *testing.T, docID string) []storage.Hit {
	t.Helper()
	hits, err := f.store.SearchSimilar(context.Background(), []float32{1, 0, 0, 0}, 1000, docID)
	require.NoError(t, err)
	return hits
}

func TestIngestFiles_TextFile(t *testing.T) {
	f := newFixture(t, Options{})
	text := strings.Repeat("Leave policy applies to all staff. ", 4)

	result, err := f.pipeline.IngestFiles(context.Background(), []File{
		{Name: "policy.txt", ContentType: "text/plain", Data: []byte(text)},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.TotalFiles)
	assert.Equal(t, 1, result.SuccessfulFiles)
	assert.Empty(t, result.FailedFiles)
	require.Len(t, result.Files, 1)
	fr := result.Files[0]
	assert.Equal(t, "policy.txt", fr.Filename)
	assert.False(t, fr.Skipped)

	want, err := chunker.Chunk(strings.TrimSpace(text), 50, 10)
	require.NoError(t, err)
	assert.Equal(t, len(want), fr.Chunks)
	assert.Equal(t, len(want), result.TotalChunks)

	doc, err := f.store.GetDocument(context.Background(), fr.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "policy.txt", doc.Filename)
	assert.Equal(t, "https://blob.test/documents/originals/"+fr.DocumentID+"/policy.txt", doc.FileURL)
	assert.Equal(t, []byte(text), f.blobs.uploads["documents/originals/"+fr.DocumentID+"/policy.txt"])

	hits := f.chunksOf(t, fr.DocumentID)
	require.Len(t, hits, len(want))
	indexes := map[int]string{}
	for _, h := range hits {
		indexes[h.ChunkIndex] = h.Content
		assert.Equal(t, "policy.txt", h.Metadata["filename"])
		assert.Equal(t, doc.FileURL, h.Metadata["file_url"])
		assert.Equal(t, float64(0), h.Metadata["file_index"])
		assert.Equal(t, "text/plain", h.Metadata["content_type"])
		assert.Equal(t, "policy", h.Metadata["title"])
	}
	for i, content := range want {
		assert.Equal(t, content, indexes[i], "chunk %d", i)
	}
}

func TestIngestFiles_EachFileIsItsOwnDocument(t *testing.T) {
	f := newFixture(t, Options{})

	result, err := f.pipeline.IngestFiles(context.Background(), []File{
		{Name: "a.txt", Data: []byte("first file")},
		{Name: "b.md", Data: []byte("# Bee\n\nsecond file")},
	})
	require.NoError(t, err)
	require.Len(t, result.Files, 2)
	assert.NotEqual(t, result.Files[0].DocumentID, result.Files[1].DocumentID)

	hits := f.chunksOf(t, result.Files[1].DocumentID)
	require.Len(t, hits, 1)
	assert.Equal(t, 0, hits[0].ChunkIndex)
	assert.Equal(t, float64(1), hits[0].Metadata["file_index"])
	assert.Equal(t, "Bee", hits[0].Metadata["title"])

	docs, err := f.store.ListDocuments(context.Background())
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestIngestFiles_DOCXImages(t *testing.T) {
	f := newFixture(t, Options{})
	data := buildDOCX(t, []string{"Install the agent.", "Then restart."}, "image2.png", "image1.jpeg", "notes.txt")

	result, err := f.pipeline.IngestFiles(context.Background(), []File{{Name: "guide.docx", Data: data}})
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	fr := result.Files[0]
	assert.Equal(t, 2, fr.Images)
	assert.Equal(t, 1, fr.Chunks)
	assert.Equal(t, 2, result.TotalImages)

	assets, err := f.store.ListImageAssets(context.Background(), fr.DocumentID)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, storage.AssetDOCXImage, assets[0].Kind)
	assert.Nil(t, assets[0].PageIndex)
	assert.Equal(t, 0, assets[0].ImageIndex)
	assert.Equal(t, "image2.png", assets[0].Metadata["original_filename"])
	assert.Equal(t, "https://blob.test/assets/docx/"+fr.DocumentID+"/image_0", assets[0].URL)
	assert.Equal(t, "image/jpeg", assets[1].ContentType)
	assert.Equal(t, []byte("img:image1.jpeg"), f.blobs.uploads["assets/docx/"+fr.DocumentID+"/image_1"])
}

func TestIngestFiles_EmptyTextKeepsImages(t *testing.T) {
	f := newFixture(t, Options{})
	data := buildDOCX(t, []string{"", "  "}, "image1.png")

	result, err := f.pipeline.IngestFiles(context.Background(), []File{{Name: "scan.docx", Data: data}})
	require.NoError(t, err)

	assert.Equal(t, 1, result.SkippedFiles)
	assert.Equal(t, 0, result.SuccessfulFiles)
	require.Len(t, result.Files, 1)
	fr := result.Files[0]
	assert.True(t, fr.Skipped)
	assert.Equal(t, 0, fr.Chunks)
	assert.Equal(t, 1, fr.Images)
	assert.Empty(t, f.embedder.batches)
	assert.Empty(t, f.chunksOf(t, fr.DocumentID))

	assets, err := f.store.ListImageAssets(context.Background(), fr.DocumentID)
	require.NoError(t, err)
	assert.Len(t, assets, 1)
}

func TestIngestFiles_ExtractionFailureDoesNotStopBatch(t *testing.T) {
	f := newFixture(t, Options{})

	result, err := f.pipeline.IngestFiles(context.Background(), []File{
		{Name: "broken.pdf", Data: []byte("%PDF-1.4\nthis is not really a pdf")},
		{Name: "ok.txt", Data: []byte("still ingested")},
	})
	require.NoError(t, err)

	require.Len(t, result.FailedFiles, 1)
	assert.Equal(t, "broken.pdf", result.FailedFiles[0].Filename)
	assert.Contains(t, result.FailedFiles[0].Reason, "extract text")
	assert.Equal(t, 1, result.SuccessfulFiles)

	docs, err := f.store.ListDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "ok.txt", docs[0].Filename)
}

func TestIngestFiles_OriginalUploadFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.blobs.failOn = "bad.txt"

	result, err := f.pipeline.IngestFiles(context.Background(), []File{
		{Name: "bad.txt", Data: []byte("not stored")},
		{Name: "good.txt", Data: []byte("stored")},
	})
	require.NoError(t, err)
	require.Len(t, result.FailedFiles, 1)
	assert.Equal(t, "bad.txt", result.FailedFiles[0].Filename)
	assert.Equal(t, 1, result.SuccessfulFiles)
}

func TestIngestFiles_EmbeddingFailureAbortsBatch(t *testing.T) {
	f := newFixture(t, Options{})
	f.embedder.failAt = 2
	f.embedder.err = fmt.Errorf("%w: upstream 500", embedding.ErrEmbeddingService)

	result, err := f.pipeline.IngestFiles(context.Background(), []File{
		{Name: "one.txt", Data: []byte("first")},
		{Name: "two.txt", Data: []byte("second")},
		{Name: "three.txt", Data: []byte("third")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, embedding.ErrEmbeddingService)
	require.NotNil(t, result)

	assert.Equal(t, 1, result.SuccessfulFiles)
	require.Len(t, result.FailedFiles, 1)
	assert.Equal(t, "two.txt", result.FailedFiles[0].Filename)
	assert.Len(t, f.embedder.batches, 2, "third file must not be attempted")

	docs, err := f.store.ListDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1, "failed file leaves no document behind")
	assert.Equal(t, "one.txt", docs[0].Filename)
}

func TestIngestFiles_StoreFailureAbortsBatch(t *testing.T) {
	c, err := chunker.New(50, 10)
	require.NoError(t, err)
	store := &chunkFailingStore{MemoryStorage: storage.NewMemoryStorage(testDimension), failAt: 2}
	blobs := &recordingBlobs{}
	embedder := &fakeEmbedder{}
	p := NewPipeline(store, blobs, c, embedder, Options{}, nil)

	result, err := p.IngestFiles(context.Background(), []File{
		{Name: "a.txt", Data: []byte("first file")},
		{Name: "b.docx", Data: buildDOCX(t, []string{"second file"}, "image1.png")},
		{Name: "c.txt", Data: []byte("third file")},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrVectorStore)
	require.NotNil(t, result)

	assert.Equal(t, 1, result.SuccessfulFiles)
	require.Len(t, result.FailedFiles, 1)
	assert.Equal(t, "b.docx", result.FailedFiles[0].Filename)
	assert.Len(t, embedder.batches, 2, "c.txt must not be attempted")

	docs, err := store.ListDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a.txt", docs[0].Filename)
	assert.Zero(t, docs[0].ImageCount)

	// Only a.txt's original remains; b.docx's original and image are gone.
	aID := result.Files[0].DocumentID
	assert.Equal(t, []string{"documents/" + blob.OriginalPath(aID, "a.txt")}, blobs.keys())
}

func TestIngestFiles_RateLimitIsRetried(t *testing.T) {
	f := newFixture(t, Options{})
	f.embedder.failAt = 1
	f.embedder.err = fmt.Errorf("%w: %w", embedding.ErrEmbeddingService, &openai.Error{
		StatusCode: http.StatusTooManyRequests,
		Request:    httptest.NewRequest(http.MethodPost, "/v1/embeddings", nil),
		Response:   &http.Response{StatusCode: http.StatusTooManyRequests},
	})

	result, err := f.pipeline.IngestFiles(context.Background(), []File{{Name: "a.txt", Data: []byte("retry me")}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SuccessfulFiles)
	assert.Len(t, f.embedder.batches, 2)
}

func TestIngestFiles_EmbedBatchSize(t *testing.T) {
	f := newFixture(t, Options{EmbedBatchSize: 2})
	text := strings.Repeat("0123456789", 20) // 200 chars, 5 chunks of 50/10

	result, err := f.pipeline.IngestFiles(context.Background(), []File{{Name: "a.txt", Data: []byte(text)}})
	require.NoError(t, err)
	assert.Equal(t, 5, result.TotalChunks)
	require.Len(t, f.embedder.batches, 3)
	assert.Len(t, f.embedder.batches[0], 2)
	assert.Len(t, f.embedder.batches[2], 1)
}

func TestIngestFiles_EmbedRateLimit(t *testing.T) {
	f := newFixture(t, Options{EmbedBatchSize: 2, EmbedRequestsPerSecond: 1000})
	text := strings.Repeat("0123456789", 20)

	result, err := f.pipeline.IngestFiles(context.Background(), []File{{Name: "a.txt", Data: []byte(text)}})
	require.NoError(t, err)
	assert.Equal(t, 5, result.TotalChunks)
	assert.Len(t, f.embedder.batches, 3)
}

func TestIngestFiles_EmbedRateLimitHonoursCancel(t *testing.T) {
	// One request per hour: the second batch waits until the context ends.
	f := newFixture(t, Options{EmbedBatchSize: 2, EmbedRequestsPerSecond: 1.0 / 3600})
	text := strings.Repeat("0123456789", 20)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result, err := f.pipeline.IngestFiles(ctx, []File{{Name: "a.txt", Data: []byte(text)}})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Len(t, f.embedder.batches, 1)
	assert.Len(t, result.FailedFiles, 1)
}

func TestIngestFiles_Summary(t *testing.T) {
	f := newFixture(t, Options{Summarizer: &fakeSummarizer{}})

	result, err := f.pipeline.IngestFiles(context.Background(), []File{{Name: "a.txt", Data: []byte("text")}})
	require.NoError(t, err)

	doc, err := f.store.GetDocument(context.Background(), result.Files[0].DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "About a.txt", doc.Summary)
	assert.Equal(t, []string{"k1"}, doc.Keywords)
}

func TestIngestFiles_SummaryFailureDegrades(t *testing.T) {
	f := newFixture(t, Options{Summarizer: &fakeSummarizer{err: errors.New("model down")}})

	result, err := f.pipeline.IngestFiles(context.Background(), []File{{Name: "a.txt", Data: []byte("text")}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SuccessfulFiles)

	doc, err := f.store.GetDocument(context.Background(), result.Files[0].DocumentID)
	require.NoError(t, err)
	assert.Empty(t, doc.Summary)
}

func TestIngestFiles_CanceledContext(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := f.pipeline.IngestFiles(ctx, []File{{Name: "a.txt", Data: []byte("text")}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, result.SuccessfulFiles)
}

func intPtr(v int) *int { return &v }

func TestProcessImages_PDF(t *testing.T) {
	pdf := &fakePDFImages{images: []images.Image{
		{Data: []byte("p1"), ContentType: "image/png", PageIndex: intPtr(1), ImageIndex: 0,
			Metadata: map[string]any{"width": 10, "extraction_method": images.MethodPDFImages}},
		{Data: []byte("p2"), ContentType: "image/png", PageIndex: intPtr(2), ImageIndex: 1},
		{Data: []byte("p3"), ContentType: "image/png", PageIndex: intPtr(2), ImageIndex: 2},
	}}
	f := newFixture(t, Options{PDFImages: pdf})
	doc := &storage.Document{ID: "11111111-1111-1111-1111-111111111111", Filename: "deck.pdf", ContentType: "application/pdf"}
	require.NoError(t, f.store.CreateDocument(context.Background(), doc))
	f.blobs.failOn = "image_1"

	n, paths := f.pipeline.processImages(context.Background(), doc, []byte("%PDF-1.4"))
	assert.Equal(t, 2, n, "failed upload skips only that image")
	assert.Equal(t, []string{"pdf/" + doc.ID + "/image_0", "pdf/" + doc.ID + "/image_2"}, paths)

	assets, err := f.store.ListImageAssets(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, storage.AssetPDFImage, assets[0].Kind)
	assert.Equal(t, 1, *assets[0].PageIndex)
	assert.Equal(t, "https://blob.test/assets/pdf/"+doc.ID+"/image_0", assets[0].URL)
	assert.Equal(t, float64(10), assets[0].Metadata["width"])
	assert.Equal(t, 2, assets[1].ImageIndex)
}

func TestProcessImages_PDFFailureIsSwallowed(t *testing.T) {
	pdf := &fakePDFImages{err: fmt.Errorf("%w: pdfimages exited with code 2", images.ErrImageExtraction)}
	f := newFixture(t, Options{PDFImages: pdf})
	doc := &storage.Document{ID: "22222222-2222-2222-2222-222222222222", Filename: "deck.pdf"}

	n, paths := f.pipeline.processImages(context.Background(), doc, []byte("%PDF-1.4"))
	assert.Zero(t, n)
	assert.Empty(t, paths)
}

func TestProcessImages_PDFDisabled(t *testing.T) {
	f := newFixture(t, Options{})
	doc := &storage.Document{ID: "33333333-3333-3333-3333-333333333333", Filename: "deck.pdf"}

	n, _ := f.pipeline.processImages(context.Background(), doc, []byte("%PDF-1.4"))
	assert.Zero(t, n)
}
