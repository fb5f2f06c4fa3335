package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/docrag-server/internal/generation"
	"github.com/bull/docrag-server/internal/retrieval"
	"github.com/bull/docrag-server/internal/storage"
)

type fakeRetriever struct {
	result  retrieval.Context
	err     error
	queries []retrieval.Query
}

func (f *fakeRetriever) Retrieve(ctx context.Context, q retrieval.Query) (retrieval.Context, error) {
	f.queries = append(f.queries, q)
	return f.result, f.err
}

type fakeGenerator struct {
	requests []generation.Request
	err      error
}

func (f *fakeGenerator) Generate(ctx context.Context, req generation.Request) (*generation.Answer, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &generation.Answer{Text: "answer", Citations: generation.BuildCitations(req.Chunks)}, nil
}

func intPtr(v int) *int { return &v }

func TestAskRAG(t *testing.T) {
	long := strings.Repeat("x", 200)
	ret := &fakeRetriever{result: &retrieval.RAGContext{
		DocumentID: "doc-1",
		Chunks: []storage.Hit{
			{ChunkID: "c1", DocID: "doc-1", Content: "short text", Score: 0.9,
				Metadata: map[string]any{"file_url": "https://blob/originals/doc-1/a.pdf"}},
			{ChunkID: "c2", DocID: "doc-1", Content: long, Score: 0.7, Metadata: map[string]any{}},
		},
		Images: []storage.Asset{
			{ID: "a1", Kind: storage.AssetPDFImage, PageIndex: intPtr(1), URL: "https://blob/pdf/doc-1/image_0", ContentType: "image/png"},
		},
	}}
	gen := &fakeGenerator{}
	svc := NewService(ret, gen, nil)

	resp, err := svc.Ask(context.Background(), Request{Prompt: " how? ", K: 3, DocumentID: "doc-1"})
	require.NoError(t, err)

	assert.Equal(t, []retrieval.Query{{Question: "how?", K: 3, DocumentID: "doc-1"}}, ret.queries)
	require.Len(t, gen.requests, 1)
	assert.Len(t, gen.requests[0].Chunks, 2)

	assert.Equal(t, retrieval.ModeRAG, resp.Mode)
	assert.Equal(t, "answer", resp.Answer)
	assert.Equal(t, "[[1]] score=0.900\n[[2]] score=0.700", resp.Citations)
	assert.Equal(t, "doc-1", resp.DocumentID)

	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "c1", resp.Sources[0].ID)
	assert.Equal(t, "[1]", resp.Sources[0].Tag)
	assert.Equal(t, "short text", resp.Sources[0].Snippet)
	assert.Equal(t, "https://blob/originals/doc-1/a.pdf", resp.Sources[0].DocumentURL)
	assert.Equal(t, "[2]", resp.Sources[1].Tag)
	assert.Equal(t, strings.Repeat("x", 160)+"…", resp.Sources[1].Snippet)
	assert.Empty(t, resp.Sources[1].DocumentURL)

	require.Len(t, resp.Images, 1)
	assert.Equal(t, "pdf_image", resp.Images[0].Kind)
	assert.Equal(t, 1, *resp.Images[0].PageIndex)
}

func TestAskDirect(t *testing.T) {
	gen := &fakeGenerator{}
	svc := NewService(&fakeRetriever{result: &retrieval.DirectContext{}}, gen, nil)

	resp, err := svc.Ask(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, retrieval.ModeDirect, resp.Mode)
	assert.Empty(t, resp.Citations)
	assert.NotNil(t, resp.Sources)
	assert.Empty(t, resp.Sources)
	assert.NotNil(t, resp.Images)
	assert.Empty(t, resp.Images)
	assert.Empty(t, gen.requests[0].Chunks)
}

func TestAskImageOnlySkipsRetrieval(t *testing.T) {
	ret := &fakeRetriever{}
	gen := &fakeGenerator{}
	svc := NewService(ret, gen, nil)

	resp, err := svc.Ask(context.Background(), Request{ImageURLs: []string{"https://img/a.png"}})
	require.NoError(t, err)
	assert.Empty(t, ret.queries)
	assert.Equal(t, retrieval.ModeDirect, resp.Mode)
	assert.Equal(t, []string{"https://img/a.png"}, gen.requests[0].ImageURLs)
}

func TestAskErrors(t *testing.T) {
	_, err := NewService(&fakeRetriever{}, &fakeGenerator{}, nil).Ask(context.Background(), Request{Prompt: "  "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	searchErr := errors.New("search failed")
	_, err = NewService(&fakeRetriever{err: searchErr}, &fakeGenerator{}, nil).Ask(context.Background(), Request{Prompt: "q"})
	assert.ErrorIs(t, err, searchErr)

	genErr := errors.New("model down")
	_, err = NewService(&fakeRetriever{result: &retrieval.DirectContext{}}, &fakeGenerator{err: genErr}, nil).
		Ask(context.Background(), Request{Prompt: "q"})
	assert.ErrorIs(t, err, genErr)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "", Snippet(""))
	assert.Equal(t, strings.Repeat("a", 160), Snippet(strings.Repeat("a", 160)))
	assert.Equal(t, strings.Repeat("é", 160)+"…", Snippet(strings.Repeat("é", 161)))
}
