// Package chat answers a question end to end: retrieval, generation and
// shaping the response with sources and document images.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bull/docrag-server/internal/generation"
	"github.com/bull/docrag-server/internal/retrieval"
	"github.com/bull/docrag-server/internal/storage"
)

// SnippetLength is the number of characters of a source shown to the user.
const SnippetLength = 160

var ErrEmptyPrompt = errors.New("prompt or image required")

type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (retrieval.Context, error)
}

type Generator interface {
	Generate(ctx context.Context, req generation.Request) (*generation.Answer, error)
}

// Request is a user question. ImageURLs are images the user attached.
type Request struct {
	Prompt     string
	K          int
	DocumentID string
	ImageURLs  []string
}

// Source is a chunk the answer was grounded on.
type Source struct {
	ID          string         `json:"id"`
	DocumentID  string         `json:"document_id"`
	Snippet     string         `json:"snippet"`
	Score       float64        `json:"score"`
	Metadata    map[string]any `json:"metadata"`
	Tag         string         `json:"tag"`
	DocumentURL string         `json:"document_url,omitempty"`
}

// Image is a stored image of the document the answer came from.
type Image struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	PageIndex   *int   `json:"page_index"`
	ImageIndex  int    `json:"image_index"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// Response is the shaped answer. Sources and Images are empty in direct mode.
type Response struct {
	Mode       retrieval.Mode `json:"mode"`
	Answer     string         `json:"answer"`
	Citations  string         `json:"citations"`
	DocumentID string         `json:"document_id,omitempty"`
	Sources    []Source       `json:"sources"`
	Images     []Image        `json:"images"`
}

type Service struct {
	retriever Retriever
	generator Generator
	logger    *slog.Logger
}

func NewService(retriever Retriever, generator Generator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{retriever: retriever, generator: generator, logger: logger}
}

// Ask answers one question. A prompt without text but with images skips
// retrieval and goes straight to the model.
func (s *Service) Ask(ctx context.Context, req Request) (*Response, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" && len(req.ImageURLs) == 0 {
		return nil, ErrEmptyPrompt
	}

	var rc retrieval.Context = &retrieval.DirectContext{}
	if prompt != "" {
		var err error
		rc, err = s.retriever.Retrieve(ctx, retrieval.Query{
			Question:   prompt,
			K:          req.K,
			DocumentID: req.DocumentID,
		})
		if err != nil {
			return nil, fmt.Errorf("retrieve: %w", err)
		}
	}

	genReq := generation.Request{Prompt: prompt, ImageURLs: req.ImageURLs}
	rag, grounded := rc.(*retrieval.RAGContext)
	if grounded {
		genReq.Chunks = rag.Chunks
	}

	answer, err := s.generator.Generate(ctx, genReq)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	resp := &Response{
		Mode:      rc.Mode(),
		Answer:    answer.Text,
		Citations: answer.Citations,
		Sources:   []Source{},
		Images:    []Image{},
	}
	if grounded {
		resp.DocumentID = rag.DocumentID
		resp.Sources = buildSources(rag.Chunks)
		resp.Images = BuildImages(rag.Images)
	}

	s.logger.Info("question answered",
		"mode", resp.Mode,
		"sources", len(resp.Sources),
		"images", len(resp.Images),
		"doc_id", resp.DocumentID,
	)
	return resp, nil
}

func buildSources(hits []storage.Hit) []Source {
	out := make([]Source, len(hits))
	for i, h := range hits {
		url, _ := h.Metadata["file_url"].(string)
		out[i] = Source{
			ID:          h.ChunkID,
			DocumentID:  h.DocID,
			Snippet:     Snippet(h.Content),
			Score:       h.Score,
			Metadata:    h.Metadata,
			Tag:         fmt.Sprintf("[%d]", i+1),
			DocumentURL: url,
		}
	}
	return out
}

// BuildImages converts stored assets to their response shape, keeping order.
func BuildImages(assets []storage.Asset) []Image {
	out := make([]Image, len(assets))
	for i, a := range assets {
		out[i] = Image{
			ID:          a.ID,
			Kind:        string(a.Kind),
			PageIndex:   a.PageIndex,
			ImageIndex:  a.ImageIndex,
			URL:         a.URL,
			ContentType: a.ContentType,
		}
	}
	return out
}

// Snippet returns the first SnippetLength characters of content, with an
// ellipsis when something was cut.
func Snippet(content string) string {
	runes := []rune(content)
	if len(runes) <= SnippetLength {
		return content
	}
	return string(runes[:SnippetLength]) + "…"
}
