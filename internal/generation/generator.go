// Package generation asks a chat model to answer questions, grounded on
// retrieved chunks when there are any, and summarises documents.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"

	"github.com/bull/docrag-server/internal/storage"
)

const (
	// DefaultModel answers text-only prompts.
	DefaultModel = "gpt-4o-mini"

	// DefaultVisionModel answers prompts that carry images.
	DefaultVisionModel = "gpt-4o"

	temperature     = 0.2
	visionMaxTokens = 1000
)

var ErrGeneration = errors.New("generation failed")

const directSystemPrompt = `You are a helpful assistant. Answer the user's question as well as you can. ` +
	`No reference documents matched this question, so answer from general knowledge and say so when you are unsure.`

const ragSystemPrompt = `You are a helpful assistant. Use the provided context to answer the user's question. ` +
	`If the answer isn't in the context, say you don't know. Cite like [1], [2].

CONTEXT:
%s`

// Request is one generation call. Chunks may be empty, in which case the
// model answers without grounding.
type Request struct {
	Prompt    string
	Chunks    []storage.Hit
	ImageURLs []string
}

// Answer is the model output plus the citation list for the chunks used.
type Answer struct {
	Text      string
	Citations string
}

// Generator wraps chat completions.
type Generator struct {
	client      *openai.Client
	model       string
	visionModel string
}

// NewGenerator creates a Generator. Empty model names use the defaults.
func NewGenerator(client *openai.Client, model, visionModel string) *Generator {
	if model == "" {
		model = DefaultModel
	}
	if visionModel == "" {
		visionModel = DefaultVisionModel
	}
	return &Generator{client: client, model: model, visionModel: visionModel}
}

// Generate produces an answer. Image URLs switch to the vision model.
func (g *Generator) Generate(ctx context.Context, req Request) (*Answer, error) {
	params := g.buildParams(req)

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: chat completion: %w", ErrGeneration, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", ErrGeneration)
	}

	return &Answer{
		Text:      resp.Choices[0].Message.Content,
		Citations: BuildCitations(req.Chunks),
	}, nil
}

func (g *Generator) buildParams(req Request) openai.ChatCompletionNewParams {
	system := directSystemPrompt
	if len(req.Chunks) > 0 {
		system = fmt.Sprintf(ragSystemPrompt, BuildContext(req.Chunks))
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(g.model),
		Temperature: openai.Float(temperature),
	}

	if len(req.ImageURLs) == 0 {
		params.Messages = []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(req.Prompt),
		}
		return params
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(req.ImageURLs)+1)
	if strings.TrimSpace(req.Prompt) != "" {
		parts = append(parts, openai.TextContentPart(req.Prompt))
	}
	for _, u := range req.ImageURLs {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL:    u,
			Detail: "high",
		}))
	}
	params.Model = openai.ChatModel(g.visionModel)
	params.MaxTokens = openai.Int(visionMaxTokens)
	params.Messages = []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(system),
		openai.UserMessage(parts),
	}
	return params
}

// BuildContext renders chunks as numbered blocks: "[[1]] text".
func BuildContext(chunks []storage.Hit) string {
	blocks := make([]string, len(chunks))
	for i, c := range chunks {
		blocks[i] = fmt.Sprintf("[[%d]] %s", i+1, c.Content)
	}
	return strings.Join(blocks, "\n\n")
}

// BuildCitations lists each chunk's number and score: "[[1]] score=0.912".
func BuildCitations(chunks []storage.Hit) string {
	lines := make([]string, len(chunks))
	for i, c := range chunks {
		lines[i] = fmt.Sprintf("[[%d]] score=%.3f", i+1, c.Score)
	}
	return strings.Join(lines, "\n")
}
