package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/openai/openai-go"
)

// DefaultMaxTokens is the maximum content length before truncation (in tokens).
const DefaultMaxTokens = 16000

// Summary contains LLM-generated metadata for a document.
type Summary struct {
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords"`
}

// Summarizer produces document summaries and keywords.
type Summarizer struct {
	client    *openai.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewSummarizer creates a summarizer. Non-positive maxTokens uses
// DefaultMaxTokens; empty model uses DefaultModel.
func NewSummarizer(client *openai.Client, model string, maxTokens int, logger *slog.Logger) *Summarizer {
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{client: client, model: model, maxTokens: maxTokens, logger: logger}
}

// Summarize analyzes document content and produces a summary and keyword list.
func (s *Summarizer) Summarize(ctx context.Context, filename, content string) (*Summary, error) {
	truncated := s.truncateContent(content)

	prompt := fmt.Sprintf(`Analyze this document and provide:
1. A concise summary (1-2 sentences) capturing the main topic and key points
2. A list of up to 10 keywords a reader would search for to find it

Document name: %s

Document content:
%s

Respond in JSON format:
{"summary": "Brief description of what this document covers", "keywords": ["keyword1", "keyword2"]}`, filename, truncated)

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model: openai.ChatModel(s.model),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: chat completion: %w", ErrGeneration, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", ErrGeneration)
	}

	return parseSummary(resp.Choices[0].Message.Content)
}

func parseSummary(raw string) (*Summary, error) {
	var out Summary
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: parse summary: %w", ErrGeneration, err)
	}
	if out.Keywords == nil {
		out.Keywords = []string{}
	}
	return &out, nil
}

// truncateContent truncates content to fit within token limits.
// Uses rough estimate of 4 characters per token and never splits a rune.
func (s *Summarizer) truncateContent(content string) string {
	maxChars := s.maxTokens * 4
	if len(content) <= maxChars {
		return content
	}

	s.logger.Warn("truncating content for summary",
		"from_chars", len(content),
		"to_chars", maxChars,
		"max_tokens", s.maxTokens,
	)

	cut := maxChars
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
