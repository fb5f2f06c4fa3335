package generation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	var bodies []map[string]any
	client := newTestClient(t, `{"summary": "Leave policy overview", "keywords": ["leave", "holidays"]}`, &bodies)
	s := NewSummarizer(client, "", 0, nil)

	got, err := s.Summarize(context.Background(), "handbook.pdf", "Employees get 25 days of leave.")
	require.NoError(t, err)
	assert.Equal(t, "Leave policy overview", got.Summary)
	assert.Equal(t, []string{"leave", "holidays"}, got.Keywords)

	require.Len(t, bodies, 1)
	format := bodies[0]["response_format"].(map[string]any)
	assert.Equal(t, "json_object", format["type"])
	prompt := bodies[0]["messages"].([]any)[0].(map[string]any)["content"].(string)
	assert.Contains(t, prompt, "Document name: handbook.pdf")
	assert.Contains(t, prompt, "25 days of leave")
}

func TestSummarizeInvalidJSON(t *testing.T) {
	var bodies []map[string]any
	s := NewSummarizer(newTestClient(t, "not json", &bodies), "", 0, nil)

	_, err := s.Summarize(context.Background(), "a.txt", "text")
	assert.ErrorIs(t, err, ErrGeneration)
}

func TestParseSummary(t *testing.T) {
	got, err := parseSummary(`{"summary": "Test summary", "keywords": ["Entity1", "Entity2"]}`)
	require.NoError(t, err)
	assert.Equal(t, "Test summary", got.Summary)
	assert.Equal(t, []string{"Entity1", "Entity2"}, got.Keywords)

	got, err = parseSummary(`{"summary": "No keywords"}`)
	require.NoError(t, err)
	assert.NotNil(t, got.Keywords)
	assert.Empty(t, got.Keywords)
}

func TestTruncateContent(t *testing.T) {
	s := NewSummarizer(nil, "", DefaultMaxTokens, nil)

	longContent := strings.Repeat("This is a test content. ", 4000)
	truncated := s.truncateContent(longContent)

	assert.Len(t, truncated, DefaultMaxTokens*4)
	assert.True(t, strings.HasPrefix(longContent, truncated))
}

func TestTruncateContent_Short(t *testing.T) {
	s := NewSummarizer(nil, "", DefaultMaxTokens, nil)

	shortContent := strings.Repeat("Short. ", 140)
	assert.Equal(t, shortContent, s.truncateContent(shortContent))
}

func TestTruncateContent_CustomMaxTokens(t *testing.T) {
	s := NewSummarizer(nil, "", 1000, nil)

	content := strings.Repeat("Content. ", 1000)
	assert.Len(t, s.truncateContent(content), 4000)
}

func TestTruncateContent_KeepsRunesWhole(t *testing.T) {
	s := NewSummarizer(nil, "", 1, nil)

	// The 4-byte cut lands inside the two-byte é.
	got := s.truncateContent("aaaé and more")
	assert.Equal(t, "aaa", got)
}
