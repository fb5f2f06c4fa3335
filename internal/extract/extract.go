// Package extract converts raw uploaded documents into plain text.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrExtraction is returned when a recognised container cannot be read.
var ErrExtraction = errors.New("text extraction failed")

// Content types understood by the extractor.
const (
	MIMEPDF         = "application/pdf"
	MIMEDOCX        = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMEMarkdown    = "text/markdown"
	MIMEText        = "text/plain"
	MIMEOctetStream = "application/octet-stream"
)

// Format identifies the extraction strategy for a file.
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
)

var extensionFormats = map[string]Format{
	".pdf":      FormatPDF,
	".docx":     FormatDOCX,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".txt":      FormatText,
}

var mimeFormats = map[string]Format{
	MIMEPDF:           FormatPDF,
	MIMEDOCX:          FormatDOCX,
	MIMEMarkdown:      FormatMarkdown,
	"text/x-markdown": FormatMarkdown,
	MIMEText:          FormatText,
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// SupportedExtension reports whether filename has an extension with a dedicated strategy.
func SupportedExtension(filename string) bool {
	_, ok := extensionFormats[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// DetectContentType returns the declared MIME type without parameters, or the
// sniffed type when the declaration is empty or generic.
func DetectContentType(data []byte, declared string) string {
	declared = baseMIME(declared)
	if declared != "" && declared != MIMEOctetStream {
		return declared
	}
	return baseMIME(mimetype.Detect(data).String())
}

// DetectFormat picks a strategy by file extension first, then by MIME type.
func DetectFormat(data []byte, mimeType, filename string) Format {
	if f, ok := extensionFormats[strings.ToLower(filepath.Ext(filename))]; ok {
		return f
	}
	if f, ok := mimeFormats[DetectContentType(data, mimeType)]; ok {
		return f
	}
	return FormatText
}

// Text extracts the text layer of a document. A document without a text layer
// yields an empty string and no error.
func Text(data []byte, mimeType, filename string) (string, error) {
	var (
		text string
		err  error
	)
	switch DetectFormat(data, mimeType, filename) {
	case FormatPDF:
		text, err = pdfText(data)
	case FormatDOCX:
		text, err = docxText(data)
	case FormatMarkdown:
		text = markdownText(data)
	default:
		text, err = plainText(data)
	}
	if err != nil {
		return "", fmt.Errorf("%s: %w", filename, err)
	}
	return clean(text), nil
}

// plainText decodes anything else as UTF-8. NUL bytes are dropped since
// Postgres text columns cannot hold them.
func plainText(data []byte) (string, error) {
	data = bytes.ReplaceAll(data, []byte{0}, nil)
	return strings.ToValidUTF8(string(data), "\uFFFD"), nil
}

func clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func baseMIME(t string) string {
	t, _, _ = strings.Cut(t, ";")
	return strings.ToLower(strings.TrimSpace(t))
}
