package extract

import (
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

var markdownParser = goldmark.New()

// markdownText renders markdown to plain text. Markup is dropped and block
// boundaries become blank lines.
func markdownText(source []byte) string {
	doc := markdownParser.Parser().Parse(text.NewReader(source))

	var sb strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				sb.Write(node.Segment.Value(source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					sb.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				sb.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				sb.Write(node.Label(source))
			}
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if entering {
				lines := node.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					sb.Write(seg.Value(source))
				}
			} else {
				sb.WriteString("\n\n")
			}
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock, *ast.ThematicBreak:
			if !entering {
				sb.WriteString("\n\n")
			}
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}

// markdownTitle returns the text of the first H1 heading.
func markdownTitle(source []byte) string {
	doc := markdownParser.Parser().Parse(text.NewReader(source))
	tree, err := toc.Inspect(doc, source, toc.MinDepth(1), toc.MaxDepth(1), toc.Compact(true))
	if err != nil || len(tree.Items) == 0 {
		return ""
	}
	return strings.TrimSpace(string(tree.Items[0].Title))
}

// Title returns a display title for a document: the first markdown H1, the
// DOCX core title, or the file name without its extension.
func Title(data []byte, mimeType, filename string) string {
	var title string
	switch DetectFormat(data, mimeType, filename) {
	case FormatMarkdown:
		title = markdownTitle(data)
	case FormatDOCX:
		title = docxTitle(data)
	}
	if title != "" {
		return title
	}
	base := filepath.Base(filename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
