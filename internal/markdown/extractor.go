// Package markdown converts Markdown documents into plain text for chunking.
package markdown

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/toc"
)

// Document is the result of parsing one Markdown file.
type Document struct {
	Title    string   // First top-level heading, empty if none
	Outline  []string // Header paths: "# Doc Title > ## Section Name"
	Text     string   // Plain text with blocks separated by blank lines
	Sections int
}

// Extractor renders Markdown as plain text. Files that are not Markdown are
// passed through unchanged.
type Extractor struct {
	parser goldmark.Markdown
}

// NewExtractor creates an extractor configured with the goldmark parser.
func NewExtractor() *Extractor {
	md := goldmark.New(
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
	)
	return &Extractor{parser: md}
}

// Extract implements indexer.Extractor.
func (e *Extractor) Extract(ctx context.Context, filename string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !IsMarkdown(filename) {
		return string(content), nil
	}
	doc, err := e.Parse(content)
	if err != nil {
		return "", err
	}
	return doc.Text, nil
}

// IsMarkdown reports whether filename has a Markdown extension.
func IsMarkdown(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown", ".mdown":
		return true
	}
	return false
}

// Parse converts source to plain text and collects its heading outline.
func (e *Extractor) Parse(source []byte) (*Document, error) {
	root := e.parser.Parser().Parse(text.NewReader(source))

	tree, err := toc.Inspect(root, source,
		toc.MinDepth(1),
		toc.MaxDepth(2),
		toc.Compact(true),
	)
	if err != nil {
		return nil, fmt.Errorf("inspect TOC: %w", err)
	}

	doc := &Document{}
	collectOutline(tree.Items, nil, &doc.Outline)
	doc.Sections = len(doc.Outline)
	if len(tree.Items) > 0 {
		doc.Title = string(tree.Items[0].Title)
	}

	var blocks []string
	err = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading, *ast.Paragraph:
			if s := inlineText(node, source); s != "" {
				blocks = append(blocks, s)
			}
			return ast.WalkSkipChildren, nil
		case *ast.TextBlock:
			// Tight list items hold a TextBlock instead of a Paragraph.
			if s := inlineText(node, source); s != "" {
				if _, inList := node.Parent().(*ast.ListItem); inList {
					s = "- " + s
				}
				blocks = append(blocks, s)
			}
			return ast.WalkSkipChildren, nil
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if s := strings.TrimSpace(blockLines(node, source)); s != "" {
				blocks = append(blocks, s)
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.ThematicBreak:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk markdown: %w", err)
	}

	doc.Text = strings.Join(blocks, "\n\n")
	return doc, nil
}

// collectOutline walks TOC items depth first and records each header path.
func collectOutline(items toc.Items, ancestors []string, out *[]string) {
	for _, item := range items {
		current := append(append([]string(nil), ancestors...), string(item.Title))
		*out = append(*out, formatHeaderPath(current))
		if len(item.Items) > 0 {
			collectOutline(item.Items, current, out)
		}
	}
}

// formatHeaderPath builds a header hierarchy string.
// Example: ["Installation", "Prerequisites"] -> "# Installation > ## Prerequisites"
func formatHeaderPath(path []string) string {
	if len(path) == 0 {
		return ""
	}

	parts := make([]string, 0, len(path))
	for i, segment := range path {
		parts = append(parts, fmt.Sprintf("%s %s", strings.Repeat("#", i+1), segment))
	}
	return strings.Join(parts, " > ")
}

// inlineText concatenates the text leaves under a block node.
func inlineText(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch leaf := c.(type) {
		case *ast.Text:
			buf.Write(leaf.Segment.Value(source))
			if leaf.HardLineBreak() {
				buf.WriteByte('\n')
			} else if leaf.SoftLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(leaf.Value)
		case *ast.AutoLink:
			buf.Write(leaf.Label(source))
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(buf.String())
}

func blockLines(n ast.Node, source []byte) string {
	var buf bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(source))
	}
	return buf.String()
}
