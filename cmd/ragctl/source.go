package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bull/evidence-rag/internal/indexer"
	"github.com/bull/evidence-rag/internal/markdown"
)

// LoadDir reads every Markdown and text file under root. Document ids are
// slash-separated paths relative to root.
func LoadDir(root, scopeID, uploadedBy string) ([]indexer.Document, error) {
	var docs []indexer.Document
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !markdown.IsMarkdown(path) && !strings.EqualFold(filepath.Ext(path), ".txt") {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		docs = append(docs, indexer.Document{
			DocumentID: filepath.ToSlash(rel),
			ScopeID:    scopeID,
			Filename:   d.Name(),
			UploadedBy: uploadedBy,
			Content:    content,
			Metadata:   map[string]string{"source": "filesystem", "path": filepath.ToSlash(rel)},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}
