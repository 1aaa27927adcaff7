package github

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/google/go-github/v81/github"

	"github.com/bull/evidence-rag/internal/indexer"
	"github.com/bull/evidence-rag/internal/markdown"
)

// FetchedDoc is one file read from the repository.
type FetchedDoc struct {
	Path    string // Relative to the base path
	Content []byte
	SHA     string
	URL     string
}

// Fetcher lists and downloads documents under one repository directory.
type Fetcher struct {
	client   *Client
	owner    string
	repo     string
	basePath string
	ref      string
	logger   *slog.Logger
}

// ParseLocation splits "owner/repo[/base/path]" into its parts.
func ParseLocation(location string) (owner, repo, basePath string, err error) {
	parts := strings.SplitN(strings.Trim(location, "/"), "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("invalid repository location %q, want owner/repo[/path]", location)
	}
	if len(parts) == 3 {
		basePath = parts[2]
	}
	return parts[0], parts[1], basePath, nil
}

// NewFetcher creates a document fetcher. An empty ref reads the default branch.
func NewFetcher(client *Client, owner, repo, basePath, ref string, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:   client,
		owner:    owner,
		repo:     repo,
		basePath: basePath,
		ref:      ref,
		logger:   logger.With("component", "github", "repo", owner+"/"+repo),
	}
}

// ListDocs recursively lists supported files under the base path.
func (f *Fetcher) ListDocs(ctx context.Context) ([]string, error) {
	return f.listDocsRecursive(ctx, f.basePath, "")
}

func (f *Fetcher) listDocsRecursive(ctx context.Context, fullPath, relativePath string) ([]string, error) {
	var docs []string

	_, dirContents, _, err := f.client.Repositories.GetContents(ctx, f.owner, f.repo, fullPath, f.contentOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to get contents of %s: %w", fullPath, err)
	}

	for _, item := range dirContents {
		itemRelPath := path.Join(relativePath, item.GetName())

		switch item.GetType() {
		case "file":
			if isSupported(item.GetName()) {
				docs = append(docs, itemRelPath)
			}
		case "dir":
			subDocs, err := f.listDocsRecursive(ctx, path.Join(fullPath, item.GetName()), itemRelPath)
			if err != nil {
				return nil, err
			}
			docs = append(docs, subDocs...)
		}
	}

	return docs, nil
}

// FetchDoc downloads one file by its path relative to the base path.
func (f *Fetcher) FetchDoc(ctx context.Context, relativePath string) (*FetchedDoc, error) {
	fullPath := path.Join(f.basePath, relativePath)

	fileContent, _, _, err := f.client.Repositories.GetContents(ctx, f.owner, f.repo, fullPath, f.contentOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to get content of %s: %w", fullPath, err)
	}
	if fileContent == nil {
		return nil, fmt.Errorf("no file content returned for %s", fullPath)
	}

	content, err := fileContent.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode content of %s: %w", fullPath, err)
	}

	return &FetchedDoc{
		Path:    relativePath,
		Content: []byte(content),
		SHA:     fileContent.GetSHA(),
		URL:     fileContent.GetHTMLURL(),
	}, nil
}

// Documents fetches every supported file and returns them as ingestion
// input for scopeID. Document ids are "owner/repo/path" so repeated runs
// replace earlier chunks.
func (f *Fetcher) Documents(ctx context.Context, scopeID, uploadedBy string) ([]indexer.Document, error) {
	paths, err := f.ListDocs(ctx)
	if err != nil {
		return nil, err
	}
	f.logger.Info("listed documents", "count", len(paths), "base_path", f.basePath)

	docs := make([]indexer.Document, 0, len(paths))
	for _, p := range paths {
		fetched, err := f.FetchDoc(ctx, p)
		if err != nil {
			return nil, err
		}
		docs = append(docs, indexer.Document{
			DocumentID: path.Join(f.owner, f.repo, f.basePath, p),
			ScopeID:    scopeID,
			Filename:   path.Base(p),
			UploadedBy: uploadedBy,
			Content:    fetched.Content,
			Metadata: map[string]string{
				"source": "github",
				"path":   p,
				"sha":    fetched.SHA,
				"url":    fetched.URL,
			},
		})
	}
	return docs, nil
}

// LatestCommitSHA returns the most recent commit touching the base path.
func (f *Fetcher) LatestCommitSHA(ctx context.Context) (string, error) {
	opts := &github.CommitsListOptions{
		Path:        f.basePath,
		SHA:         f.ref,
		ListOptions: github.ListOptions{PerPage: 1},
	}
	commits, _, err := f.client.Repositories.ListCommits(ctx, f.owner, f.repo, opts)
	if err != nil {
		return "", fmt.Errorf("failed to get latest commit: %w", err)
	}
	if len(commits) == 0 {
		return "", fmt.Errorf("no commits found for path %s", f.basePath)
	}
	if commits[0].SHA == nil {
		return "", fmt.Errorf("commit SHA is nil")
	}
	return commits[0].GetSHA(), nil
}

func (f *Fetcher) contentOptions() *github.RepositoryContentGetOptions {
	if f.ref == "" {
		return nil
	}
	return &github.RepositoryContentGetOptions{Ref: f.ref}
}

func isSupported(name string) bool {
	return markdown.IsMarkdown(name) || strings.EqualFold(path.Ext(name), ".txt")
}
