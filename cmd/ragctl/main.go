// Package main provides the ragctl CLI for ingesting, searching and managing evidence.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bull/evidence-rag/internal/app"
	"github.com/bull/evidence-rag/internal/config"
	ghclient "github.com/bull/evidence-rag/internal/github"
	"github.com/bull/evidence-rag/internal/indexer"
	"github.com/bull/evidence-rag/internal/search"
)

var (
	scopeID    string
	documentID string
	uploadedBy string
	topK       int
	githubRepo string
	githubRef  string
)

var rootCmd = &cobra.Command{
	Use:          "ragctl",
	Short:        "Evidence ingestion and retrieval tool",
	Long:         "CLI for ingesting engagement evidence, searching it and managing the vector store.",
	SilenceUsage: true,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Ingest one document into a scope",
	Long: `Extracts, chunks, embeds and stores one file. Markdown files are
converted to plain text; other files are read as text. Re-ingesting a
document id replaces its previous chunks.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex [dir]",
	Short: "Replace the contents of a scope",
	Long: `Clears the scope and ingests every .md and .txt file found under dir,
or under a GitHub repository path when --github is given.

Environment variables:
  GITHUB_TOKEN   GitHub token for higher rate limits (optional)`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReindex,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search evidence in a scope",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a document's chunks, or every chunk in a scope",
	Args:  cobra.NoArgs,
	RunE:  runDelete,
}

var statusCmd = &cobra.Command{
	Use:   "status [document-id]",
	Short: "Show backend health, or a document's ingestion status",
	Long: `Without arguments, reports the active backend and, with --scope, its chunk
count. With a document id, prints the stored ingestion status; this needs
PERSIST_INGESTION_STATUS=true and a Badger database.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&scopeID, "scope", "", "engagement scope id")

	ingestCmd.Flags().StringVar(&documentID, "id", "", "document id (default: file name)")
	ingestCmd.Flags().StringVar(&uploadedBy, "uploaded-by", os.Getenv("USER"), "uploader recorded with each chunk")

	reindexCmd.Flags().StringVar(&githubRepo, "github", "", "read documents from owner/repo[/path] instead of a directory")
	reindexCmd.Flags().StringVar(&githubRef, "ref", "", "git ref for --github (default branch when empty)")
	reindexCmd.Flags().StringVar(&uploadedBy, "uploaded-by", os.Getenv("USER"), "uploader recorded with each chunk")

	searchCmd.Flags().IntVar(&topK, "top-k", 0, "maximum results (default from configuration)")

	deleteCmd.Flags().StringVar(&documentID, "document", "", "delete only this document")

	rootCmd.AddCommand(ingestCmd, reindexCmd, searchCmd, deleteCmd, statusCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp loads configuration, builds the stack, runs fn and tears it down.
func withApp(fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, nil, cfg.Logger())
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func requireScope() error {
	if scopeID == "" {
		return fmt.Errorf("--scope is required")
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runIngest(cmd *cobra.Command, args []string) error {
	if err := requireScope(); err != nil {
		return err
	}
	path := args[0]
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	id := documentID
	if id == "" {
		id = filepath.Base(path)
	}

	return withApp(func(ctx context.Context, a *app.App) error {
		st, err := a.Indexer.IngestDocument(ctx, indexer.Document{
			DocumentID: id,
			ScopeID:    scopeID,
			Filename:   filepath.Base(path),
			UploadedBy: uploadedBy,
			Content:    content,
		})
		if err != nil {
			return err
		}
		return printJSON(st)
	})
}

func runReindex(cmd *cobra.Command, args []string) error {
	if err := requireScope(); err != nil {
		return err
	}
	if (len(args) == 0) == (githubRepo == "") {
		return fmt.Errorf("give either a directory or --github, not both")
	}

	return withApp(func(ctx context.Context, a *app.App) error {
		start := time.Now()

		var (
			docs []indexer.Document
			err  error
		)
		if githubRepo != "" {
			docs, err = loadGitHub(ctx, a)
		} else {
			docs, err = LoadDir(args[0], scopeID, uploadedBy)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Reindexing %d documents into scope %s...\n", len(docs), scopeID)

		results, err := a.Indexer.Reindex(ctx, scopeID, docs)
		if err != nil {
			return err
		}

		ids := make([]string, 0, len(results))
		for id := range results {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		completed := 0
		for _, id := range ids {
			st := results[id]
			if st.Status == indexer.StateCompleted {
				completed++
			}
			line := fmt.Sprintf("  %-9s %s (%d/%d chunks)", st.Status, id, st.ChunksProcessed, st.TotalChunks)
			if st.Error != "" {
				line += ": " + st.Error
			}
			fmt.Println(line)
		}

		fmt.Println()
		fmt.Printf("Reindex complete: %d/%d documents in %s\n", completed, len(docs), time.Since(start).Round(time.Millisecond))
		return nil
	})
}

func loadGitHub(ctx context.Context, a *app.App) ([]indexer.Document, error) {
	owner, repo, basePath, err := ghclient.ParseLocation(githubRepo)
	if err != nil {
		return nil, err
	}
	client, err := ghclient.NewClient(os.Getenv("GITHUB_TOKEN"))
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}
	fetcher := ghclient.NewFetcher(client, owner, repo, basePath, githubRef, a.Logger)

	if sha, err := fetcher.LatestCommitSHA(ctx); err == nil {
		fmt.Printf("Source commit: %s\n", sha)
	}
	return fetcher.Documents(ctx, scopeID, uploadedBy)
}

func runSearch(cmd *cobra.Command, args []string) error {
	if err := requireScope(); err != nil {
		return err
	}
	return withApp(func(ctx context.Context, a *app.App) error {
		resp, err := a.Search.Search(ctx, search.Request{Query: args[0], ScopeID: scopeID, TopK: topK})
		if err != nil {
			return err
		}
		if !resp.Operational {
			fmt.Println("Search is not available: no operational vector backend.")
			return nil
		}
		if len(resp.Results) == 0 {
			fmt.Println("No matching evidence found.")
			return nil
		}
		for _, r := range resp.Results {
			fmt.Printf("%s  score=%.3f  %s#%d\n", r.Citation, r.SimilarityScore, r.DocumentID, r.ChunkIndex)
		}
		fmt.Println()
		fmt.Print(resp.Context)
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	if err := requireScope(); err != nil {
		return err
	}
	return withApp(func(ctx context.Context, a *app.App) error {
		res, err := a.Retriever.DeleteDocuments(ctx, scopeID, documentID)
		if res != nil {
			if perr := printJSON(res); perr != nil {
				return perr
			}
		}
		return err
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app.App) error {
		if len(args) == 1 {
			st, err := a.Indexer.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		}

		out := map[string]any{
			"backend":     a.Retriever.Kind(),
			"operational": a.Retriever.IsOperational(ctx),
		}
		if scopeID != "" {
			n, err := a.Retriever.Count(ctx, scopeID)
			if err != nil {
				out["count_error"] = err.Error()
			} else {
				out["chunks"] = n
			}
		}
		return printJSON(out)
	})
}
