package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	ghclient "github.com/bull/docrag-server/internal/github"
	"github.com/bull/docrag-server/internal/indexer"
	"github.com/bull/docrag-server/internal/watcher"
)

var (
	watchDebounce time.Duration

	ghOwner string
	ghRepo  string
	ghPath  string
	ghRef   string
)

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Ingest documents as they are added to or changed in a directory",
	Long: `Watches a directory (not recursively) and ingests .pdf, .docx, .md and
.txt files once writes to them settle. A changed file is ingested as a new
document. Runs until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var syncGitHubCmd = &cobra.Command{
	Use:   "sync-github",
	Short: "Ingest documents from a GitHub repository directory",
	Long: `Lists .pdf, .docx, .md and .txt files under a repository path recursively,
downloads them and ingests each as its own document.

Environment variables:
  GITHUB_TOKEN   GitHub token for higher rate limits (optional)`,
	Args: cobra.NoArgs,
	RunE: runSyncGitHub,
}

func init() {
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", watcher.DefaultDebounce, "quiet period before a changed file is ingested")

	syncGitHubCmd.Flags().StringVar(&ghOwner, "owner", "", "repository owner (required)")
	syncGitHubCmd.Flags().StringVar(&ghRepo, "repo", "", "repository name (required)")
	syncGitHubCmd.Flags().StringVar(&ghPath, "path", "", "directory within the repository")
	syncGitHubCmd.Flags().StringVar(&ghRef, "ref", "", "branch, tag or commit (default: repository default branch)")
	_ = syncGitHubCmd.MarkFlagRequired("owner")
	_ = syncGitHubCmd.MarkFlagRequired("repo")

	rootCmd.AddCommand(watchCmd, syncGitHubCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	pipeline, err := a.Pipeline()
	if err != nil {
		return err
	}
	if err := a.Store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("Failed to ensure schema: %w", err)
	}

	handle := func(ctx context.Context, path string) error {
		file, err := indexer.ReadFile(path)
		if err != nil {
			return err
		}
		result, err := pipeline.IngestFiles(ctx, []indexer.File{file})
		if err != nil {
			return err
		}
		if len(result.FailedFiles) > 0 {
			return fmt.Errorf("%s", result.FailedFiles[0].Reason)
		}
		f := result.Files[0]
		fmt.Printf("Ingested %s: %s, %d chunks, %d images\n", f.Filename, f.DocumentID, f.Chunks, f.Images)
		return nil
	}

	fmt.Printf("Watching %s (Ctrl+C to stop)...\n", args[0])
	return watcher.New(args[0], handle, watchDebounce, a.Logger).Run(ctx)
}

func runSyncGitHub(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	start := time.Now()

	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	pipeline, err := a.Pipeline()
	if err != nil {
		return err
	}

	gh, err := ghclient.NewClient(a.Config.GitHubToken)
	if err != nil {
		return fmt.Errorf("Failed to create GitHub client: %w", err)
	}
	fetcher := ghclient.NewFetcher(gh, ghOwner, ghRepo, strings.Trim(ghPath, "/"), ghRef)

	commit, err := fetcher.GetLatestCommitSHA(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Syncing %s/%s/%s at %s\n", ghOwner, ghRepo, ghPath, commit)

	paths, err := fetcher.ListDocs(ctx)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		fmt.Println("No supported documents found")
		return nil
	}

	files := make([]indexer.File, 0, len(paths))
	for _, p := range paths {
		doc, err := fetcher.FetchDoc(ctx, p)
		if err != nil {
			fmt.Printf("  - %s: %v\n", p, err)
			continue
		}
		files = append(files, indexer.File{Name: doc.Path, Data: doc.Data})
	}

	if err := a.Store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("Failed to ensure schema: %w", err)
	}

	fmt.Printf("Ingesting %d documents...\n", len(files))
	result, err := pipeline.IngestFiles(ctx, files)
	if result != nil {
		printIngestResult(result)
	}
	if err != nil {
		return fmt.Errorf("Ingestion stopped: %w", err)
	}

	fmt.Println()
	fmt.Printf("Total time: %s\n", time.Since(start).Round(time.Second))
	return nil
}
