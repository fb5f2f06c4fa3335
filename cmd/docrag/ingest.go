package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/docrag-server/internal/indexer"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file-or-dir>...",
	Short: "Ingest documents from local files or directories",
	Long: `Extracts text and images from each file, chunks and embeds the text and
stores everything in the vector store. Directories are scanned recursively
for .pdf, .docx, .md and .txt files. Every file becomes its own document.

A file that cannot be read as text is reported and skipped. An embedding or
vector store failure stops the run; files already ingested are kept.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	paths, err := indexer.CollectPaths(args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no supported files found")
	}
	files, err := indexer.ReadFiles(paths)
	if err != nil {
		return err
	}

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

	fmt.Printf("Ingesting %d files...\n", len(files))
	result, err := pipeline.IngestFiles(ctx, files)
	if result != nil {
		printIngestResult(result)
	}
	if err != nil {
		return fmt.Errorf("Ingestion stopped: %w", err)
	}
	return nil
}

func printIngestResult(result *indexer.IngestResult) {
	fmt.Println()
	fmt.Println("Ingestion complete!")
	fmt.Printf("  Files: %d/%d (%d without text)\n", result.SuccessfulFiles, result.TotalFiles, result.SkippedFiles)
	fmt.Printf("  Chunks: %d\n", result.TotalChunks)
	fmt.Printf("  Images: %d\n", result.TotalImages)
	fmt.Printf("  Duration: %s\n", result.Duration.Round(time.Millisecond))

	if len(result.Files) > 0 {
		fmt.Println()
		fmt.Println("Documents:")
		for _, f := range result.Files {
			note := ""
			if f.Skipped {
				note = " (no text)"
			}
			fmt.Printf("  - %s: %s, %d chunks, %d images%s\n", f.Filename, f.DocumentID, f.Chunks, f.Images, note)
		}
	}

	if len(result.FailedFiles) > 0 {
		fmt.Println()
		fmt.Println("Failed files:")
		for _, failed := range result.FailedFiles {
			fmt.Printf("  - %s: %s\n", failed.Filename, failed.Reason)
		}
	}
}
