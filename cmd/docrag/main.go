// Package main provides the docrag CLI for ingesting documents and asking
// questions about them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bull/docrag-server/internal/app"
	"github.com/bull/docrag-server/internal/config"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "docrag",
	Short: "Document retrieval-augmented generation tool",
	Long: `CLI for ingesting PDF, DOCX, markdown and text documents into a vector
store and answering questions from them.

Settings come from an optional YAML file (--config) overridden by
environment variables. Common variables:
  VECTOR_BACKEND  qdrant | postgres | memory (default: qdrant)
  QDRANT_HOST     Qdrant hostname (default: localhost)
  QDRANT_PORT     Qdrant gRPC port (default: 6334)
  DATABASE_URL    Postgres DSN for the postgres backend
  OPENAI_API_KEY  OpenAI API key for embeddings and answers
  BLOB_BACKEND    supabase | local (default: local)`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to YAML config file (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildApp loads configuration and connects to the configured backends.
func buildApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("Failed to load config: %w", err)
	}
	a, err := app.Build(cmd.Context(), cfg, newLogger())
	if err != nil {
		return nil, fmt.Errorf("Failed to initialise: %w", err)
	}
	return a, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
