package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the vector store schema",
	Long: `Creates the Qdrant collection and payload indexes, or the Postgres
extension and tables, depending on VECTOR_BACKEND. Safe to run repeatedly.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("Ensuring %s schema...\n", a.Config.VectorBackend)
	if err := a.Store.EnsureSchema(cmd.Context()); err != nil {
		return fmt.Errorf("Failed to ensure schema: %w", err)
	}
	fmt.Println("Schema ready")
	return nil
}
