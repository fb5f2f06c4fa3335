package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bull/docrag-server/internal/chat"
	"github.com/bull/docrag-server/internal/storage"
)

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List ingested documents, newest first",
	Args:  cobra.NoArgs,
	RunE:  runDocuments,
}

var assetsCmd = &cobra.Command{
	Use:   "assets <document-id>",
	Short: "List the images extracted from a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssets,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>...",
	Short: "Delete documents with their chunks and images",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDelete,
}

func init() {
	documentsCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the result as JSON")
	assetsCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the result as JSON")
	rootCmd.AddCommand(documentsCmd, assetsCmd, deleteCmd)
}

func runDocuments(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	docs, err := a.Store.ListDocuments(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(docs)
	}
	if len(docs) == 0 {
		fmt.Println("No documents")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFILENAME\tTITLE\tCHUNKS\tIMAGES\tCREATED")
	for _, d := range docs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			d.ID, d.Filename, d.Title, d.ChunkCount, d.ImageCount, d.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runAssets(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	assets, err := a.Store.ListImageAssets(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	images := chat.BuildImages(assets)
	if jsonOutput {
		return printJSON(images)
	}
	if len(images) == 0 {
		fmt.Println("No images")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tPAGE\tINDEX\tURL")
	for _, img := range images {
		page := "-"
		if img.PageIndex != nil {
			page = fmt.Sprint(*img.PageIndex)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", img.Kind, page, img.ImageIndex, img.URL)
	}
	return w.Flush()
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var failed bool
	for _, id := range args {
		err := a.Store.DeleteDocument(cmd.Context(), id)
		switch {
		case errors.Is(err, storage.ErrDocumentNotFound):
			fmt.Printf("%s: not found\n", id)
			failed = true
		case err != nil:
			return fmt.Errorf("Failed to delete %s: %w", id, err)
		default:
			fmt.Printf("%s: deleted\n", id)
		}
	}
	if failed {
		return fmt.Errorf("some documents were not found")
	}
	return nil
}
