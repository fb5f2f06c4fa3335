package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bull/docrag-server/internal/chat"
	"github.com/bull/docrag-server/internal/retrieval"
)

var (
	queryK        int
	queryDocument string
	askImages     []string
	searchMin     float64
	jsonOutput    bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question from the ingested documents",
	Long: `Embeds the question, retrieves the most similar chunks and asks the model.
When no chunk scores above the similarity cutoff the model answers without
document context.`,
	Args: cobra.ArbitraryArgs,
	RunE: runAsk,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Show the chunks most similar to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	for _, c := range []*cobra.Command{askCmd, searchCmd} {
		c.Flags().IntVar(&queryK, "k", retrieval.DefaultK, "number of chunks to retrieve")
		c.Flags().StringVar(&queryDocument, "doc", "", "restrict retrieval to this document id")
		c.Flags().BoolVar(&jsonOutput, "json", false, "print the result as JSON")
		rootCmd.AddCommand(c)
	}
	askCmd.Flags().StringSliceVar(&askImages, "image", nil, "image URL to attach (repeatable)")
	searchCmd.Flags().Float64Var(&searchMin, "min-score", 0, "minimum score to exceed (default: configured cutoff)")
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.Chat()
	if err != nil {
		return err
	}

	resp, err := svc.Ask(cmd.Context(), chat.Request{
		Prompt:     strings.Join(args, " "),
		K:          queryK,
		DocumentID: queryDocument,
		ImageURLs:  askImages,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(resp)
	}

	fmt.Println(resp.Answer)
	if resp.Mode == retrieval.ModeDirect {
		fmt.Println()
		fmt.Println("(no matching documents, answered directly)")
		return nil
	}

	fmt.Println()
	fmt.Println("Sources:")
	for _, s := range resp.Sources {
		fmt.Printf("  %s %.3f %s\n", s.Tag, s.Score, s.Snippet)
	}
	if len(resp.Images) > 0 {
		fmt.Println()
		fmt.Println("Images:")
		for _, img := range resp.Images {
			fmt.Printf("  - %s\n", img.URL)
		}
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Embedder == nil {
		return fmt.Errorf("OPENAI_API_KEY not set")
	}

	vectors, err := a.Embedder.EmbedBatch(ctx, []string{strings.Join(args, " ")})
	if err != nil {
		return err
	}
	hits, err := a.Store.SearchSimilar(ctx, vectors[0], queryK, queryDocument)
	if err != nil {
		return err
	}

	minScore := searchMin
	if minScore <= 0 {
		minScore = a.Config.Retrieval.SimilarityCutoff
	}
	hits = retrieval.Threshold(hits, minScore)

	if jsonOutput {
		return printJSON(hits)
	}
	if len(hits) == 0 {
		fmt.Printf("No chunks scored above %.2f\n", minScore)
		return nil
	}
	for _, h := range hits {
		fmt.Printf("%.3f  %s #%d\n", h.Score, h.DocID, h.ChunkIndex)
		fmt.Printf("       %s\n", chat.Snippet(h.Content))
	}
	return nil
}
