package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/turtle-id/internal/retrieval"
)

var searchCmd = &cobra.Command{
	Use:   "search <image>",
	Short: "Identify the turtle in a photo",
	Long: `Search the index for the sites that best match a photo.
Candidates are retrieved by vector similarity, one per site, and reranked by
the number of geometrically consistent feature matches. Unconfident results
are retried with the photo mirrored (and, for some backends, rotated).`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().String("location", "", "Only consider reference images from this location")
	searchCmd.Flags().Int("limit", 0, "Number of results (default from RESULT_LIMIT)")
	searchCmd.Flags().Bool("json", false, "Output as JSON")
}

func runSearch(cmd *cobra.Command, args []string) error {
	location := mustGetString(cmd, "location")
	limit := mustGetInt(cmd, "limit")
	jsonOutput := mustGetBool(cmd, "json")
	ctx := context.Background()

	engine, _, closeEngine, err := newEngine(ctx, nil)
	if err != nil {
		return err
	}
	defer closeEngine()

	if err := requireLoaded(engine); err != nil {
		return err
	}

	results, err := engine.Search(ctx, args[0], location, limit)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	printResults(args[0], results)
	return nil
}

func printResults(query string, results []retrieval.RankedCandidate) {
	if len(results) == 0 {
		fmt.Printf("No candidates found for %s\n", query)
		return
	}
	fmt.Printf("Candidates for %s:\n\n", query)
	fmt.Printf("%-4s %-24s %-24s %8s %10s  %s\n", "#", "SITE", "LOCATION", "INLIERS", "DISTANCE", "ORIENTATION")
	fmt.Println(strings.Repeat("-", 90))
	for i, r := range results {
		score := fmt.Sprintf("%d", r.SpatialScore)
		if !r.Verified {
			score = "-"
		}
		fmt.Printf("%-4d %-24s %-24s %8s %10.4f  %s\n", i+1, r.SiteID, r.Location, score, r.VectorDistance, r.Orientation)
	}
}
