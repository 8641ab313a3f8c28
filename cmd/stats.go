package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the loaded artifact generation",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)

	statsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runStats(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	ctx := context.Background()

	engine, _, closeEngine, err := newEngine(ctx, nil)
	if err != nil {
		return err
	}
	defer closeEngine()

	if err := engine.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	stats := engine.Stats()

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Printf("Backend:         %s (%s)\n", stats.Backend, stats.Signature)
	fmt.Printf("Archived images: %d\n", stats.ArchivedImages)
	if !stats.Ready {
		fmt.Println("Index:           not built")
		return nil
	}
	fmt.Printf("Generation:      %s\n", stats.Generation)
	fmt.Printf("Indexed images:  %d\n", stats.Entries)
	fmt.Printf("Sites:           %d\n", stats.Sites)
	fmt.Printf("Vocabulary:      K=%d, descriptor dim %d, encoded dim %d\n", stats.VocabularyK, stats.DescriptorDim, stats.EncodedDim)

	locations := make([]string, 0, len(stats.Locations))
	for loc := range stats.Locations {
		locations = append(locations, loc)
	}
	sort.Strings(locations)
	for _, loc := range locations {
		fmt.Printf("  %-30s %d\n", loc, stats.Locations[loc])
	}
	return nil
}
