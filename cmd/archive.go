package cmd

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/turtle-id/internal/constants"
)

var archiveCmd = &cobra.Command{
	Use:   "archive <image>...",
	Short: "Extract and cache features of images",
	Long: `Extract local features of the given images and store them in the descriptor
archive, keyed by image content. Images that are already archived are skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runArchive,
}

func init() {
	rootCmd.AddCommand(archiveCmd)

	archiveCmd.Flags().Int("concurrency", constants.DefaultConcurrency, "Number of parallel extractions")
}

func runArchive(cmd *cobra.Command, args []string) error {
	concurrency := max(mustGetInt(cmd, "concurrency"), 1)
	ctx := context.Background()

	engine, _, closeEngine, err := newEngine(ctx, nil)
	if err != nil {
		return err
	}
	defer closeEngine()

	bar := progressbar.NewOptions(len(args),
		progressbar.OptionSetDescription("Archiving features"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	var archived, cached, failed int64
	var mu sync.Mutex
	var failures []string
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, path := range args {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			defer bar.Add(1)

			stored, err := engine.ExtractAndArchive(ctx, path)
			switch {
			case err != nil:
				atomic.AddInt64(&failed, 1)
				mu.Lock()
				failures = append(failures, fmt.Sprintf("%s: %v", path, err))
				mu.Unlock()
			case stored.Cached:
				atomic.AddInt64(&cached, 1)
			default:
				atomic.AddInt64(&archived, 1)
			}
		}(path)
	}
	wg.Wait()
	bar.Finish()

	fmt.Printf("\n\nArchived: %d, already cached: %d, failed: %d\n", archived, cached, failed)
	for _, f := range failures {
		fmt.Printf("  %s\n", f)
	}
	return nil
}
