package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/turtle-id/internal/config"
	"github.com/kozaktomas/turtle-id/internal/retrieval"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the index from the reference corpus",
	Long: `Extract and archive features for every corpus image that has none cached,
encode the corpus against the vocabulary and write a new artifact generation.

The stored vocabulary is reused when it matches the feature backend; pass
--retrain to fit a new one.`,
	RunE: runRebuild,
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a new vocabulary and rebuild the index",
	Long: `Fit a new visual vocabulary on the archived descriptors of the corpus with
mini-batch k-means, then re-encode every image and write a new generation.
Equivalent to 'rebuild --retrain'.`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(trainCmd)

	for _, c := range []*cobra.Command{rebuildCmd, trainCmd} {
		c.Flags().String("corpus", "", "Corpus directory or YAML manifest (default from CORPUS_SOURCE)")
		c.Flags().Int("workers", 0, "Concurrent extraction workers (default from WORKERS)")
	}
	rebuildCmd.Flags().Bool("retrain", false, "Train a new vocabulary instead of reusing the stored one")
	trainCmd.Flags().Int("k", 0, "Vocabulary size (default from VOCAB_K)")
}

func runRebuild(cmd *cobra.Command, args []string) error {
	return rebuildFromCorpus(cmd, mustGetBool(cmd, "retrain"), nil)
}

func runTrain(cmd *cobra.Command, args []string) error {
	k := mustGetInt(cmd, "k")
	return rebuildFromCorpus(cmd, true, func(cfg *config.Config) {
		if k > 0 {
			cfg.Vocabulary.K = k
		}
	})
}

// rebuildFromCorpus runs a full rebuild with the command's corpus and worker flags.
func rebuildFromCorpus(cmd *cobra.Command, retrain bool, mutate func(*config.Config)) error {
	source := mustGetString(cmd, "corpus")
	workers := mustGetInt(cmd, "workers")
	ctx := context.Background()

	engine, cfg, closeEngine, err := newEngine(ctx, func(cfg *config.Config) {
		if workers > 0 {
			cfg.Corpus.Workers = workers
		}
		if mutate != nil {
			mutate(cfg)
		}
	})
	if err != nil {
		return err
	}
	defer closeEngine()

	entries, err := loadCorpus(cfg, source)
	if err != nil {
		return err
	}
	fmt.Printf("Found %d corpus images\n", len(entries))

	report, err := engine.Rebuild(ctx, entries, retrieval.RebuildOptions{
		Retrain:    retrain,
		OnProgress: progressBars(),
	})
	if err != nil {
		return fmt.Errorf("rebuild failed: %w", err)
	}
	printReport(report)
	return nil
}
