package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/turtle-id/internal/config"
	"github.com/kozaktomas/turtle-id/internal/corpus"
	"github.com/kozaktomas/turtle-id/internal/retrieval"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Group unlabeled corpus images into candidate sites",
	Long: `Rebuild the index with density clustering enabled. Corpus images without a
site label are clustered by their encoded vectors with DBSCAN; each cluster
becomes a site and images in no cluster stay unassigned.

Use --manifest to write the resulting labels to a YAML manifest that can be
reviewed and used as the corpus of later rebuilds.`,
	RunE: runBootstrap,
}

func init() {
	rootCmd.AddCommand(bootstrapCmd)

	bootstrapCmd.Flags().String("corpus", "", "Corpus directory or YAML manifest (default from CORPUS_SOURCE)")
	bootstrapCmd.Flags().Float64("eps", 0, "Neighborhood radius (default from BOOTSTRAP_EPS, 0 derives it from the data)")
	bootstrapCmd.Flags().Int("min-samples", 0, "Images needed to form a site (default from BOOTSTRAP_MIN_SAMPLES)")
	bootstrapCmd.Flags().Bool("relabel", false, "Cluster every image, ignoring existing site labels")
	bootstrapCmd.Flags().String("manifest", "", "Write the labeled corpus to this YAML manifest")
}

func runBootstrap(cmd *cobra.Command, args []string) error {
	source := mustGetString(cmd, "corpus")
	eps := mustGetFloat64(cmd, "eps")
	minSamples := mustGetInt(cmd, "min-samples")
	relabel := mustGetBool(cmd, "relabel")
	manifest := mustGetString(cmd, "manifest")
	ctx := context.Background()

	engine, cfg, closeEngine, err := newEngine(ctx, func(cfg *config.Config) {
		cfg.Bootstrap.Enabled = true
		if eps > 0 {
			cfg.Bootstrap.Eps = eps
		}
		if minSamples > 0 {
			cfg.Bootstrap.MinSamples = minSamples
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
	unlabeled := 0
	for i := range entries {
		if relabel {
			entries[i].SiteID = ""
		}
		if entries[i].SiteID == "" {
			unlabeled++
		}
	}
	fmt.Printf("Found %d corpus images, %d without a site label\n", len(entries), unlabeled)

	report, err := engine.Rebuild(ctx, entries, retrieval.RebuildOptions{OnProgress: progressBars()})
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	printReport(report)

	if manifest != "" {
		if err := corpus.WriteManifest(manifest, engine.Entries()); err != nil {
			return err
		}
		fmt.Printf("Labeled corpus written to %s\n", manifest)
	}
	return nil
}
