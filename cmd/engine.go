package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/kozaktomas/turtle-id/internal/artifact"
	"github.com/kozaktomas/turtle-id/internal/config"
	"github.com/kozaktomas/turtle-id/internal/corpus"
	"github.com/kozaktomas/turtle-id/internal/database"
	"github.com/kozaktomas/turtle-id/internal/features"
	"github.com/kozaktomas/turtle-id/internal/fingerprint"
	"github.com/kozaktomas/turtle-id/internal/retrieval"
	"github.com/kozaktomas/turtle-id/internal/spatial"
	"github.com/kozaktomas/turtle-id/internal/vocabulary"
)

// extractorParams converts the extractor section of the config.
func extractorParams(c config.ExtractorConfig) features.Params {
	return features.Params{
		MaxImageDim:       c.MaxImageDim,
		ClaheClipLimit:    c.ClaheClipLimit,
		ClaheTiles:        c.ClaheTiles,
		OctaveLayers:      c.OctaveLayers,
		ContrastThreshold: c.ContrastThreshold,
		EdgeThreshold:     c.EdgeThreshold,
		Sigma:             c.Sigma,
		MaxFeatures:       c.MaxFeatures,
	}
}

// newBackend builds the feature backend named in the config.
func newBackend(ctx context.Context, cfg *config.Config) (retrieval.FeatureBackend, error) {
	switch cfg.Backend.Name {
	case "remote":
		timeout := time.Duration(cfg.Backend.TimeoutSeconds) * time.Second
		client := fingerprint.NewKeypointClient(cfg.Backend.FeatureURL, cfg.Backend.FeatureModel, timeout)
		if err := client.Health(ctx); err != nil {
			fmt.Printf("Warning: feature service at %s is not healthy: %v\n", cfg.Backend.FeatureURL, err)
		}
		return retrieval.NewRemoteBackend(client, cfg.Extractor.MaxImageDim), nil
	default:
		return retrieval.NewSIFTBackend(extractorParams(cfg.Extractor))
	}
}

// newEngine loads the configuration and builds an engine with no artifacts
// loaded. The returned close function releases the descriptor archive.
func newEngine(ctx context.Context, mutate func(*config.Config)) (*retrieval.Engine, *config.Config, func(), error) {
	cfg := config.Load()
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating %s backend: %w", cfg.Backend.Name, err)
	}

	archive, err := database.OpenArchive(cfg.Storage.ArchivePath, backend.Signature(), slog.Default())
	if err != nil {
		return nil, nil, nil, err
	}

	engine, err := retrieval.NewEngine(retrieval.Options{
		Backend: backend,
		Archive: archive,
		Store:   artifact.NewStore(cfg.Storage.ArtifactDir),
		Vocabulary: vocabulary.Config{
			K:           cfg.Vocabulary.K,
			BatchImages: cfg.Vocabulary.BatchImages,
			MaxPerImage: cfg.Vocabulary.MaxPerImage,
			Seed:        uint64(cfg.Vocabulary.Seed), //nolint:gosec // validated non-negative
		},
		Index: database.Params{
			M:                cfg.Index.M,
			EfSearch:         cfg.Index.EfSearch,
			DuplicateEpsilon: cfg.Index.DuplicateEpsilon,
		},
		Verify: spatial.Config{
			Ratio:      cfg.Verify.Ratio,
			MinMatches: cfg.Verify.MinMatches,
			Ransac: spatial.RansacParams{
				Threshold:     cfg.Verify.RansacThreshold,
				MaxIterations: cfg.Verify.RansacIterations,
				Confidence:    cfg.Verify.RansacConfidence,
				Seed:          spatial.DefaultRansacParams().Seed,
			},
		},
		Orchestrator: retrieval.OrchestratorConfig{
			CandidatePool:       cfg.Retrieval.Candidates,
			ConfidenceThreshold: cfg.Retrieval.ConfidenceThreshold,
			ResultLimit:         cfg.Retrieval.ResultLimit,
		},
		Bootstrap: retrieval.BootstrapConfig{
			Enabled:    cfg.Bootstrap.Enabled,
			Eps:        cfg.Bootstrap.Eps,
			MinSamples: cfg.Bootstrap.MinSamples,
		},
		Oversample:      cfg.Retrieval.Oversample,
		Concurrency:     cfg.Corpus.Workers,
		KeepGenerations: cfg.Storage.KeepGenerations,
		Logger:          slog.Default(),
	})
	if err != nil {
		archive.Close()
		return nil, nil, nil, err
	}

	return engine, cfg, func() { archive.Close() }, nil
}

// loadCorpus reads the corpus from source, falling back to CORPUS_SOURCE.
func loadCorpus(cfg *config.Config, source string) ([]corpus.Entry, error) {
	if source == "" {
		source = cfg.Corpus.Source
	}
	if source == "" {
		return nil, errors.New("no corpus source: pass --corpus or set CORPUS_SOURCE")
	}
	entries, err := corpus.Load(source, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no images found in %s", source)
	}
	return entries, nil
}

// progressBars renders one bar per rebuild phase.
func progressBars() func(retrieval.ProgressInfo) {
	var bar *progressbar.ProgressBar
	var phase string
	return func(info retrieval.ProgressInfo) {
		if bar == nil || info.Phase != phase {
			if bar != nil {
				bar.Finish()
				fmt.Println()
			}
			phase = info.Phase
			bar = progressbar.NewOptions(info.Total,
				progressbar.OptionSetDescription(phaseDescription(info.Phase)),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("images"),
				progressbar.OptionShowElapsedTimeOnFinish(),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionFullWidth(),
			)
		}
		bar.Set(info.Current)
		if info.Current == info.Total {
			bar.Finish()
			fmt.Println()
			bar = nil
		}
	}
}

func phaseDescription(phase string) string {
	switch phase {
	case retrieval.PhaseExtracting:
		return "Extracting features"
	case retrieval.PhaseEncoding:
		return "Encoding images"
	default:
		return phase
	}
}

// printReport prints the outcome of a rebuild.
func printReport(report *retrieval.RebuildReport) {
	fmt.Printf("\nGeneration %s\n", report.Generation)
	fmt.Printf("  Corpus entries: %d\n", report.Entries)
	fmt.Printf("  Indexed:        %d\n", report.Indexed)
	fmt.Printf("  Skipped:        %d\n", report.Skipped)
	if report.Carried > 0 {
		fmt.Printf("  Confirmed kept: %d\n", report.Carried)
	}
	if report.Retrained {
		fmt.Println("  Vocabulary:     retrained")
	} else {
		fmt.Println("  Vocabulary:     reused")
	}
	if report.Bootstrap != nil {
		fmt.Printf("  Bootstrap:      %d sites, %d unassigned, largest site %d images\n",
			report.Bootstrap.Clusters, report.Bootstrap.Noise, report.Bootstrap.Largest)
	}
}

// requireLoaded loads the current artifacts or explains how to build them.
func requireLoaded(engine *retrieval.Engine) error {
	if err := engine.Load(); err != nil {
		return fmt.Errorf("%w (run 'turtle-id rebuild' first)", err)
	}
	return nil
}
