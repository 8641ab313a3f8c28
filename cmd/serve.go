package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/turtle-id/internal/config"
	"github.com/kozaktomas/turtle-id/internal/corpus"
	"github.com/kozaktomas/turtle-id/internal/retrieval"
	"github.com/kozaktomas/turtle-id/internal/web"
	"github.com/kozaktomas/turtle-id/internal/web/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the identification API server",
	Long: `Start the Turtle ID web server.
The server loads the current artifact generation (rebuilding it from the
corpus when it is missing or corrupt) and exposes search, insert, archive
and rebuild endpoints under /api/v1.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (default from WEB_PORT or config)")
	serveCmd.Flags().String("host", "", "Host to bind to (default from WEB_HOST or config)")
	serveCmd.Flags().String("corpus", "", "Corpus directory or YAML manifest used for rebuilds")
}

// prepareEngine loads the current generation, rebuilding it when a corpus is available.
func prepareEngine(ctx context.Context, engine *retrieval.Engine, cfg *config.Config, source string) handlers.CorpusLoader {
	var loader handlers.CorpusLoader
	if source != "" || cfg.Corpus.Source != "" {
		loader = func() ([]corpus.Entry, error) { return loadCorpus(cfg, source) }
	}

	err := engine.Load()
	if err == nil {
		stats := engine.Stats()
		fmt.Printf("Loaded generation %s with %d images of %d sites\n", stats.Generation, stats.Entries, stats.Sites)
		return loader
	}
	if loader == nil {
		fmt.Printf("Warning: no usable artifacts (%v) and no corpus configured\n", err)
		fmt.Printf("Searches will fail until a rebuild is started\n")
		return nil
	}
	fmt.Printf("Artifacts unusable (%v), rebuilding from corpus...\n", err)

	entries, err := loader()
	if err != nil {
		fmt.Printf("Warning: failed to load corpus: %v\n", err)
		return loader
	}
	report, err := engine.Rebuild(ctx, entries, retrieval.RebuildOptions{OnProgress: progressBars()})
	if err != nil {
		fmt.Printf("Warning: rebuild failed: %v\n", err)
		return loader
	}
	printReport(report)
	return loader
}

func runServe(cmd *cobra.Command, args []string) error {
	port := mustGetInt(cmd, "port")
	host := mustGetString(cmd, "host")
	source := mustGetString(cmd, "corpus")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, cfg, closeEngine, err := newEngine(ctx, nil)
	if err != nil {
		return err
	}
	defer closeEngine()

	if port != 0 {
		cfg.Web.Port = port
	}
	if host != "" {
		cfg.Web.Host = host
	}

	loader := prepareEngine(ctx, engine, cfg, source)
	server := web.NewServer(engine, loader, cfg.Web)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Turtle ID on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
