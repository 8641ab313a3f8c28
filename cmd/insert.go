package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/turtle-id/internal/database"
)

var insertCmd = &cobra.Command{
	Use:   "insert <image>",
	Short: "Add a confirmed image of a known site to the index",
	Long: `Encode an image and add it to the current index generation under the
given site. Images whose vector is already indexed are rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: runInsert,
}

func init() {
	rootCmd.AddCommand(insertCmd)

	insertCmd.Flags().String("site", "", "Site (identity) the image belongs to")
	insertCmd.Flags().String("location", "", "Location the image was taken at")
	insertCmd.MarkFlagRequired("site")
}

func runInsert(cmd *cobra.Command, args []string) error {
	site := mustGetString(cmd, "site")
	location := mustGetString(cmd, "location")
	ctx := context.Background()

	engine, _, closeEngine, err := newEngine(ctx, nil)
	if err != nil {
		return err
	}
	defer closeEngine()

	if err := requireLoaded(engine); err != nil {
		return err
	}

	if err := engine.InsertIdentityVector(ctx, args[0], site, location); err != nil {
		if errors.Is(err, database.ErrDuplicateVector) {
			fmt.Printf("%s is already indexed, nothing to do\n", args[0])
			return nil
		}
		return fmt.Errorf("insert failed: %w", err)
	}

	stats := engine.Stats()
	fmt.Printf("Inserted %s as %s (index now has %d images of %d sites)\n", args[0], site, stats.Entries, stats.Sites)
	return nil
}
