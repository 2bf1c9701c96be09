package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/warp/credit-engine/factory"
)

func init() {
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(migrateCmd)
	seedCmd.Flags().Bool("print", false, "Print the catalog as JSON instead of writing it")
}

var seedCmd = &cobra.Command{
	Use:   "seed [catalog.json]",
	Short: "Load the plan catalog",
	Long: `Upsert the plan catalog into the store. Without a file the built-in
catalog (free, plus, premium) is used. The catalog must contain exactly one
FREE plan; signups fail until it is seeded.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	catalog := factory.DefaultCatalog()
	if len(args) == 1 {
		loaded, err := factory.LoadCatalog(args[0])
		if err != nil {
			return err
		}
		catalog = loaded
	}

	if printOnly, _ := cmd.Flags().GetBool("print"); printOnly {
		data, err := json.MarshalIndent(catalog.ToJSON(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}

	_, log, store, err := setup()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := catalog.Seed(context.Background(), store); err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}
	log.WithField("plans", len(catalog.Plans)).Info("catalog seeded")
	return nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, store, err := setup()
		if err != nil {
			return err
		}
		defer store.Close()
		log.WithField("driver", cfg.Store.Driver).Info("schema up to date")
		return nil
	},
}
