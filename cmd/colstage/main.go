// Package main provides the colstage CLI, a debugging front end for the
// checklist staging store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/CatalogueOfLife/backend-sub024/pkg/config"
	"github.com/CatalogueOfLife/backend-sub024/pkg/staging"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if cerr := staging.CloseAllTemporary(); cerr != nil {
		log.Printf("[colstage] WARNING: removing temporary stores: %v", cerr)
	}
	if err != nil {
		if errors.Is(err, staging.ErrIncomplete) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "colstage",
		Short: "colstage - checklist staging store",
		Long: `colstage loads a checklist dataset into a disposable staging store,
links its parent, synonym and basionym references and prints the resulting
classification tree.

Records are read from JSON lines files, one record per line.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("dir", "", "Staging store location (default: config staging.dir)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "colstage v%s (%s)\n", version, commit)
		},
	})

	loadCmd := &cobra.Command{
		Use:   "load [file.jsonl]",
		Short: "Import a JSON lines dataset into a fresh staging store",
		Long: `Import a JSON lines dataset into a fresh staging store.

Without --dir the store is temporary and removed on exit, which is useful
together with --tree to inspect a dataset.`,
		Args: cobra.ExactArgs(1),
		RunE: runLoad,
	}
	loadCmd.Flags().Bool("tree", false, "Print the classification tree after loading")
	addTreeFlags(loadCmd)
	rootCmd.AddCommand(loadCmd)

	treeCmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the classification tree of a staging store",
		Args:  cobra.NoArgs,
		RunE:  runTree,
	}
	addTreeFlags(treeCmd)
	rootCmd.AddCommand(treeCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show staging store statistics",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	})

	return rootCmd
}

// loadConfig reads the configuration and applies its process-wide settings.
// The returned function undoes the log redirection.
func loadConfig(cmd *cobra.Command) (*config.Config, func() error, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		cfg.Staging.Dir = dir
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	restore, err := cfg.Logging.OpenOutput()
	if err != nil {
		return nil, nil, err
	}
	cfg.Memory.ApplyRuntimeMemory()
	cfg.ApplyPool()
	log.Printf("[colstage] %s", cfg)
	return cfg, restore, nil
}

// openExisting opens the store in cfg.Staging.Dir, which must exist.
func openExisting(ctx context.Context, cfg *config.Config) (*staging.Store, error) {
	if cfg.Staging.Dir == "" {
		return nil, fmt.Errorf("no staging store location: use --dir or COLSTAGE_DIR")
	}
	if _, err := os.Stat(cfg.Staging.Dir); err != nil {
		return nil, fmt.Errorf("staging store %s: %w", cfg.Staging.Dir, err)
	}
	opts, err := cfg.StagingOptions()
	if err != nil {
		return nil, err
	}
	return staging.Open(ctx, cfg.Staging.Dir, false, opts)
}
