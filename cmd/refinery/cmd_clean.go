package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"refinery/internal/runstore"
)

var cleanCmd = &cobra.Command{
	Use:   "clean <pattern>",
	Short: "Delete runs whose IDs match a glob pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := runstore.NewFileStore(cfg.RunsDir)
		if err != nil {
			return err
		}
		removed, err := store.Clean(args[0])
		for _, id := range removed {
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d run(s) removed\n", len(removed))
		return nil
	},
}

func init() {
	cleanCmd.Flags().StringVar(&runRunsDir, "runs-dir", "", "override the run store directory")
}
