package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"refinery/internal/runstore"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show a run's progress, or list all runs",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := runstore.NewFileStore(cfg.RunsDir)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if len(args) == 0 {
			ids, err := store.List()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		}

		runID := args[0]
		// final.json is authoritative; fall back to the checkpoint for
		// runs still in flight.
		if fin, err := store.LoadFinal(runID); err == nil {
			if fin.Err != "" {
				fmt.Fprintf(out, "%s: failed: %s\n", runID, fin.Err)
				return nil
			}
			fmt.Fprintf(out, "%s: completed", runID)
			if fin.Score != nil {
				fmt.Fprintf(out, " score=%.4f", *fin.Score)
			}
			fmt.Fprintf(out, " fingerprint=%s\n", fin.Fingerprint)
			return nil
		} else if !errors.Is(err, runstore.ErrNotFound) {
			return err
		}

		cp, err := store.LoadCheckpoint(runID)
		if err != nil {
			if errors.Is(err, runstore.ErrNotFound) {
				fmt.Fprintf(out, "%s: no checkpoint yet\n", runID)
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "%s: phase %d complete (saved %s)\n", runID, cp.Phase, cp.SavedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&runRunsDir, "runs-dir", "", "override the run store directory")
}
