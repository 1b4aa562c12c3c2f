package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"refinery/internal/orchestrator"
	"refinery/internal/progress"
	"refinery/internal/runstore"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a checkpointed run, skipping completed phases",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID := args[0]
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := runstore.NewFileStore(cfg.RunsDir)
		if err != nil {
			return err
		}
		sink := progress.NewNDJSONSink(filepath.Join(store.RunDir(runID), "progress.ndjson"))
		workers, sandbox := buildWorkers(runID, runBackendURL)

		orch := &orchestrator.Orchestrator{
			Workers:  workers,
			Sandbox:  sandbox,
			Config:   cfg,
			Store:    store,
			Progress: sink,
		}
		res, err := orch.Resume(cmd.Context(), runID)
		if err != nil {
			return err
		}
		return printResult(cmd, res)
	},
}

func init() {
	resumeCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "config file (.yaml or .json)")
	resumeCmd.Flags().StringVar(&runRunsDir, "runs-dir", "", "override the run store directory")
	resumeCmd.Flags().StringVar(&runBackendURL, "backend", "", "worker backend URL (simulated when empty)")
}
