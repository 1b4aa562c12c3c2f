package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"refinery/internal/config"
	"refinery/internal/orchestrator"
	"refinery/internal/progress"
	"refinery/internal/runstore"
	"refinery/internal/worker"
)

var (
	runConfigPath string
	runRunsDir    string
	runBackendURL string
)

// buildWorkers picks the worker backend: a remote HTTP backend when a
// URL is given, the deterministic simulated provider otherwise.
func buildWorkers(runID, backendURL string) (worker.Roster, worker.Sandbox) {
	if backendURL != "" {
		p := &worker.RemoteProvider{
			BaseURL: backendURL,
			Token:   os.Getenv("REFINERY_BACKEND_TOKEN"),
		}
		return p.Roster(), p.Sandbox()
	}
	p := worker.NewSimulatedProvider(runID)
	return p.Roster(), p.Sandbox()
}

var runCmd = &cobra.Command{
	Use:   "run <problem-file>",
	Short: "Run the pipeline on a problem description",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		problem, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read problem: %w", err)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := runstore.NewFileStore(cfg.RunsDir)
		if err != nil {
			return err
		}

		runID := orchestrator.NewRunID()
		sink := progress.NewNDJSONSink(filepath.Join(store.RunDir(runID), "progress.ndjson"))
		workers, sandbox := buildWorkers(runID, runBackendURL)

		orch := &orchestrator.Orchestrator{
			Workers:  workers,
			Sandbox:  sandbox,
			Config:   cfg,
			Store:    store,
			Progress: sink,
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s\n", runID)
		res, err := orch.Run(cmd.Context(), runID, string(problem))
		if err != nil {
			return err
		}
		return printResult(cmd, res)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "config file (.yaml or .json)")
	runCmd.Flags().StringVar(&runRunsDir, "runs-dir", "", "override the run store directory")
	runCmd.Flags().StringVar(&runBackendURL, "backend", "", "worker backend URL (simulated when empty)")
}

func loadConfig() (*config.Run, error) {
	return loadConfigFrom(runConfigPath, runRunsDir)
}

func loadConfigFrom(path, runsDir string) (*config.Run, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if runsDir != "" {
		cfg.RunsDir = runsDir
	}
	return cfg, nil
}

func printResult(cmd *cobra.Command, res *orchestrator.Result) error {
	out := cmd.OutOrStdout()
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	if res.Err != "" {
		return fmt.Errorf("run %s failed: %s", res.RunID, res.Err)
	}
	if res.FinalScore != nil {
		fmt.Fprintf(out, "final score: %.4f\n", *res.FinalScore)
	}
	fmt.Fprintln(out, res.FinalArtifact)
	return nil
}
