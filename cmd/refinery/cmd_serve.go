package main

import (
	"github.com/spf13/cobra"

	"refinery/internal/runstore"
	"refinery/internal/server"
	"refinery/internal/worker"
)

var (
	serveAddr       string
	serveConfigPath string
	serveRunsDir    string
	serveBackendURL string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the pipeline over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigFrom(serveConfigPath, serveRunsDir)
		if err != nil {
			return err
		}
		store, err := runstore.NewFileStore(cfg.RunsDir)
		if err != nil {
			return err
		}

		srv := server.New(server.Config{
			Addr:  serveAddr,
			Run:   cfg,
			Store: store,
			NewWorkers: func(runID string) (worker.Roster, worker.Sandbox) {
				return buildWorkers(runID, serveBackendURL)
			},
		})
		return srv.ListenAndServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8080", "listen address")
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "config file (json or yaml)")
	serveCmd.Flags().StringVar(&serveRunsDir, "runs-dir", "", "directory for run state")
	serveCmd.Flags().StringVar(&serveBackendURL, "backend", "", "worker backend URL (simulated when empty)")
}
