package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/conductor-sh/conductor/pkg/config"
	"github.com/conductor-sh/conductor/pkg/log"
	"github.com/conductor-sh/conductor/pkg/manager"
	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes
const (
	exitOK       = 0
	exitConfig   = 1
	exitRecovery = 2
	exitStore    = 3
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a startup failure to its exit code
func exitCode(err error) int {
	switch {
	case errors.Is(err, types.ErrStoreUnavailable):
		return exitStore
	case errors.Is(err, manager.ErrRecoveryFailed):
		return exitRecovery
	}
	return exitConfig
}

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor - task scheduling and routing for multi-agent LLM fleets",
	Long: `Conductor schedules dependent tasks across a pool of agent workers and
routes their model calls to external providers, with priority queueing,
circuit breaking, durable event logging, and crash recovery.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Conductor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	runCmd.Flags().String("config", "", "Path to the yaml configuration file")
	runCmd.Flags().String("data-dir", "", "Override the data directory")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduling engine",
	Long: `Run starts the full engine: the durable store is opened, state is
recovered from the latest snapshot plus the event log, and the
scheduler, recovery, and metrics loops run until SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.DataDir = dataDir
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})

		mgr, err := manager.New(cfg)
		if err != nil {
			return err
		}
		if err := mgr.Start(); err != nil {
			mgr.Stop()
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		fmt.Printf("Received %s, shutting down...\n", sig)

		mgr.Stop()
		return nil
	},
}
