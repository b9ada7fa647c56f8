// Package main is the entry point for the herdctl binary: the fleet
// supervisor and the operator CLI that inspects and drives it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
	"github.com/herdctl/herdctl/internal/fleet"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	flagConfig   string
	flagStateDir string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "herdctl",
	Short: "herdctl supervises a fleet of autonomous coding agents",
	Long: `herdctl runs coding agents on schedules, records every job as
durable state files, and gives operators a CLI to trigger, inspect,
follow and cancel agent work.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("herdctl %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "directory containing herdctl.yaml")
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "override the state root directory")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(cancelCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadEnvironment resolves fleet config, agent definitions and the logger,
// applying global flag overrides.
func loadEnvironment() (*config.Config, []*config.Agent, *logger.Logger, error) {
	cfg, err := config.LoadWithPath(flagConfig)
	if err != nil {
		return nil, nil, nil, err
	}
	if flagStateDir != "" {
		cfg.State.Root = flagStateDir
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger.SetDefault(log)

	agents, err := config.LoadAgents(cfg.Agents.Dir)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, agents, log, nil
}

// supervisorManager wires the full fleet: runtimes, event bus, scheduler.
func supervisorManager() (*fleet.Manager, error) {
	cfg, agents, log, err := loadEnvironment()
	if err != nil {
		return nil, err
	}
	return fleet.New(cfg, agents, log)
}

// queryManager wires a read-only manager for status, job and log queries.
func queryManager() (*fleet.Manager, error) {
	cfg, agents, log, err := loadEnvironment()
	if err != nil {
		return nil, err
	}
	return fleet.Open(cfg, agents, log)
}
