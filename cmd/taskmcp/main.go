// Package main provides the taskmcp server binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskmcp/taskmcp/internal/config"
)

var (
	// Version is set at build time.
	Version = "dev"

	configFile string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "taskmcp",
		Short:         "Task, plan and subtask tools behind an adaptive TTL cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.Version = Version

	rootCmd.AddCommand(newServeCmd(), newConfigCmd())
}

// loadConfig resolves the effective configuration for a command: defaults,
// file, environment, then flags.
func loadConfig() (*config.Configuration, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Global.LogLevel = logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
