// Emstat talks to MethodSCRIPT potentiostats such as the PalmSens EmStat
// Pico over a serial link.
//
// The serve command keeps a device session open behind an HTTP API and
// records every script run to SQLite. The run command executes a single
// script from the terminal; decode parses captured device output offline.
//
// Usage:
//
//	emstat [command] [flags]
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/emstat/internal/config"
	"github.com/banshee-data/emstat/internal/monitoring"
	"github.com/banshee-data/emstat/internal/version"
)

var (
	configPath string
	portFlag   string
	dbFlag     string
	logLevel   string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "emstat",
	Short: "MethodSCRIPT potentiostat link",
	Long: `Drives MethodSCRIPT potentiostats over a serial port.

Connects, verifies the device, streams scripts and decodes the data
packages the device sends back into potential and current readings.`,
	Version:           version.Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().StringVarP(&portFlag, "port", "p", "", "Serial port, overrides the config")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "SQLite database path, overrides the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
}

// setup loads the configuration, applies flag overrides and installs the
// logger.
func setup(cmd *cobra.Command, args []string) error {
	c, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	applyOverrides(c, portFlag, dbFlag, logLevel)
	cfg = c

	logger, err := monitoring.NewLogger(cfg.GetLogLevel())
	if err != nil {
		return err
	}
	monitoring.Install(logger)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Empty(), nil
	}
	c, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return c, nil
}

func applyOverrides(c *config.Config, port, dbPath, level string) {
	if port != "" {
		c.Port = &port
	}
	if dbPath != "" {
		c.DBPath = &dbPath
	}
	if level != "" {
		c.LogLevel = &level
	}
}

var errNoPort = errors.New("no serial port configured (use --port, --simulate or the port config key)")

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Get())
	},
}
