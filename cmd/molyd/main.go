// Command molyd runs the moly DPI controller as a daemon.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DeepnessLab/moly"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	// Embedded overrides transport.embedded.
	Embedded bool
	// LogLevel overrides logging.level.
	LogLevel string
}

var rootCmd = &cobra.Command{
	Use:   "molyd",
	Short: "DPI service-chaining controller",
	Run: func(rawCmd *cobra.Command, _ []string) {
		cfg, err := loadConfig(rawCmd, cmd)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}

		if err := run(cfg); err != nil {
			var interrupted Interrupted
			if errors.As(err, &interrupted) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print it with defaults applied",
	RunE: func(rawCmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(rawCmd, cmd)
		if err != nil {
			return err
		}

		return printConfig(rawCmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&cmd.Embedded, "embedded", false, "Run an in-process NATS server")
	rootCmd.PersistentFlags().StringVar(&cmd.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file, if any, and applies flag overrides.
func loadConfig(rawCmd *cobra.Command, cmd Cmd) (moly.Config, error) {
	cfg := moly.DefaultConfig()
	if cmd.ConfigPath != "" {
		var err error
		if cfg, err = moly.LoadConfig(cmd.ConfigPath); err != nil {
			return moly.Config{}, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if rawCmd.Flags().Changed("embedded") {
		cfg.Transport.Embedded = cmd.Embedded
	}
	if cmd.LogLevel != "" {
		cfg.Logging.Level = cmd.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return moly.Config{}, err
	}

	return cfg, nil
}
