package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jetkvm/vrr"
	"github.com/spf13/cobra"
)

// set at build time
var version = "dev"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "vrrd",
	Short:         "Variable refresh rate panel controller",
	Long:          `vrrd runs one refresh rate controller per display panel and exposes a producer and telemetry API over HTTP.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := vrr.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		return vrr.Main(cmd.Context(), cfg)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := vrr.LoadConfig(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d display(s)\n", len(cfg.Displays))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print vrrd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/vrrd.yaml", "path to the configuration file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.AddCommand(checkCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
