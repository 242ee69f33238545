package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"defi-aggregator/internal/app"
	"defi-aggregator/internal/config"
	"defi-aggregator/internal/logging"
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "defiagg",
	Short:         "Aggregate lending markets, positions and yields across DeFi protocols",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if cmd != serveCmd {
			cfg.Logging.Stderr = true
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		appHandle.Out = cmd.OutOrStdout()
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(marketsCmd)
	rootCmd.AddCommand(positionsCmd)
	rootCmd.AddCommand(yieldCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(alertCmd)
	rootCmd.AddCommand(versionCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}
