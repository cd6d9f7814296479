/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/medeval/apiserver/config"
	"github.com/medeval/apiserver/internal/logging"
	"github.com/spf13/cobra"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "medeval",
	Short: "Evaluation platform backend",
	Long: `Backend for the residents evaluation platform. Serves the login flow,
tracks session inactivity and manages user accounts.

	medeval server
	medeval migrate up
	medeval user create --identifier 1017000001 --name "Jane Doe" --role COORDINATOR
`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().Int("port", 0, "HTTP listen port")
	rootCmd.PersistentFlags().String("log-format", "", "log format: json or text")
}

// loadConfig resolves configuration for cmd and installs the default logger.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetDefault(cfg.Version, cfg.LogFormat)
	return cfg, logger, nil
}
