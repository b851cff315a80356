package main

import (
	"fmt"
	"os"

	"github.com/OFFIS-RIT/lantern/backend/internal/config"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger"
	"github.com/OFFIS-RIT/lantern/backend/pkg/logger/console"

	"github.com/spf13/cobra"
)

var (
	cfg        *config.Config
	policyPath string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "lanternctl",
	Short: "Run and inspect the lantern correlation pipeline",
	Long: `lanternctl runs scenarios through the pipeline, checks the entity index
and manages the database schema.

Backends are taken from the same environment variables as the server
(DATABASE_URL, NEO4J_URI, LOCK_BACKEND, ARCHIVE_BACKEND, ...). Without any
of them everything runs in memory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{}))

		if policyPath != "" {
			if err := os.Setenv("POLICY_FILE", policyPath); err != nil {
				return err
			}
		}
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded

		logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
			Debug: cfg.Debug,
			JSON:  cfg.LogJSON,
		}))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", "", "Policy YAML file (overrides POLICY_FILE)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
