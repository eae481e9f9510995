package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/herald/internal/app"
	"github.com/foxzi/herald/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "herald",
	Short: "Herald - campaign automation engine",
	Long: `Herald runs trigger-driven messaging campaigns for many tenants.
Settings come from the config file and HERALD_* environment variables.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the campaign engine",
	Long:  `Start the HTTP API, trigger evaluator and delivery workers.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("herald version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (environment only when empty)")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API:       %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Database:  %s\n", cfg.Storage.DatabasePath)
	fmt.Printf("  Queue:     %s\n", cfg.Storage.QueuePath)
	fmt.Printf("  Workers:   %d\n", cfg.Queue.Workers)
	fmt.Printf("  Tracking:  %s\n", cfg.Tracking.BaseURL)
	fmt.Printf("  Limits:    %s\n", cfg.RateLimit.Backend)
	if cfg.Channels.Sandbox.Enabled {
		fmt.Printf("  Sandbox:   enabled\n")
	}
	if cfg.Reminders.Enabled {
		fmt.Printf("  Reminders: %v minutes via %s\n", cfg.Reminders.Intervals, cfg.Reminders.Channel)
	}
	if cfg.Auth.DevMode {
		fmt.Printf("\nWarning: dev mode trusts the X-Tenant-ID header\n")
	}

	return nil
}
