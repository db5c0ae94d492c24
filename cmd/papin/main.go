// Package main provides the papin command line: ask and chat against the
// engine, inspect its status and diagnostics, and run the reference endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/PolycarpusTack/papin/internal/config"
	"github.com/PolycarpusTack/papin/internal/logging"
)

var (
	// Version information (set at build time)
	version = "dev"

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7C3AED"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#10B981"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280"))

	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Width(14)
)

// Global flags
var (
	configPath string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "papin",
		Short: "papin - model requests that survive a flaky network",
		Long: titleStyle.Render("papin") + `

Sends model requests over a persistent session to a remote endpoint and
falls back to a local model when the network goes away:
• Streams answers chunk by chunk
• Fails over mid-request when the remote link drops
• Keeps per-request diagnostics

` + dimStyle.Render("Use 'papin [command] --help' for more information."),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to the console at debug level")

	rootCmd.AddCommand(
		newAskCmd(),
		newChatCmd(),
		newStatusCmd(),
		newServeCmd(),
		newStatsCmd(),
		newConfigCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// setup loads the config and builds the logger. Interactive commands keep
// the console clear unless --verbose is set; the log file always receives
// output.
func setup(console bool) (*config.Config, *logging.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	lc := cfg.LoggingSettings()
	lc.Console = console || verbose
	lc.Component = "papin"
	if verbose {
		lc.Level = "debug"
		lc.ShowCaller = true
	}

	logger, err := logging.New(lc)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", titleStyle.Render("papin"), version)
		},
	}
}
