// Package cli implements the taxmate command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chadiek/taxmate/internal/config"
	"github.com/chadiek/taxmate/internal/logging"
)

// Version is the current taxmate version.
var Version = "0.1.0"

var (
	logLevel  string
	logPretty bool
)

var rootCmd = &cobra.Command{
	Use:   "taxmate",
	Short: "Max, the AI tax agent panel",
	Long: `TaxMate hosts the "Max" assistant panel: a chat transcript backed by a
remote chat endpoint, with optional voice capture and spoken replies.

Run "taxmate serve" to host the panel, or "taxmate chat" for a text-only session.`,
	Version:       Version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&logPretty, "pretty", false, "Human-readable console logs")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)
}

// setup loads configuration and builds the process logger, applying flag overrides.
func setup() (config.Config, zerolog.Logger) {
	cfg := config.Load()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logPretty {
		cfg.LogPretty = true
	}
	return cfg, logging.New(os.Stderr, cfg.LogLevel, cfg.LogPretty)
}
