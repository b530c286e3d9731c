// Package commands provides the CLI commands for tiller.
package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tillerhq/tiller/internal/config"
	"github.com/tillerhq/tiller/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "tiller",
	Short: "Tiller - session host for autonomous agents",
	Long: `Tiller hosts autonomous agent sessions. Each session keeps a durable
event log and a metadata snapshot on disk, so it can be resumed after a
crash and observed while it runs.

Run 'tiller serve' to start the HTTP observation server, 'tiller sessions'
to list the sessions on disk, or 'tiller replay' to print a session's
conversation.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is fine; explicit environment still applies.
		godotenv.Load()
		setupLogging()
	},
	Run: func(cmd *cobra.Command, args []string) {
		// If no subcommand, show help
		cmd.Help()
	},
}

func init() {
	// Global flags available to all commands
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print diagnostic logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")

	// Version template
	rootCmd.SetVersionTemplate(fmt.Sprintf("tiller %s (%s)\n", Version, BuildTime))

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(replayCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// setupLogging configures diagnostics from the global flags. One-shot
// commands print their result to stdout and stay quiet on stderr unless
// --print-logs asks for the diagnostics too.
func setupLogging() {
	var out io.Writer = io.Discard
	if printLogs {
		out = os.Stderr
	}
	logging.Init(logging.FromStrings(logLevel, "console", out))
}

// serveLogging reconfigures diagnostics for the long-running server: always
// on stderr, with level and format from the resolved config unless the
// --log-level flag overrode it.
func serveLogging(cmd *cobra.Command, cfg *config.Config) {
	level := cfg.Log.Level
	if cmd.Flags().Changed("log-level") {
		level = logLevel
	}
	logging.Init(logging.FromStrings(level, cfg.Log.Format, os.Stderr))
}

// resolveSessionsDir returns the explicit directory when given, otherwise
// the one from the resolved configuration.
func resolveSessionsDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	workDir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	cfg, err := config.Load(workDir)
	if err != nil {
		return "", err
	}
	return cfg.SessionsDir, nil
}
