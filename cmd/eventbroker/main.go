package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "eventbroker",
	Short: "Monitoring event broker",
	Long: `eventbroker moves monitoring events (host and service status, metrics,
configuration changes, business activity states) between inputs and outputs
without losing them across restarts or transport failures.`,
	Version:      Version,
	SilenceUsage: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"eventbroker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringP("config", "c", "/etc/eventbroker/broker.yaml", "Path to the broker configuration file")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log JSON instead of console output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

// newLogger builds the root logger. level falls back to info when it does
// not parse.
func newLogger(out io.Writer, level string, json bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if !json {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
