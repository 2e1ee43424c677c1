// Command photomirror mirrors photos from a source (a local folder or
// a remote photo API) into a collection on a target photo platform,
// deduplicating by content hash and tracking state in a local SQLite
// mapping database.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/photomirror/photomirror/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "photomirror",
	Short: "Mirror a photo source into a target photo platform",
	Long: `photomirror keeps a photo collection on a target platform in sync
with a source: new source photos are uploaded (or reused when identical
bytes were already synced under another id), and photos that disappear
from the source are removed from the target or preserved, depending on
the configured deletion policy.

Sync state lives in a local SQLite database, so cycles are idempotent
across restarts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./photomirror.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(mappingsCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfig reads the effective configuration for a command.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger builds the process logger, routed through a rotating file
// when one is configured and mirrored to stderr otherwise.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		})
	}
	return log.New(out, prefix, log.LstdFlags)
}
