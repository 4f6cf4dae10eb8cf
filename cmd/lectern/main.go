// Lectern is a live lecture interpreter: microphone audio from the browser is
// transcribed in real time, rewritten as formal English and translated into
// Korean, with the lecture topic picked from a folder on a Synology NAS.
//
// Usage:
//
//	lectern                  # serve the dashboard (same as "lectern serve")
//	lectern folders          # one-shot NAS sign-in and folder listing
//	lectern version
package main

import (
	"embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ryan-winkler/lectern/internal/config"
)

//go:embed all:web
var webFS embed.FS

var version = "dev" // set via ldflags at build time

var (
	flagPort    int
	flagHost    string
	flagSecrets string
	flagFolder  string
	flagBackend string
	flagTLS     bool
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "lectern",
	Short: "Live lecture interpreter (English to Korean)",
	Long: `Lectern streams microphone audio from the browser to a real-time
speech recognizer, rewrites each finished sentence as formal English and
translates it into Korean. Topics come from a folder listing on a Synology NAS.

Configuration priority: flag > environment (LECTERN_*) > .env > default.
Secrets are read from the environment or the TOML secrets file.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the interpreter dashboard",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "lectern", version)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagSecrets, "secrets", "", "TOML secrets file (default: secrets.toml)")
	pf.StringVar(&flagFolder, "folder", "", "NAS folder whose subfolders are the topics")
	pf.StringVar(&flagBackend, "backend", "", "NAS listing backend: api or webdav")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "Debug logging")

	for _, c := range []*cobra.Command{rootCmd, serveCmd} {
		c.Flags().IntVar(&flagPort, "port", 0, "Server port (default: 8090)")
		c.Flags().StringVar(&flagHost, "host", "", "Bind address (default: 0.0.0.0)")
		c.Flags().BoolVar(&flagTLS, "enable-tls", false, "Serve HTTPS with a self-signed certificate")
	}

	rootCmd.AddCommand(serveCmd, foldersCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lectern:", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies flags that were set.
func loadConfig(cmd *cobra.Command) *config.Config {
	cfg := config.Load()
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = flagPort
	}
	if flags.Changed("host") {
		cfg.Host = flagHost
	}
	if flags.Changed("enable-tls") {
		cfg.EnableTLS = flagTLS
	}
	if flags.Changed("secrets") {
		cfg.SecretsFile = flagSecrets
	}
	if flags.Changed("folder") {
		cfg.FolderPath = flagFolder
	}
	if flags.Changed("backend") {
		cfg.NASBackend = strings.ToLower(flagBackend)
	}
	return cfg
}

// newLogger writes to stdout and, when LECTERN_LOG_DIR is set, to a rotating
// file as well. The returned writer is shared with the access log.
func newLogger(cfg *config.Config) (*slog.Logger, io.Writer) {
	var w io.Writer = os.Stdout
	if cfg.LogDir != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, "lectern.log"),
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), w
	}
	return slog.New(slog.NewTextHandler(w, opts)), w
}
