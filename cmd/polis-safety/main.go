// Package main is the entry point for the polis-safety binary.
// It serves content-safety policies over HTTP and evaluates text from the
// command line.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-safety/pkg/config"
	"github.com/polisai/polis-safety/pkg/logging"
)

const defaultLogLevel = "info"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	ConfigPath string
	LogLevel   string
	Pretty     bool
}

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-safety.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "polis-safety",
		Short: "Content-safety policy engine",
		Long: `Evaluates text against content-safety policies for crypto solicitation,
phone numbers, sensitive social topics and adult content.

Each policy pairs detectors (pattern, llm, llm_finder) with an action
(block, replace, raise) for one category.

Example:
  polis-safety serve --config safety.yaml
  echo "Call me at 555-123-4567" | polis-safety evaluate --policy phone.anonymize`,
		SilenceUsage: true,
		Version:      version,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&opts.LogLevel, "log-level", "l", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().BoolVar(&opts.Pretty, "pretty", false, "Human readable logs")

	rootCmd.AddCommand(newServeCmd(opts), newEvaluateCmd(opts), newPresetsCmd())
	return rootCmd
}

// loadConfig reads the configuration file (or defaults) and applies flag
// overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	o.apply(cfg)
	return cfg, nil
}

// overridden returns a copy of cfg with the flag overrides applied, leaving
// cfg itself untouched.
func (o *globalOptions) overridden(cfg *config.Config) *config.Config {
	c := *cfg
	o.apply(&c)
	return &c
}

func (o *globalOptions) apply(cfg *config.Config) {
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.Pretty {
		cfg.Logging.Pretty = true
	}
}

// newLogger builds the process logger and installs it as the slog default.
func newLogger(cfg *config.Config, out io.Writer) *slog.Logger {
	level := cfg.Logging.Level
	if level == "" {
		level = defaultLogLevel
	}
	logger := logging.NewLogger(logging.Config{
		Level:  level,
		Pretty: cfg.Logging.Pretty,
		Output: out,
	})
	slog.SetDefault(logger)
	return logger
}
