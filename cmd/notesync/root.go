package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/spf13/cobra"

	"github.com/aretw0/notesync/internal/platform"
)

var (
	verbose    bool
	principal  string
	configPath string
	readyWait  time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "notesync",
	Short: "Optimistic note sync against a pluggable record store",
	Long: `notesync edits notes locally and writes them to the record store after a
short quiet window. Changes made elsewhere arrive through the configured push
feed. Each command signs in as --principal and only sees that principal's notes.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		lifecycle.SetLogger(logger)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&principal, "principal", "p", "", "Principal to sign in as (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: nearest "+platform.ConfigFile+")")
	rootCmd.PersistentFlags().DurationVar(&readyWait, "wait", 10*time.Second, "How long to wait for the initial fetch")
}

func loadConfig() platform.Config {
	path := configPath
	if path == "" {
		if wd, err := os.Getwd(); err == nil {
			path = platform.ConfigPath(wd)
		}
	}
	cfg, err := platform.LoadConfig(path)
	if err != nil {
		fatal("Failed to load config", err)
	}
	if principal != "" {
		cfg.Principal = principal
	}
	return cfg
}

// openSession opens the runtime signed in as the configured principal and
// waits for its notes to load.
func openSession(ctx context.Context) *platform.Runtime {
	cfg := loadConfig()
	if cfg.Principal == "" {
		fatal("No principal", fmt.Errorf("set --principal, NOTESYNC_PRINCIPAL or principal in %s", platform.ConfigFile))
	}
	rt, err := platform.Open(ctx, cfg, platform.WithLogger(slog.Default()))
	if err != nil {
		fatal("Failed to initialize notesync", err)
	}
	if err := rt.WaitReady(ctx, readyWait); err != nil {
		_ = rt.Close(ctx)
		fatal("Failed to load notes", err)
	}
	return rt
}

// closeSession flushes pending writes and reports a failure to write them.
func closeSession(ctx context.Context, rt *platform.Runtime) {
	if err := rt.Close(ctx); err != nil {
		fatal("Failed to flush notes", err)
	}
}
