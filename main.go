package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/iwanhae/ssh-warden/reputation"
	"github.com/iwanhae/ssh-warden/types"
)

var (
	cfg        = defaultConfig()
	configPath string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ssh-warden",
		Short: "Ban SSH clients that keep failing authentication",
		Long: "ssh-warden keeps a reputation record per source address, bans addresses after " +
			"repeated authentication failures, and gates SSH connections on that state.",
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "path to YAML config file")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	pf.StringVar(&cfg.Store.Path, "db", cfg.Store.Path, "path to SQLite database file")
	pf.BoolVar(&cfg.Store.Memory, "memory", cfg.Store.Memory, "keep records in memory only (lost on exit)")
	pf.IntVar(&cfg.Store.Threshold, "threshold", cfg.Store.Threshold, "failed attempts within the window that trigger a ban")
	pf.DurationVar(&cfg.Store.ResetWindow, "reset-window", cfg.Store.ResetWindow, "window after which the failure counter restarts")
	pf.IntVar(&cfg.Store.RecentLimit, "recent-limit", cfg.Store.RecentLimit, "number of recent bans reported by stats")
	pf.BoolVar(&cfg.Store.FailOpen, "fail-open", cfg.Store.FailOpen, "treat addresses as not banned when the database cannot be read")

	rootCmd.AddCommand(
		newServeCmd(),
		newWatchCmd(),
		newBanCmd(),
		newUnbanCmd(),
		newListCmd(),
		newStatsCmd(),
		newCheckCmd(),
	)
	return rootCmd
}

// setup layers the configuration sources and configures logging.
func setup(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found, using process environment")
	}

	reapply := captureFlags(cmd.Flags())
	if configPath != "" {
		if err := loadConfigFile(configPath, &cfg); err != nil {
			return err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return err
	}
	if err := reapply(); err != nil {
		return err
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)
	log.SetTimeFormat(time.RFC3339)
	return nil
}

// openStore builds the reputation store selected by cfg. The caller owns
// the returned store and must Close it.
func openStore(ctx context.Context) (*reputation.Store, error) {
	var table types.Table
	if cfg.Store.Memory {
		log.Warn("using in-memory store, bans will not survive a restart")
		table = reputation.NewMemoryTable()
	} else {
		t, err := reputation.NewSQLiteTable(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		table = t
	}
	if err := table.Init(ctx); err != nil {
		_ = table.Close()
		return nil, fmt.Errorf("initialise store: %w", err)
	}

	store, err := reputation.NewStore(table,
		reputation.WithThreshold(cfg.Store.Threshold),
		reputation.WithResetWindow(cfg.Store.ResetWindow),
		reputation.WithRecentLimit(cfg.Store.RecentLimit),
		reputation.WithFailOpen(cfg.Store.FailOpen),
		reputation.WithLogger(log.WithPrefix("store")),
	)
	if err != nil {
		_ = table.Close()
		return nil, err
	}
	return store, nil
}
