package main

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/netmonhq/netmon-go/internal/config"
	"github.com/netmonhq/netmon-go/internal/logger"
	"github.com/netmonhq/netmon-go/pkg/store"
)

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	dbPath     string
	jsonOutput bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "netmon",
		Short: "Inspect and deliver captured HTTP exchanges",
		Long: `netmon works on the SQLite store written by the netmon library.

Configuration is read from the file given with --config (YAML), then
NETMON_* environment variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "SQLite database path (overrides databasePath)")
	root.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "Output command results in JSON format")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newPendingCmd(g),
		newListCmd(g),
		newUploadCmd(g),
		newPurgeCmd(g),
		newDeleteCmd(g),
	)
	return root
}

func (g *globals) load() (*config.File, error) {
	f, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dbPath != "" {
		f.DatabasePath = g.dbPath
	}
	if g.logLevel != "" {
		f.LogLevel = g.logLevel
	}
	return f, nil
}

func (g *globals) logger(f *config.File) zerolog.Logger {
	return logger.New(os.Stderr, f.LogLevel, true)
}

// open loads the configuration and opens the store it names.
func (g *globals) open() (*config.File, *store.SQLite, error) {
	f, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	if f.DatabasePath == "" {
		return nil, nil, fmt.Errorf("netmon: no database configured (set databasePath, NETMON_DATABASE_PATH or --db)")
	}
	if _, err := os.Stat(f.DatabasePath); err != nil {
		return nil, nil, fmt.Errorf("netmon: opening store: %w", err)
	}
	s, err := store.OpenSQLite(store.SQLiteConfig{Path: f.DatabasePath, Logger: g.logger(f)})
	if err != nil {
		return nil, nil, err
	}
	return f, s, nil
}

func (g *globals) print(w io.Writer, v any, text string) error {
	if !g.jsonOutput {
		_, err := fmt.Fprintln(w, text)
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
