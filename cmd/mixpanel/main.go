package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/mixpanel/pkg/mixpanel"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/config"
	"github.com/randalmurphal/mixpanel/pkg/mixpanel/storage"
)

var (
	configFile string
	envFile    string
	dbPath     string
	logLevel   string

	// The root command of the program
	rootCmd = &cobra.Command{
		Use:   "mixpanel",
		Short: "Record and deliver analytics messages from the command line.",
		Long: `mixpanel records events and profile updates into a local queue and delivers them
to the ingestion API. Messages recorded while offline stay in the database until a flush succeeds.

Settings come from --config (YAML or JSON), then the --env file and MIXPANEL_* environment variables.`,
		SilenceUsage: true,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML or JSON settings file.")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "The env file to read.")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Queue database path. Overrides storage_path.")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error.")

	rootCmd.AddCommand(trackCmd, identifyCmd, peopleCmd, flushCmd, statusCmd, parkedCmd, runCmd)
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfiguration merges the settings file with the environment.
func loadConfiguration() (mixpanel.Configuration, error) {
	merged := config.New(nil)

	if configFile != "" {
		fileCfg, err := config.FromFile(configFile)
		if err != nil {
			return mixpanel.Configuration{}, err
		}
		merged = merged.Merge(fileCfg)
	}

	envCfg, err := config.FromEnv("MIXPANEL_", envFile)
	if err != nil {
		return mixpanel.Configuration{}, err
	}
	merged = merged.Merge(envCfg)

	cfg := mixpanel.ConfigurationFrom(merged)
	if dbPath != "" {
		cfg.StoragePath = dbPath
	}
	return cfg, nil
}

// openClient opens a client without the background flush loop unless
// autoFlush is set; commands flush explicitly.
func openClient(autoFlush bool, opts ...mixpanel.Option) (*mixpanel.Client, error) {
	cfg, err := loadConfiguration()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	cfg.AutoFlush = autoFlush
	return mixpanel.New(cfg, append([]mixpanel.Option{mixpanel.WithLogger(newLogger())}, opts...)...)
}

// openStore opens the queue database named by the configuration.
func openStore() (*storage.SQLiteStore, error) {
	cfg, err := loadConfiguration()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	path := cfg.StoragePath
	if path == "" {
		path = mixpanel.DefaultStoragePath
	}
	return storage.NewSQLiteStore(path)
}

// parseProps turns key=value arguments into properties. Values that parse
// as JSON keep their type; anything else is a string.
func parseProps(args []string) (map[string]any, error) {
	props := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("property %q: expected key=value", arg)
		}
		props[key] = parseValue(raw)
	}
	return props, nil
}
