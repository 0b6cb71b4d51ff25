package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"mnemo/internal/config"
	"mnemo/internal/engine"
	"mnemo/internal/logging"
)

var (
	// Global flags
	dataDir    string
	configPath string
	verbose    bool
	userID     string
	sessionID  string

	cfg config.Config
	eng *engine.Engine
)

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "mnemo - ontology-aware conversational memory engine",
	Long: `mnemo remembers what your conversations establish: who was mentioned,
what facts were stated, how they conflict with what was said before, and
what the business database says right now.

Memory is layered: raw events, canonical entities, episodic records,
semantic triples with decaying confidence, mined procedures, and
consolidated summaries. Replies are grounded in database facts first,
remembered context second.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if dataDir != "" {
			path = filepath.Join(dataDir, "config.yaml")
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}
		return logging.Initialize(cfg.DataDir, logging.Options{
			DebugMode:  cfg.Logging.DebugMode,
			Categories: cfg.Logging.Categories,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

// openEngine builds the engine for commands that need one.
func openEngine() error {
	var err error
	eng, err = engine.New(cfg)
	return err
}

func closeEngine() {
	if eng != nil {
		if err := eng.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".mnemo")
	}
	return ".mnemo"
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.mnemo)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", filepath.Join(defaultDataDir(), "config.yaml"), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "default", "user id")
	rootCmd.PersistentFlags().StringVarP(&sessionID, "session", "s", "", "session id (default: one per day)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
