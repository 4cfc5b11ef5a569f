package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/schoolab/ecole/internal/cloud"
	"github.com/schoolab/ecole/internal/config"
	"github.com/schoolab/ecole/internal/credentials"
	"github.com/schoolab/ecole/internal/db"
	"github.com/schoolab/ecole/internal/logging"
	ecolesync "github.com/schoolab/ecole/internal/sync"
	"github.com/schoolab/ecole/internal/ui"
)

// Version is set at build time.
var Version = "dev"

var (
	cfg    *config.Config
	logger zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ecole",
	Short: "Offline-first school records with LAN grade entry and cloud sync",
	Long: `ecole keeps a school's records in a local database, lets devices on the
school network enter grades together, and synchronizes the database with
the school's cloud account whenever the network allows.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		envFile, _ := cmd.Flags().GetString("env-file")

		loaded, err := config.Load(config.Options{ConfigFile: configFile, EnvFile: envFile})
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("db") {
			loaded.DB.Path, _ = cmd.Flags().GetString("db")
		}
		if cmd.Flags().Changed("log-level") {
			loaded.Log.Level, _ = cmd.Flags().GetString("log-level")
		}
		cfg = loaded

		logger = logging.Init(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
		ui.Init(os.Stdout)
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "lan", Title: "Local network:"},
		&cobra.Group{ID: "data", Title: "Data:"},
	)
	rootCmd.PersistentFlags().String("config", "", "Config file (YAML or TOML)")
	rootCmd.PersistentFlags().String("env-file", "", "Environment file (default .env when present)")
	rootCmd.PersistentFlags().String("db", "", "Database path (overrides db.path)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", ui.RenderFail("Error:"), fmt.Sprintf(format, args...))
	os.Exit(1)
}

// openStore opens and initializes the configured database.
func openStore(ctx context.Context) *db.DB {
	store, err := db.Open(cfg.DB.Path)
	if err != nil {
		fatal("opening database: %v", err)
	}
	if err := store.InitSchemaContext(ctx); err != nil {
		store.Close()
		fatal("initializing schema: %v", err)
	}
	return store
}

// newOrchestrator wires the sync orchestrator to the store and the
// configured remote.
func newOrchestrator(store *db.DB, onState func(from, to ecolesync.State)) (ecolesync.Orchestrator, *credentials.Provider) {
	client, err := cloud.New(cloud.Config{
		BaseURL: cfg.Cloud.URL,
		Timeout: cfg.Cloud.Timeout,
		Logger:  logger,
	})
	if err != nil {
		fatal("%v", err)
	}
	creds := credentials.New(store, cfg.Device.ID)
	orch := ecolesync.New(ecolesync.Config{
		Store:           store,
		Remote:          client,
		Credentials:     creds,
		Logger:          logger,
		RetryFailedRows: cfg.Sync.RetryFailedRows,
		OnStateChange:   onState,
	})
	return orch, creds
}
