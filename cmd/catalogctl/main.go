// Command catalogctl runs the ingestion pipeline and queries the catalog from
// a workstation, without the Cloud Functions runtime.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	verbosity int
)

var rootCmd = &cobra.Command{
	Use:   "catalogctl",
	Short: "Ingest documents into the archive catalog and query it",
	Long: `catalogctl - ingest documents and query the archive catalog.

Configuration comes from environment variables (a .env file in the working
directory is loaded first), optionally overlaid by a YAML or TOML file passed
with --config. Keys in the file use the environment names, e.g.

  catalog_db_path: ./archive.db
  solana:
    rpc_url: http://localhost:8899

Examples:
  catalogctl ingest notes.txt report.pdf   # Run files through the pipeline
  catalogctl list                          # Print every catalog entry
  catalogctl search --field genre --q sci  # Substring search on one field
  catalogctl similar "orbital mechanics"   # Semantic search (needs VECTOR_STORE)
  catalogctl serve --addr :8080            # Serve the HTTP API locally`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initLogger(cmd.ErrOrStderr(), verbosity)
		return loadConfig(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to a YAML or TOML config file")
	rootCmd.PersistentFlags().String("db", "archive.db", "Path to the catalog SQLite database")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v for debug)")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(similarCmd)
	rootCmd.AddCommand(clustersCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func initLogger(w io.Writer, verbosity int) {
	level := slog.LevelInfo
	if verbosity > 0 {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// envKeys maps nested config keys such as solana.rpc_url onto SOLANA_RPC_URL.
var envKeys = strings.NewReplacer(".", "_", "-", "_")

// loadConfig resolves flags, environment and the optional config file with
// viper, then exports the result so the env-driven service loaders see it.
func loadConfig(cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Could not load .env file", "error", err)
	}

	v := viper.New()
	v.SetEnvKeyReplacer(envKeys)
	v.AutomaticEnv()
	if err := v.BindPFlag("catalog_db_path", cmd.Flags().Lookup("db")); err != nil {
		return errors.Wrap(err, "bind --db")
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config file %s", cfgFile)
		}
		slog.Debug("Loaded config file", "path", v.ConfigFileUsed())
	}
	return exportConfig(v)
}

// exportConfig writes every resolved key to the process environment.
// Viper has already applied precedence: flag, then env, then file.
func exportConfig(v *viper.Viper) error {
	for _, key := range v.AllKeys() {
		name := strings.ToUpper(envKeys.Replace(key))
		if err := os.Setenv(name, v.GetString(key)); err != nil {
			return errors.Wrapf(err, "export %s", name)
		}
	}
	return nil
}

func dbPath() string {
	return os.Getenv("CATALOG_DB_PATH")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
