package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jmerrifield20/agentledger/internal/config"
	"github.com/jmerrifield20/agentledger/internal/engine"
	"github.com/jmerrifield20/agentledger/internal/store"
	"github.com/jmerrifield20/agentledger/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerd",
	Short: "Tamper-evident fact ledger and consensus engine",
	Long: `ledgerd runs the hash-chained transaction and vote ledgers behind the
agent memory store, and audits them.

Configuration is read from ledgerd.yaml (./configs or .), .env files and
the environment (database.path -> DATABASE_PATH).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./configs/ledgerd.yaml or ./ledgerd.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(proveCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(versionCmd)
}

// runtime is everything a subcommand needs, opened from config.
type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *store.DB
	engine *engine.Engine
}

func (r *runtime) Close() {
	if err := r.db.Close(); err != nil {
		r.logger.Warn("close database", zap.Error(err))
	}
	_ = r.logger.Sync()
}

// open loads configuration and opens the database and engine.
func open(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	if cfg.File == "" {
		logger.Debug("no config file found, using defaults and env vars")
	}

	db, err := store.Open(ctx, cfg.StoreConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	eng, err := engine.New(db, engine.Config{CheckpointBatchSize: cfg.Ledger.CheckpointBatchSize}, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, logger: logger, db: db, engine: eng}, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "ledgerd", version)
	},
}
