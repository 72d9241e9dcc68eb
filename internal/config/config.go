// Package config loads ledgerd settings from defaults, an optional YAML file,
// .env files and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmerrifield20/agentledger/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the resolved configuration.
type Config struct {
	Database DatabaseConfig
	Ledger   LedgerConfig
	Ops      OpsConfig
	Audit    AuditConfig
	Log      LogConfig
	Tracing  TracingConfig

	// File is the config file that was read, or "" when none was found.
	File string
}

type DatabaseConfig struct {
	Driver   string
	Path     string
	URL      string
	MaxConns int
}

type LedgerConfig struct {
	CheckpointBatchSize int
	LockTimeout         time.Duration
	AdvisoryLockKey     int64
}

type OpsConfig struct {
	Port         int
	RateLimitRPS int
}

// AuditConfig schedules background re-verification; 0 disables it.
type AuditConfig struct {
	Interval time.Duration
}

type LogConfig struct {
	Level       string
	Development bool
}

type TracingConfig struct {
	Enabled     bool
	Stdout      bool
	ServiceName string
}

// Load resolves the configuration. cfgFile, when set, must exist; otherwise
// ledgerd.yaml is looked up in ./configs and the working directory.
func Load(cfgFile string) (*Config, error) {
	loadEnvFiles()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("ledgerd")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &cfgNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		File: v.ConfigFileUsed(),
		Database: DatabaseConfig{
			Driver:   v.GetString("database.driver"),
			Path:     v.GetString("database.path"),
			URL:      v.GetString("database.url"),
			MaxConns: v.GetInt("database.max_conns"),
		},
		Ledger: LedgerConfig{
			CheckpointBatchSize: v.GetInt("ledger.checkpoint_batch_size"),
			LockTimeout:         v.GetDuration("ledger.lock_timeout"),
			AdvisoryLockKey:     v.GetInt64("ledger.advisory_lock_key"),
		},
		Ops: OpsConfig{
			Port:         v.GetInt("ops.port"),
			RateLimitRPS: v.GetInt("ops.rate_limit_rps"),
		},
		Audit: AuditConfig{
			Interval: v.GetDuration("audit.interval"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
		Tracing: TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			Stdout:      v.GetBool("tracing.stdout"),
			ServiceName: v.GetString("tracing.service_name"),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", string(store.DialectSQLite))
	v.SetDefault("database.path", "agentledger.db")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("ledger.checkpoint_batch_size", 1000)
	v.SetDefault("ledger.lock_timeout", "5s")
	v.SetDefault("ledger.advisory_lock_key", 0)
	v.SetDefault("ops.port", 9090)
	v.SetDefault("ops.rate_limit_rps", 20)
	v.SetDefault("audit.interval", "10m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.stdout", false)
	v.SetDefault("tracing.service_name", "agentledger")
}

// loadEnvFiles reads the file named by AGENTLEDGER_ENV (default .env) and
// its .secret sidecar. Missing files are ignored; set variables win.
func loadEnvFiles() {
	envFile := os.Getenv("AGENTLEDGER_ENV")
	if envFile == "" {
		envFile = ".env"
	}
	_ = godotenv.Load(envFile)
	_ = godotenv.Load(envFile + ".secret")
}

func (c *Config) validate() error {
	switch store.Dialect(c.Database.Driver) {
	case store.DialectSQLite:
		if c.Database.Path == "" {
			return errors.New("config: database.path is required for sqlite")
		}
	case store.DialectPostgres:
		if c.Database.URL == "" {
			return errors.New("config: database.url is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	if c.Ledger.CheckpointBatchSize <= 0 {
		return fmt.Errorf("config: ledger.checkpoint_batch_size must be positive, got %d", c.Ledger.CheckpointBatchSize)
	}
	if c.Ledger.LockTimeout <= 0 {
		return fmt.Errorf("config: ledger.lock_timeout must be positive, got %s", c.Ledger.LockTimeout)
	}
	return nil
}

// StoreConfig returns the storage settings.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Driver:          store.Dialect(c.Database.Driver),
		Path:            c.Database.Path,
		URL:             c.Database.URL,
		MaxConns:        c.Database.MaxConns,
		LockTimeout:     c.Ledger.LockTimeout,
		AdvisoryLockKey: c.Ledger.AdvisoryLockKey,
	}
}
