package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/keybridge/config"
)

// cliOptions holds the persistent flags shared by every command.
type cliOptions struct {
	configPath      string
	logLevel        string
	logFormat       string
	shutdownTimeout time.Duration

	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Bridge a message flow to key-expression pub/sub and queries",
		Long: `keybridge runs a flow of put, query, queryable and subscribe nodes bound to
named sessions, and exposes it over HTTP for injection and observation.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			opts.logger = setupLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)
			slog.SetDefault(opts.logger)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c",
		getEnv(config.EnvPrefix+"_CONFIG", "keybridge.yaml"),
		"Path to configuration file, JSON or YAML (env: KEYBRIDGE_CONFIG)")
	flags.StringVar(&opts.logLevel, "log-level",
		getEnv(config.EnvPrefix+"_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error; empty uses the config (env: KEYBRIDGE_LOG_LEVEL)")
	flags.StringVar(&opts.logFormat, "log-format",
		getEnv(config.EnvPrefix+"_LOG_FORMAT", ""),
		"Log format: text, json; empty uses the config (env: KEYBRIDGE_LOG_FORMAT)")
	flags.DurationVar(&opts.shutdownTimeout, "shutdown-timeout",
		getEnvDuration(config.EnvPrefix+"_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: KEYBRIDGE_SHUTDOWN_TIMEOUT)")

	root.AddCommand(
		newRunCommand(opts),
		newValidateCommand(opts),
		newQueryCommand(opts),
		newPutCommand(opts),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build %s)\n", appName, Version, BuildTime)
		},
	}
}

// loadConfig reads the config file with environment overrides and validation.
func (o *cliOptions) loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// applyLogConfig rebuilds the logger from cfg for settings no flag fixed.
func (o *cliOptions) applyLogConfig(cmd *cobra.Command, cfg *config.Config) {
	level, format := o.logLevel, o.logFormat
	if level == "" {
		level = cfg.Log.Level
	}
	if format == "" {
		format = cfg.Log.Format
	}
	o.logger = setupLogger(cmd.ErrOrStderr(), level, format)
	slog.SetDefault(o.logger)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
