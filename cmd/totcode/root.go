package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/totcode/config"
	"github.com/scttfrdmn/totcode/observability"
)

// rootOptions carries the persistent flags and the loaded configuration
// to every subcommand.
type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "totcode",
		Short: "Tree-of-thought code generation over benchmark datasets",
		Long: `totcode searches for solutions to programming problems with a
breadth-first tree of thoughts: each step samples candidate continuations
from a chat model, scores them and keeps the best ones.

Configuration is read from defaults, then --config, then the environment
(OPENAI_API_KEY, OPENAI_API_BASE, BACKUP_OPENAI_API_KEY, ...), then flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML config file")
	pf.StringVar(&opts.envFile, "env-file", ".env", "dotenv file read before the environment")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format: text or json")

	root.AddCommand(newRunCmd(opts), newMergeCmd(opts), newPricingCmd(opts))
	return root
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Observability.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Observability.LogFormat = o.logFormat
	}

	o.cfg = cfg
	o.logger = observability.ConfigureLogging(
		cmd.ErrOrStderr(),
		observability.ParseLevel(cfg.Observability.LogLevel),
		cfg.Observability.LogFormat == "json",
		cfg.Observability.TraceContext,
	)
	return nil
}
