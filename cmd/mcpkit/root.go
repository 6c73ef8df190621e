package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"mcpkit/internal/app"
	"mcpkit/internal/infra/config"
)

type cliOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	logger     *zap.Logger
}

func newRootCommand() *cobra.Command {
	opts := cliOptions{
		configPath: os.Getenv("MCPKIT_CONFIG"),
		logLevel:   "warn",
		logFormat:  "console",
		logger:     zap.NewNop(),
	}

	root := &cobra.Command{
		Use:           "mcpkit",
		Short:         "Serve declared capability services over MCP",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			applyRootFlagBindings(cmd, &opts)
			logger, err := app.NewLogger(config.LoggingConfig{Level: opts.logLevel, Format: opts.logFormat})
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = opts.logger.Sync()
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", opts.configPath, "path to config file (defaults and MCPKIT_* env only when empty)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level for startup messages")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", opts.logFormat, "log format: json or console")

	root.AddCommand(
		newServeCmd(&opts),
		newValidateCmd(&opts),
		newRoutesCmd(&opts),
		newVersionCmd(),
	)
	return root
}

func applyRootFlagBindings(cmd *cobra.Command, opts *cliOptions) {
	flags := cmd.Flags()
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "config":
			opts.configPath, _ = flags.GetString("config")
		case "log-level":
			opts.logLevel, _ = flags.GetString("log-level")
		case "log-format":
			opts.logFormat, _ = flags.GetString("log-format")
		}
	})
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
