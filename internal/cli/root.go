// Package cli wires the barberloyalty commands: the long-running server and
// the one-shot maintenance tools operators run from cron or a shell.
package cli

import (
	"context"
	"fmt"
	"os"

	"barberloyalty/config"
	pkgconfig "barberloyalty/pkg/config"
	"barberloyalty/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigEnv string
	ConfigDir string
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "barberloyalty",
		Short:         "Barbershop loyalty crediting and Web Push delivery",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigEnv, "env", pkgconfig.GetConfigEnv(), "config environment (<env>.yaml on top of base.yaml)")
	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "config-dir", pkgconfig.GetEnv("CONFIG_DIR", "config"), "directory holding base.yaml")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewKeysCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (o *RootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadFrom(o.ConfigEnv, o.ConfigDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.NewLogger(cfg.Log), nil
}
