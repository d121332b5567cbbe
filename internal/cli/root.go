package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/koltyakov/addr/internal/config"
	ilog "github.com/koltyakov/addr/internal/log"
)

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "addr",
		Short: "SSH reverse tunnel broker",
		Long: `addr publishes a client's local service under a public name.

Clients connect with "ssh -R 80:localhost:<port> <name>@<domain>"; the first
device to claim a name owns it, and every tunnel is reachable through the
edge router files the broker maintains.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: exitConfig, err: err}
	})

	root.PersistentFlags().String("config", "", "YAML config file (or "+config.ConfigEnv+")")
	config.BindFlags(root.PersistentFlags())

	root.AddCommand(
		a.serveCmd(),
		a.keygenCmd(),
		a.namesCmd(),
		a.routesCmd(),
		a.fingerprintCmd(),
		a.versionCmd(),
	)
	return root
}

// loadConfig resolves the configuration for cmd from every layer.
func (a *app) loadConfig(cmd *cobra.Command) (config.ServerConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	if strings.TrimSpace(path) == "" {
		path = a.getenv(config.ConfigEnv)
	}
	cfg, err := config.Load(path, a.getenv, cmd.Flags())
	if err != nil {
		return cfg, configError(err)
	}
	return cfg, nil
}

func (a *app) logger(cfg config.ServerConfig) *slog.Logger {
	return ilog.NewWriter(a.stdout, cfg.LogLevel, cfg.LogFormat)
}

// exactArgs is cobra.ExactArgs with a usage exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &exitError{code: exitConfig, err: fmt.Errorf("%s: %w", cmd.CommandPath(), err)}
		}
		return nil
	}
}
