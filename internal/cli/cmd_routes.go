package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/koltyakov/addr/internal/routes"
	"github.com/koltyakov/addr/internal/store/sqlite"
)

func (a *app) routesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Maintain the edge router files",
	}
	cmd.AddCommand(a.routesSyncCmd(), a.routesCheckCmd())
	return cmd
}

func (a *app) routesSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Rewrite router files for every committed binding",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{MaxOpenConns: cfg.DBMaxOpenConns})
			if err != nil {
				return fmt.Errorf("db: %w", err)
			}
			defer func() { _ = store.Close() }()

			files, mirror, closeMirror, err := routeSinks(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeMirror() }()
			sink := routes.Multi{files}
			if mirror != nil {
				sink = append(sink, mirror)
			}

			n, err := routes.Sync(ctx, store, cfg.Domain, sink)
			_, _ = fmt.Fprintf(a.stdout, "synced %d bindings\n", n)
			return err
		},
	}
}

func (a *app) routesCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <host>",
		Short: "Resolve a host the way the edge router does",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			files, err := routes.NewFileSink(cfg.NamesDir, cfg.PortsDir)
			if err != nil {
				return err
			}
			b, err := files.Resolve(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			_, _ = fmt.Fprintf(a.stdout, "%s -> %d\n", b.Domain, b.Port)
			return nil
		},
	}
}
