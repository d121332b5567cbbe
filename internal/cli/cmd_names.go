package cli

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/koltyakov/addr/internal/config"
	"github.com/koltyakov/addr/internal/domain"
	"github.com/koltyakov/addr/internal/store/sqlite"
)

func (a *app) namesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "names",
		Short: "Inspect registered names",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List registered names",
			Args:  exactArgs(0),
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withStore(cmd, a.listNames)
			},
		},
		&cobra.Command{
			Use:   "show <name>",
			Short: "Show one registered name",
			Args:  exactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStore(cmd, func(ctx context.Context, cfg config.ServerConfig, store *sqlite.Store) error {
					return a.showName(ctx, cfg, store, args[0])
				})
			},
		},
	)
	return cmd
}

func (a *app) withStore(cmd *cobra.Command, fn func(context.Context, config.ServerConfig, *sqlite.Store) error) error {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := sqlite.OpenWithOptions(cfg.DBPath, sqlite.OpenOptions{MaxOpenConns: cfg.DBMaxOpenConns})
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer func() { _ = store.Close() }()
	return fn(cmd.Context(), cfg, store)
}

func deviceUsage(ctx context.Context, store *sqlite.Store, fingerprint string) (int, error) {
	rec, err := store.GetFingerprint(ctx, fingerprint)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	return rec.Usage, err
}

func (a *app) listNames(ctx context.Context, cfg config.ServerConfig, store *sqlite.Store) error {
	recs, err := store.ListNames(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tHOST\tPORT\tPLAN\tUSAGE\tFINGERPRINT")
	bound := 0
	for _, rec := range recs {
		usage, err := deviceUsage(ctx, store, rec.Fingerprint)
		if err != nil {
			return err
		}
		port := "-"
		if rec.Port != 0 {
			port = fmt.Sprint(rec.Port)
			bound++
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			rec.Name, domain.RouteHost(rec.Name, cfg.Domain), port, rec.Plan, usage, rec.Fingerprint)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(a.stdout, "\n%s names, %s bound\n",
		humanize.Comma(int64(len(recs))), humanize.Comma(int64(bound)))
	return nil
}

func (a *app) showName(ctx context.Context, cfg config.ServerConfig, store *sqlite.Store, raw string) error {
	name := domain.NormalizeName(raw)
	rec, err := store.GetName(ctx, name)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("name %q is not registered", name)
	}
	if err != nil {
		return err
	}
	usage, err := deviceUsage(ctx, store, rec.Fingerprint)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 1, ' ', 0)
	_, _ = fmt.Fprintf(tw, "name:\t%s\n", rec.Name)
	_, _ = fmt.Fprintf(tw, "host:\t%s\n", domain.RouteHost(rec.Name, cfg.Domain))
	if rec.Port != 0 {
		_, _ = fmt.Fprintf(tw, "port:\t%d\n", rec.Port)
	} else {
		_, _ = fmt.Fprintln(tw, "port:\t-")
	}
	_, _ = fmt.Fprintf(tw, "plan:\t%d\n", rec.Plan)
	_, _ = fmt.Fprintf(tw, "fingerprint:\t%s\n", rec.Fingerprint)
	_, _ = fmt.Fprintf(tw, "device usage:\t%d of %d\n", usage, rec.Plan)
	return tw.Flush()
}
