package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/koltyakov/addr/internal/broker"
	"github.com/koltyakov/addr/internal/config"
	"github.com/koltyakov/addr/internal/metrics"
	"github.com/koltyakov/addr/internal/ops"
	"github.com/koltyakov/addr/internal/routes"
	"github.com/koltyakov/addr/internal/sshd"
	"github.com/koltyakov/addr/internal/store/sqlite"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the SSH tunnel broker",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			log := a.logger(cfg)
			slog.SetDefault(log)
			log.Info("starting addr", "version", Version, "domain", cfg.Domain)
			return serve(cmd.Context(), cfg, log)
		},
	}
}

// healthChecks fails if any member fails.
type healthChecks []ops.HealthChecker

func (h healthChecks) Ping(ctx context.Context) error {
	var err error
	for _, c := range h {
		err = errors.Join(err, c.Ping(ctx))
	}
	return err
}

// routeSinks opens the file sink and, when configured, the Redis mirror.
// The returned close func releases the Redis client.
func routeSinks(ctx context.Context, cfg config.ServerConfig) (*routes.FileSink, *routes.RedisSink, func() error, error) {
	files, err := routes.NewFileSink(cfg.NamesDir, cfg.PortsDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("route directories: %w", err)
	}
	if cfg.RedisAddr == "" {
		return files, nil, func() error { return nil }, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	mirror := routes.NewRedisSink(client, cfg.RedisPrefix)
	if err := mirror.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return files, mirror, client.Close, nil
}

func serve(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	hostKeys, err := sshd.EnsureHostKeys(cfg.HostKeysDir, cfg.Domain, log)
	if err != nil {
		return fmt.Errorf("host keys: %w", err)
	}

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
	health := healthChecks{store}
	if mirror != nil {
		sink = append(sink, mirror)
		health = append(health, mirror)
	}

	synced, err := routes.Sync(ctx, store, cfg.Domain, sink)
	if err != nil {
		log.Warn("route sync incomplete", "synced", synced, "err", err)
	} else {
		log.Info("routes synced", "bindings", synced)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewWithRegistry(reg)
	feed := routes.NewFeed()

	b := broker.New(broker.Config{
		Domain:            cfg.Domain,
		DefaultPlan:       cfg.DefaultPlan,
		ForwardBindHost:   cfg.ForwardBindHost,
		RendezvousTimeout: cfg.RendezvousTimeout,
	}, broker.Deps{
		Acquire: func(ctx context.Context) (broker.Registry, error) {
			h, err := store.Acquire(ctx)
			if err != nil {
				return nil, err
			}
			return h, nil
		},
		Sink:    sink,
		Feed:    feed,
		Metrics: m,
		Log:     log,
	})

	srv, err := sshd.New(sshd.Config{
		ListenAddr:        cfg.SSHListen,
		Domain:            cfg.Domain,
		HostKeys:          hostKeys,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		KeepaliveCountMax: cfg.KeepaliveCountMax,
		MaxAuthTries:      cfg.MaxAuthTries,
		ConnRate:          cfg.ConnRate,
		ConnBurst:         cfg.ConnBurst,
	}, b, m, log)
	if err != nil {
		return err
	}

	opsSrv := ops.New(ops.Config{Addr: cfg.OpsListen, Pprof: cfg.PprofEnabled}, ops.Deps{
		Health:   health,
		Feed:     feed,
		Gatherer: reg,
		Log:      log,
	})
	if _, err := opsSrv.Start(ctx); err != nil {
		return fmt.Errorf("ops listen: %w", err)
	}

	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
