package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/VenkatGGG/nodepool/internal/api"
	"github.com/VenkatGGG/nodepool/internal/config"
	"github.com/VenkatGGG/nodepool/internal/nodeclient"
	"github.com/VenkatGGG/nodepool/internal/pool"
	"github.com/VenkatGGG/nodepool/internal/proxy"
)

func newServeCmd() *cobra.Command {
	var (
		addr   string
		source string
		infra  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node source and serve its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			if source != "" {
				cfg.SourceName = source
			}
			if infra != "" {
				cfg.Infra = infra
			}
			logger := newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "HTTP listen address (overrides POOLD_HTTP_ADDR)")
	cmd.Flags().StringVarP(&source, "source", "s", "", "node source name (overrides POOLD_SOURCE_NAME)")
	cmd.Flags().StringVarP(&infra, "infra", "i", "", "infrastructure kind: static or docker (overrides POOLD_INFRA)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	factory := unitFactory(cfg)
	infra, err := buildInfrastructure(cfg, factory)
	if err != nil {
		return err
	}

	registry, closeRegistry, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRegistry()

	manager := pool.NewManager(infra, registry, pool.ManagerConfig{
		SourceID:       cfg.SourceName,
		PingInterval:   cfg.PingInterval,
		PingTimeout:    cfg.PingTimeout,
		MaxConcurrency: cfg.MaxConcurrency,
		CreateTimeout:  cfg.CreateTimeout,
	}, pool.WithLogger(&logger), pool.WithPolicy(buildPolicy(cfg, &logger)))
	if err := manager.Start(ctx); err != nil {
		return errors.Wrap(err, "start node source")
	}

	server := api.NewServer(manager, api.Options{
		APIKey:          cfg.APIKey,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Logger:          &logger,
	})
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("source", cfg.SourceName).
			Str("infra", cfg.Infra).
			Str("policy", cfg.Policy).
			Msg("poold listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case <-manager.Done():
		logger.Info().Msg("node source finished")
	case err := <-serveErr:
		if err != nil {
			drain(manager, cfg, logger)
			return errors.Wrap(err, "http server")
		}
	}

	drain(manager, cfg, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown error")
	}
	return nil
}

// drain stops the source and hands every node back to the infrastructure.
func drain(manager *pool.Manager, cfg config.Config, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if _, err := manager.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("node source shutdown failed")
	}
	if err := manager.RemoveAll(ctx, cfg.ReleaseForever); err != nil {
		logger.Warn().Err(err).Msg("remove nodes failed")
	}
	select {
	case <-manager.Done():
		logger.Info().Msg("node source drained")
	case <-ctx.Done():
		logger.Warn().Dur("timeout", cfg.ShutdownTimeout).Msg("node source did not drain in time")
	}
}

func unitFactory(cfg config.Config) pool.UnitFactory {
	kind := nodeclient.Kind(cfg.UnitKind)
	return func(address string) (proxy.Unit, error) {
		return nodeclient.New(kind, address, cfg.UnitTimeout)
	}
}

func buildInfrastructure(cfg config.Config, factory pool.UnitFactory) (pool.Infrastructure, error) {
	switch cfg.Infra {
	case config.InfraStatic:
		infra, err := pool.NewStaticInfrastructure(cfg.StaticNodes, cfg.NodeGroup, factory)
		if err != nil {
			return nil, errors.Wrap(err, "static infrastructure")
		}
		return infra, nil
	case config.InfraDocker:
		infra, err := pool.NewDockerInfrastructure(pool.DockerInfrastructureConfig{
			Image:        cfg.DockerImage,
			Network:      cfg.DockerNetwork,
			NodeIDPrefix: cfg.DockerNodePrefix,
			NodePort:     cfg.DockerNodePort,
			Group:        cfg.NodeGroup,
			Env:          map[string]string{"NODEPOOL_UNIT_KIND": cfg.UnitKind},
			Labels:       map[string]string{"nodepool.source": cfg.SourceName},
			Factory:      factory,
		})
		if err != nil {
			return nil, errors.Wrap(err, "docker infrastructure")
		}
		return infra, nil
	default:
		return nil, errors.Errorf("unknown infrastructure %q", cfg.Infra)
	}
}

// buildRegistry always keeps an in-memory journal and fans out to redis and
// postgres when they are configured.
func buildRegistry(ctx context.Context, cfg config.Config) (pool.Registry, func(), error) {
	registries := pool.MultiRegistry{pool.NewInMemoryRegistry()}
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			closeAll()
			return nil, nil, errors.Wrapf(err, "connect redis %s", cfg.RedisAddr)
		}
		closers = append(closers, func() { _ = client.Close() })
		registries = append(registries, pool.NewRedisRegistry(client, cfg.RedisPrefix))
	}

	if cfg.PostgresDSN != "" {
		pg, err := pool.NewPostgresRegistry(ctx, cfg.PostgresDSN)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, pg.Close)
		registries = append(registries, pg)
	}
	return registries, closeAll, nil
}

func buildPolicy(cfg config.Config, logger *zerolog.Logger) pool.Policy {
	if cfg.Policy == config.PolicyReconcile {
		return pool.NewReconcilePolicy(pool.ReconcileConfig{
			TargetFree:    cfg.TargetFree,
			Interval:      cfg.ReconcileInterval,
			DownRetention: cfg.DownRetention,
			Group:         cfg.NodeGroup,
			Logger:        logger,
		})
	}
	if cfg.Infra == config.InfraStatic {
		return pool.StaticPolicy{All: true, Group: cfg.NodeGroup}
	}
	return pool.StaticPolicy{Count: cfg.TargetFree, Group: cfg.NodeGroup}
}
