package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"contractflow/activity"
	"contractflow/api"
	"contractflow/auth"
	"contractflow/config"
	"contractflow/contract"
	"contractflow/db"
	"contractflow/metrics"
	"contractflow/presence"
	"contractflow/session"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load(true)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before serving")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger, migrate bool) error {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.Pool)
	if err != nil {
		return err
	}
	defer pool.Close()

	if migrate {
		applied, err := db.Migrate(ctx, pool)
		if err != nil {
			return err
		}
		logger.Info("migrations applied", "count", len(applied))
	}

	hub := contract.NewHub(pool, logger)
	repo := contract.NewRepository(pool, contract.WithHub(hub), contract.WithLogger(logger))

	sink, closeSink, err := openSink(ctx, cfg, pool)
	if err != nil {
		return err
	}
	defer closeSink()

	channel, closeChannel, err := openPresence(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeChannel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer := metrics.New(reg)

	tokens, err := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	sessions := session.NewManager(func() *session.Session {
		return session.New(repo, sink).
			WithPresence(channel).
			WithLogger(logger).
			WithObserver(observer).
			WithHeartbeat(cfg.Heartbeat)
	}).WithIdleTimeout(cfg.SessionIdle).WithLogger(logger)

	handler := api.NewServer(sessions, tokens,
		api.WithLogger(logger),
		api.WithGatherer(reg),
		api.WithKeepAlive(cfg.Heartbeat),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(handler.CloseStreams)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		return sessions.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr, "activity_backend", cfg.ActivityBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if cerr := sessions.Close(shutdownCtx); cerr != nil {
			logger.Warn("close sessions", "err", cerr)
		}
		logger.Info("http server stopped")
		return err
	})
	return g.Wait()
}

func openSink(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (activity.Sink, func(), error) {
	switch cfg.ActivityBackend {
	case config.ActivitySQLite:
		conn, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite activity log: %w", err)
		}
		conn.SetMaxOpenConns(1)
		sink, err := activity.NewSQLiteSink(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return sink, func() { conn.Close() }, nil
	case config.ActivityMemory:
		return activity.NewMemorySink(), func() {}, nil
	default:
		return activity.NewPGSink(pool), func() {}, nil
	}
}

func openPresence(ctx context.Context, cfg config.Config, logger *slog.Logger) (presence.Channel, func(), error) {
	if cfg.RedisAddr == "" {
		logger.Warn("no redis_addr configured, presence is local to this process")
		return presence.NewMemoryChannel(presence.WithMemoryTTL(cfg.PresenceTTL)), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	ch := presence.NewRedisChannel(client,
		presence.WithTTL(cfg.PresenceTTL),
		presence.WithLogger(logger),
	)
	return ch, func() { ch.Close() }, nil
}
