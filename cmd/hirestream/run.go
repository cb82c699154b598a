package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/hirestream/internal/auth"
	"github.com/rickgao/hirestream/internal/config"
	"github.com/rickgao/hirestream/internal/connection"
	"github.com/rickgao/hirestream/internal/database"
	"github.com/rickgao/hirestream/internal/httpapi"
	"github.com/rickgao/hirestream/internal/metrics"
	"github.com/rickgao/hirestream/internal/relay"
	"github.com/rickgao/hirestream/internal/router"
	"github.com/rickgao/hirestream/internal/version"
	"github.com/rickgao/hirestream/internal/writer"
)

const shutdownTimeout = 15 * time.Second

func runCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the realtime server and serve the operator API",
		Long: `Run the realtime connection manager.

Examples:
  hirestream run
  hirestream run --config configs/hirestream.yaml --env-file .env.local`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath, envFile)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "configs/hirestream.yaml", "path to config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the config")

	return cmd
}

func run(ctx context.Context, configPath, envFile string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(os.Stdout, cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("starting hirestream",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"origin", cfg.Realtime.Origin,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	rt := router.NewRouter(logger, m)

	tokens := auth.NewFileTokenSource(cfg.Auth.TokenFile, logger)
	if err := tokens.Reload(); err != nil {
		logger.Warn("initial token load failed", "path", cfg.Auth.TokenFile, "error", err)
	}

	mgr := connection.NewManager(
		connection.ManagerConfig{
			ConnectTimeout:     cfg.Realtime.ConnectTimeout,
			ReconnectBaseDelay: cfg.Realtime.ReconnectBaseDelay,
			MaxAttempts:        cfg.Realtime.MaxReconnectAttempts,
		},
		connection.NewEndpoint(cfg.Realtime.Origin, cfg.Realtime.Path),
		tokens,
		rt,
		connection.WithLogger(logger),
		connection.WithMetrics(m),
		connection.WithSocketConfig(connection.SocketConfig{
			HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
			WriteTimeout:     cfg.Realtime.WriteTimeout,
			PingInterval:     cfg.Realtime.PingInterval,
			PongWait:         cfg.Realtime.PongWait,
		}),
	)
	gate := connection.NewGate(mgr, tokens, tokens, logger)

	api := httpapi.New(mgr, rt, reg, logger)

	// Optional status journal
	var statusWriter *writer.StatusWriter
	if cfg.Database.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}

		statusWriter = writer.NewStatusWriter(writer.WriterConfig{
			BatchSize:     cfg.Writer.BatchSize,
			FlushInterval: cfg.Writer.FlushInterval,
		}, pool, logger, m)
		rt.Subscribe(writer.EventType, statusWriter.Handler())
		api.AddComponent("writer", func() any { return statusWriter.Stats() })
	}

	// Optional pub/sub relay
	var eventRelay *relay.Relay
	if cfg.Redis.Enabled {
		client, err := relay.Connect(ctx, &redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer client.Close()

		eventRelay = relay.New(client, relay.Config{
			ChannelPrefix: cfg.Redis.ChannelPrefix,
			EventTypes:    cfg.Redis.EventTypes,
		}, logger, m)
		eventRelay.Attach(rt)
		api.AddComponent("relay", func() any { return eventRelay.Stats() })
	}

	g, gctx := errgroup.WithContext(ctx)

	if statusWriter != nil {
		if err := statusWriter.Start(gctx); err != nil {
			return fmt.Errorf("start status writer: %w", err)
		}
	}
	if eventRelay != nil {
		if err := eventRelay.Start(gctx); err != nil {
			return fmt.Errorf("start relay: %w", err)
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		tokens.Watch(gctx, cfg.Auth.PollInterval)
		return nil
	})

	gate.Start(gctx)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		gate.Stop()
		mgr.Disconnect()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", "error", err)
		}
		if statusWriter != nil {
			if err := statusWriter.Stop(shutdownCtx); err != nil {
				logger.Error("status writer stop", "error", err)
			}
		}
		if eventRelay != nil {
			if err := eventRelay.Stop(shutdownCtx); err != nil {
				logger.Error("relay stop", "error", err)
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Info("hirestream stopped")
	return err
}

// newLogger builds the process logger from logging config.
func newLogger(w io.Writer, cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", cfg.Format)
}
