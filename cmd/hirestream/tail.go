package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rickgao/hirestream/internal/auth"
	"github.com/rickgao/hirestream/internal/config"
	"github.com/rickgao/hirestream/internal/connection"
	"github.com/rickgao/hirestream/internal/router"
)

// summaryFields are printed, when present, in the one-line form of an envelope.
var summaryFields = []string{"application_id", "job_id", "status", "event_id"}

func tailCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
		types      []string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream realtime events to the console",
		Long: `Open the realtime connection with the configured token and print
every event of the selected types until interrupted.

Examples:
  hirestream tail
  hirestream tail --type application_status --type job_match --verbose`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return tail(ctx, cmd.OutOrStdout(), configPath, envFile, types, verbose)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "configs/hirestream.yaml", "path to config file")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before the config")
	cmd.Flags().StringSliceVarP(&types, "type", "t", []string{"application_status", "job_match"}, "event types to print")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print full message JSON")

	return cmd
}

func tail(ctx context.Context, out io.Writer, configPath, envFile string, types []string, verbose bool) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return err
	}

	// Logs go to stderr so stdout stays a clean event stream.
	logger, err := newLogger(os.Stderr, cfg.Logging)
	if err != nil {
		return err
	}

	tokens := auth.NewFileTokenSource(cfg.Auth.TokenFile, logger)
	if err := tokens.Reload(); err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	if !auth.Usable(tokens) {
		return fmt.Errorf("%w: no usable access token in %s", connection.ErrNotAuthenticated, cfg.Auth.TokenFile)
	}

	rt := router.NewRouter(logger, nil)
	queue := router.NewQueue[router.Envelope](256)
	for _, t := range types {
		rt.Subscribe(t, router.Enqueue(queue))
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
		connection.WithSocketConfig(connection.SocketConfig{
			HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
			WriteTimeout:     cfg.Realtime.WriteTimeout,
			PingInterval:     cfg.Realtime.PingInterval,
			PongWait:         cfg.Realtime.PongWait,
		}),
	)
	defer mgr.Disconnect()

	unsubscribe := mgr.OnStateChange(func(c connection.StateChange) {
		if c.Err != nil {
			logger.Info("connection state", "from", c.From, "to", c.To, "error", c.Err)
			return
		}
		logger.Info("connection state", "from", c.From, "to", c.To)
	})
	defer unsubscribe()

	if err := mgr.Connect(ctx); err != nil {
		if errors.Is(err, connection.ErrCircuitDisabled) || ctx.Err() != nil {
			return fmt.Errorf("connect: %w", err)
		}
		logger.Warn("initial connect failed, retrying", "error", err)
	}
	logger.Info("streaming started - press Ctrl+C to stop", "types", types)

	stats := time.NewTicker(10 * time.Second)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, env := range queue.Drain(0) {
				fmt.Fprintln(out, formatEnvelope(env, verbose))
			}
			logger.Info("shutdown complete")
			return nil
		case <-queue.Ready():
			for _, env := range queue.Drain(0) {
				fmt.Fprintln(out, formatEnvelope(env, verbose))
			}
		case <-stats.C:
			rs := rt.Stats()
			ms := mgr.Stats()
			if ms.Disabled {
				return fmt.Errorf("connection disabled: %w", ms.LastError)
			}
			logger.Info("stats",
				"state", ms.State,
				"reconnect_attempts", ms.ReconnectAttempts,
				"router_received", rs.MessagesReceived,
				"router_routed", rs.MessagesRouted,
				"parse_errors", rs.ParseErrors,
				"unrouted", rs.UnroutedMessages,
			)
		}
	}
}

// formatEnvelope renders env as "[TYPE] k=v ..." or, when verbose, indented JSON.
func formatEnvelope(env router.Envelope, verbose bool) string {
	label := "[" + strings.ToUpper(env.Type) + "]"

	if verbose {
		var buf bytes.Buffer
		if err := json.Indent(&buf, env.Raw, "", "  "); err != nil {
			return label + " " + string(env.Raw)
		}
		return label + " " + buf.String()
	}

	var parts []string
	for _, name := range summaryFields {
		raw, ok := env.Field(name)
		if !ok {
			continue
		}
		parts = append(parts, name+"="+scalar(raw))
	}
	if len(parts) == 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(env.Raw, &fields); err == nil {
			keys := make([]string, 0, len(fields))
			for k := range fields {
				if k != "type" {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			return fmt.Sprintf("%s fields=%s", label, strings.Join(keys, ","))
		}
	}
	return label + " " + strings.Join(parts, " ")
}

// scalar unquotes JSON strings and leaves other values as written.
func scalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
