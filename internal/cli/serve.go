package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/analyst/internal/metrics"
	"github.com/malbeclabs/analyst/internal/server"
)

const (
	defaultReadHeaderTimeout = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
)

type ServeCmd struct {
	root *rootOptions
}

func NewServeCmd(root *rootOptions) *ServeCmd {
	return &ServeCmd{root: root}
}

func (c *ServeCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ask, plan and describe_policy tools over MCP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			readHeaderTimeout, err := cmd.Flags().GetDuration("read-header-timeout")
			if err != nil {
				return fmt.Errorf("failed to get read-header-timeout flag: %w", err)
			}
			shutdownTimeout, err := cmd.Flags().GetDuration("shutdown-timeout")
			if err != nil {
				return fmt.Errorf("failed to get shutdown-timeout flag: %w", err)
			}
			requestTimeout, err := cmd.Flags().GetDuration("request-timeout")
			if err != nil {
				return fmt.Errorf("failed to get request-timeout flag: %w", err)
			}

			cfg := &c.root.cfg
			log := c.root.logger()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, log, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := server.New(server.Config{
				Logger:            log,
				Controller:        a.controller,
				Planner:           a.planner,
				Model:             a.model,
				Version:           c.root.build.Version,
				ListenAddr:        cfg.ListenAddr,
				ReadHeaderTimeout: readHeaderTimeout,
				ShutdownTimeout:   shutdownTimeout,
				RequestTimeout:    requestTimeout,
				AllowedTokens:     cfg.AllowedTokens,
			})
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			g, ctx := errgroup.WithContext(ctx)
			if cfg.MetricsAddr != "" {
				metrics.BuildInfo.WithLabelValues(c.root.build.Version, c.root.build.Commit, c.root.build.Date).Set(1)
				g.Go(func() error {
					return serveMetrics(ctx, log, cfg.MetricsAddr, readHeaderTimeout, shutdownTimeout)
				})
			}
			g.Go(func() error {
				return srv.Run(ctx)
			})

			log.Info("server: starting", "mode", cfg.Mode, "backend", cfg.Backend, "listenAddr", cfg.ListenAddr, "auth", len(cfg.AllowedTokens) > 0)
			if err := g.Wait(); err != nil {
				log.Error("server: error causing shutdown", "error", err)
				return err
			}
			log.Info("server: stopped")
			return nil
		},
	}
	cmd.Flags().Duration("read-header-timeout", defaultReadHeaderTimeout, "HTTP read header timeout")
	cmd.Flags().Duration("shutdown-timeout", defaultShutdownTimeout, "server shutdown timeout")
	cmd.Flags().Duration("request-timeout", 0, "timeout for one ask call (0 for the server default)")
	return cmd
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string, readHeaderTimeout, shutdownTimeout time.Duration) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
	}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	}
}
