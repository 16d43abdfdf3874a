package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/zhengjr9/flowise-bridge/internal/config"
	"github.com/zhengjr9/flowise-bridge/internal/logger"
	"github.com/zhengjr9/flowise-bridge/internal/metrics"
	"github.com/zhengjr9/flowise-bridge/internal/proxy"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "flowise-bridge",
		Short:         "OpenAI-compatible chat completions in front of a Flowise chatflow",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			return config.LoadEnvFile(envFile)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				fmt.Fprintln(os.Stderr, "invalid configuration:", err)
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.RegisterFlags(cmd)
	if err := config.Bind(v, cmd); err != nil {
		panic(err)
	}
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.New(logger.WithFormat(cfg.LogFormat), logger.WithDebug(cfg.Debug))
	slog.SetDefault(log)

	log.Info("starting flowise-bridge",
		"listen", cfg.ListenAddr,
		"flowise_api_url", cfg.FlowiseAPIURL,
		"chatflow_id", cfg.ChatflowID,
		"model", cfg.ModelName,
		"metrics", cfg.MetricsEnabled,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := proxy.New(cfg, log, metrics.NewCollector(nil))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			return fmt.Errorf("proxy shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		return err
	}
	log.Info("server stopped")
	return nil
}
