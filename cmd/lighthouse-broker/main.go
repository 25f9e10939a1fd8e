// Command lighthouse-broker runs the Lighthouse coordination broker: the
// event log, authenticator, session validator, speed-layer dispatcher,
// expert registry, elicitation manager, and project projection, fronted by
// an HTTP/WebSocket API.
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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tachyon-beep/lighthouse/pkg/api"
	"github.com/tachyon-beep/lighthouse/pkg/broker"
	"github.com/tachyon-beep/lighthouse/pkg/config"
	"github.com/tachyon-beep/lighthouse/pkg/version"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, config.ErrMissingBrokerSecret) {
			os.Exit(4)
		}
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var envPath string

	cmd := &cobra.Command{
		Use:     "lighthouse-broker",
		Short:   "Run the Lighthouse coordination broker",
		Version: version.Full(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, envPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "./config/broker.yaml", "path to broker configuration file")
	cmd.Flags().StringVar(&envPath, "env-file", "./config/.env", "path to .env file (missing file is not an error)")
	return cmd
}

func runServe(configPath, envPath string) error {
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("no .env file loaded", "path", envPath, "error", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	b, err := broker.New(toBrokerConfig(cfg))
	if err != nil {
		return fmt.Errorf("construct broker: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := b.Run(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}

	server := api.NewServer(b)
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("lighthouse-broker listening", "addr", cfg.HTTPAddr)
		if err := server.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			slog.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := b.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("broker shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// toBrokerConfig adapts the file-loaded pkg/config.Config into the broker's
// own Config shape. Kept here rather than in pkg/config so that package has
// no dependency on pkg/broker.
func toBrokerConfig(cfg *config.Config) broker.Config {
	def := cfg.RateLimitFor("default")
	return broker.Config{
		DataDir:                   cfg.DataDir,
		NodeID:                    cfg.NodeID,
		BrokerSecret:              []byte(cfg.BrokerSecret),
		MaxEventSize:              int(cfg.MaxEventSize),
		SegmentSize:               cfg.SegmentSize,
		MemoryCacheSize:           cfg.MemoryCacheSize,
		PolicyRulesPath:           cfg.PolicyRulesPath,
		ExpertTimeout:             cfg.ExpertTimeout(),
		ElicitationDefaultTimeout: cfg.ElicitationDefaultTimeout(),
		ElicitationMaxTimeout:     cfg.ElicitationMaxTimeout(),
		RateLimitPerSecond:        def.PerSecond,
		RateLimitBurst:            def.Burst,
		SessionIdleTimeout:        cfg.SessionTTL(),
		TokenTTL:                  cfg.TokenTTL(),
		SubscriptionBufferSize:    cfg.SubscriptionBufferSize,
		LivenessSweepInterval:     5 * time.Second,
		SessionGCInterval:         time.Minute,
	}
}
