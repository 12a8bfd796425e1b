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

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"webhook-bridge/handler"
	"webhook-bridge/internal/config"
	"webhook-bridge/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "webhook-bridge",
		Short:         "Ingest messaging-platform webhooks into per-tenant document stores",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(lambdaCmd())
	root.AddCommand(replayCmd())

	if err := root.Execute(); err != nil {
		slog.Error("webhook-bridge failed", "err", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway with the background worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(ctx, cfg, logger, usecase.PipelineConfig{
				Workers:       cfg.WorkerCount,
				QueueCapacity: cfg.QueueCapacity,
				WriteTimeout:  cfg.WriteTimeout,
				SyncTimeout:   cfg.SyncTimeout,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			h, err := a.handler()
			if err != nil {
				return err
			}

			a.pipeline.Start(ctx)
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Port),
				Handler:           h,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Info("http gateway listening", "addr", srv.Addr, "test_mode", cfg.TestMode, "tenants", a.tenantNames())
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			case err := <-errCh:
				if err != nil {
					a.pipeline.Stop()
					return fmt.Errorf("http server: %w", err)
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http shutdown failed", "err", err)
			}
			a.pipeline.Stop()
			return nil
		},
	}
}

func lambdaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Run as an API Gateway Lambda function, processing every webhook inline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			// A frozen Lambda sandbox cannot run background workers.
			a, err := buildApp(cmd.Context(), cfg, logger, usecase.PipelineConfig{
				Workers:       0,
				QueueCapacity: 0,
				WriteTimeout:  cfg.WriteTimeout,
				SyncTimeout:   cfg.SyncTimeout,
			})
			if err != nil {
				return err
			}
			h, err := a.handler()
			if err != nil {
				return err
			}
			lambda.Start(h.HandleAPIGateway)
			return nil
		},
	}
}

func replayCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-process recorded dead letters against the document store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DeadLetterPath == "" {
				return errors.New("replay: DEAD_LETTER_PATH is not set")
			}
			a, err := buildApp(ctx, cfg, logger, usecase.PipelineConfig{
				WriteTimeout: cfg.WriteTimeout,
				SyncTimeout:  cfg.SyncTimeout,
			})
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.replay(ctx, limit)
			logger.Info("replay finished", "replayed", res.replayed, "discarded", res.discarded, "remaining", res.remaining)
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum number of dead letters to replay")
	return cmd
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	return cfg, logger, nil
}

var _ handler.Submitter = (*usecase.Pipeline)(nil)
