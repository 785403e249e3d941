package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"garment_processor/internal/logging"
	"garment_processor/internal/models"
	"garment_processor/internal/queue"
	"garment_processor/internal/server"
	"garment_processor/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// cli carries what every subcommand needs once flags are parsed.
type cli struct {
	configPath string
	cfg        *models.Config
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "garment-processor",
		Short:         "Garment image processing service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := models.LoadConfig(c.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log, os.Stdout)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			c.cfg, c.logger = cfg, logger
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "config.yaml", "Configuration file path")

	root.AddCommand(
		newServeCommand(c),
		newMigrateCommand(c),
		newRetryCommand(c),
		newReclaimCommand(c),
	)
	return root
}

func newServeCommand(c *cli) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, pipeline dispatch and stall sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, c, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply database migrations before serving")
	return cmd
}

func runServe(ctx context.Context, c *cli, migrate bool) error {
	logger := c.logger
	if migrate {
		if err := storage.Migrate(c.cfg.DatabaseURL, logger); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, c.cfg, logger)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	var consumerDone chan struct{}
	if c.cfg.Dispatch == models.DispatchKafka {
		consumer := queue.NewConsumer(c.cfg.Kafka, a.runner, logger.With("component", "consumer"))
		consumerDone = make(chan struct{})
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil {
				logger.Error("job consumer stopped", logging.Error(err))
			}
		}()
	}

	go func() {
		defer close(done)
		a.coordinator.RunSweeper(ctx)
	}()

	srv := server.NewServer(c.cfg, a.coordinator, a.progressSource(), logger.With("component", "http"))
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	logger.Info("garment processor started",
		"addr", c.cfg.ServerAddr, "dispatch", c.cfg.Dispatch, "storage_path", c.cfg.StoragePath)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-srvErr:
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("http shutdown", logging.Error(err))
	}
	<-done
	if consumerDone != nil {
		<-consumerDone
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", logging.Error(err))
	}
	return runErr
}

func newMigrateCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return storage.Migrate(c.cfg.DatabaseURL, c.logger)
		},
	}
}

func newRetryCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <image-id>",
		Short: "Retry processing of a failed image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid image id: %w", err)
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			if _, err := a.coordinator.RetryProcessing(ctx, id); err != nil {
				return err
			}
			if a.detached == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "retry of %s queued\n", id)
				return nil
			}

			a.detached.Wait()
			rec, err := a.coordinator.Get(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s", id, rec.Status)
			if rec.Error != "" {
				fmt.Fprintf(cmd.OutOrStdout(), " (%s)", rec.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}
}

func newReclaimCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Fail stalled runs and re-dispatch stale pending images once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			res, err := a.coordinator.Reclaim(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "stalled: %d, redispatched: %d\n", len(res.Stalled), len(res.Redispatched))
			if err != nil {
				return err
			}
			if a.detached != nil {
				a.detached.Wait()
			}
			return nil
		},
	}
}
