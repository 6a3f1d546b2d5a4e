package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pkt.systems/geodispatch"
	"pkt.systems/pslog"
)

func newWorkerCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume job queues and run jobs under namespace locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runService(cmd.Context(), true, false)
		},
	}
}

func newServeCommand(a *app) *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve job submission, job status and lock status over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runService(cmd.Context(), withWorker, true)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "worker", false, "also consume queues in this process")
	return cmd
}

// runService starts telemetry, the config watcher and the requested roles,
// and blocks until ctx ends or a role fails.
func (a *app) runService(ctx context.Context, worker, serve bool) error {
	logger := a.logger("cli.service")
	cfg, err := a.serviceConfig()
	if err != nil {
		return err
	}
	logger.Info("geodispatch.start", "worker", worker, "serve", serve, "config_file", a.configFile)

	telemetry, err := geodispatch.StartTelemetry(ctx, cfg, a.logger("telemetry"))
	if err != nil {
		return err
	}
	defer shutdownTelemetry(telemetry, logger)

	svc, err := geodispatch.NewService(ctx, cfg, geodispatch.WithLogger(a.logger("")))
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("geodispatch.close.failed", "error", err)
		}
	}()

	if a.configFile != "" {
		w, err := watchConfig(a.configFile, a.v, svc, a.logger("cli.config.watch"))
		if err != nil {
			logger.Warn("config.watch.unavailable", "path", a.configFile, "error", err)
		} else {
			defer w.Close()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if worker {
		g.Go(func() error { return svc.RunWorker(gctx) })
	}
	if serve {
		g.Go(func() error { return svc.Serve(gctx) })
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("geodispatch.stop", "error", err)
	return err
}

func shutdownTelemetry(t *geodispatch.Telemetry, logger pslog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.Shutdown(ctx); err != nil {
		logger.Warn("telemetry.shutdown.failed", "error", err)
	}
}
