package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/aschepis/backscratcher/relay/metrics"
	"github.com/aschepis/backscratcher/relay/runtime"
	"github.com/aschepis/backscratcher/relay/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Addr            string
	NoSync          bool
	ShutdownTimeout time.Duration
	SyncTimeout     time.Duration
}

func createServeCommand(global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP intake, scheduled sync and metrics endpoint",
		Long: `Start the relay daemon. Requests arrive on POST /v1/requests, template
syncs can be triggered on POST /v1/templates/{ref}/sync, and when sync.schedule
is set every template is reconciled on that schedule.

Examples:
  relay serve
  relay serve --addr :8085 --pretty`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(global)
			if err != nil {
				return err
			}
			defer a.close()
			return runServe(cmd.Context(), a, flags)
		},
	}
	cmd.Flags().StringVar(&flags.Addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&flags.NoSync, "no-sync", false, "disable the scheduled template sync")
	cmd.Flags().DurationVar(&flags.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "time to wait for in-flight requests on shutdown")
	cmd.Flags().DurationVar(&flags.SyncTimeout, "sync-timeout", 30*time.Minute, "deadline for one scheduled sync pass")
	return cmd
}

func runServe(parent context.Context, a *app, flags *ServeFlags) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	orch, err := a.buildOrchestrator(ctx)
	if err != nil {
		return err
	}
	syncer, err := a.synchronizer()
	if err != nil {
		return err
	}
	store, err := a.templateStore()
	if err != nil {
		return err
	}

	if a.cfg.Sync.Schedule != "" && !flags.NoSync {
		scheduler, err := runtime.NewSyncScheduler(syncer, a.cfg.Sync.Schedule, flags.SyncTimeout, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create sync scheduler: %w", err)
		}
		go scheduler.Start(ctx)
		a.logger.Info().Str("schedule", a.cfg.Sync.Schedule).Msg("Background sync scheduler started")
	}

	addr := a.cfg.Server.Addr
	if flags.Addr != "" {
		addr = flags.Addr
	}
	srv := server.New(server.Config{Addr: addr, Version: version, Logger: a.logger}, server.Deps{
		Executor:  orch,
		Templates: store,
		Syncer:    syncer,
		Tools:     a.registry,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info().Msg("Received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), flags.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	a.logger.Info().Msg("relay stopped")
	return nil
}
