package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/galois26/legisync/internal/api"
)

func serveCmd(gf *globalFlags) *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the snapshot, sync it and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(gf)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			m := newMetrics()
			st, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			m.SetSnapshotRecords(st.LoadFromDisk(ctx))

			sched, err := newScheduler(cfg, st, m, logger)
			if err != nil {
				return err
			}
			if cfg.Ingest.StartupSync() {
				// failure is logged by the cycle; the persisted snapshot keeps serving
				_ = sched.Startup(ctx)
			}

			srv := api.New(cfg.Server, api.Deps{
				Store:     st,
				Scheduler: sched,
				Metrics:   m,
				Logger:    logger,
				Version:   Version,
			})
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Serve() }()
			go sched.Run(ctx)

			select {
			case <-ctx.Done():
				logger.Info("shutting down...")
			case err := <-errCh:
				if err != nil {
					logger.Error("http server", "err", err)
					return err
				}
			}
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for in-flight requests")
	return cmd
}
