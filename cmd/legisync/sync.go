package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/galois26/legisync/internal/sink"
)

// syncCmd runs a single ingestion cycle into the local store.
func syncCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one fetch-normalize-replace cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(gf)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			st, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			st.LoadFromDisk(ctx)

			sched, err := newScheduler(cfg, st, nil, logger)
			if err != nil {
				return err
			}
			n, err := sched.Reload(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d records into %s\n", n, cfg.Store.Path)
			return nil
		},
	}
}

// pushCmd fetches and normalizes the sheet, then replaces the snapshot of a
// remote instance through its trusted write endpoint. The local store is not
// touched.
func pushCmd(gf *globalFlags) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Fetch, normalize and POST the snapshot to a remote /actualizar-datos",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(gf)
			if err != nil {
				return err
			}
			if url != "" {
				cfg.Push.URL = url
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			out, err := sink.NewAPI(cfg.Push)
			if err != nil {
				return err
			}
			sched, err := newScheduler(cfg, nil, nil, logger)
			if err != nil {
				return err
			}
			records, err := sched.Collect(ctx)
			if err != nil {
				return err
			}
			if err := out.Push(ctx, records); err != nil {
				return fmt.Errorf("push %s: %w", out.Name(), err)
			}
			logger.Info("snapshot pushed", "records", len(records), "url", cfg.Push.URL)
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d records\n", len(records))
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "override push.url")
	return cmd
}
