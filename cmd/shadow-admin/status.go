package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ngoyal88/shadowrelay/pkg/config"
	"github.com/ngoyal88/shadowrelay/pkg/storage"
)

type backendStatus struct {
	name    string
	records int
	skipped int
	err     error
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show shadow mode settings and record counts per backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := cliLogger(cmd)
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			file := storage.NewFileStore(cfg.FallbackLogPath, logger)
			stores := []storage.Store{file}
			if cfg.StorageURL != "" {
				st, closer, err := storage.OpenPrimary(cfg.StorageURL, 0, logger)
				if err != nil {
					return err
				}
				defer closer.Close()
				stores = append(stores, st)
			}

			results := make([]backendStatus, len(stores))
			g, gctx := errgroup.WithContext(ctx)
			for i, st := range stores {
				i, st := i, st
				g.Go(func() error {
					res := backendStatus{name: st.Name()}
					if batch, err := st.ListAll(gctx); err != nil {
						res.err = err
					} else {
						res.records, res.skipped = len(batch.Records), batch.Skipped
					}
					results[i] = res
					return nil
				})
			}
			_ = g.Wait()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Shadow mode enabled: %t\n", cfg.ShadowModeEnabled)
			fmt.Fprintf(out, "Cache configured:    %t\n", cfg.APIKey != "" && cfg.CacheID != "" && cfg.BaseURL != "")
			fmt.Fprintf(out, "Fallback log:        %s\n\n", file.Path())

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BACKEND\tRECORDS\tSKIPPED\tSTATUS")
			for _, r := range results {
				status := "ok"
				if r.err != nil {
					status = r.err.Error()
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", r.name, r.records, r.skipped, status)
			}
			return w.Flush()
		},
	}
}
