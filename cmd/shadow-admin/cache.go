package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ngoyal88/shadowrelay/pkg/config"
	"github.com/ngoyal88/shadowrelay/pkg/langcache"
)

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the semantic cache",
	}

	client := func(cmd *cobra.Command) (*langcache.Client, error) {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		c := langcache.New(langcache.Config{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			CacheID: cfg.CacheID,
			Timeout: cfg.Timeout(),
			Logger:  cliLogger(cmd),
		})
		if !c.Configured() {
			return nil, langcache.ErrNotConfigured
		}
		return c, nil
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check the cache backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client(cmd)
			if err != nil {
				return err
			}
			payload, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(payload)
		},
	}

	var (
		id    string
		attrs []string
	)
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a cache entry by id, or all entries matching attributes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (id == "") == (len(attrs) == 0) {
				return errors.New("pass exactly one of --id or --attr")
			}
			c, err := client(cmd)
			if err != nil {
				return err
			}
			if id != "" {
				if err := c.DeleteEntry(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted entry %s\n", id)
				return nil
			}

			filter := make(map[string]string, len(attrs))
			for _, a := range attrs {
				k, v, ok := strings.Cut(a, "=")
				if !ok || k == "" {
					return fmt.Errorf("--attr %q: want key=value", a)
				}
				filter[k] = v
			}
			if err := c.DeleteEntries(cmd.Context(), filter); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted entries matching %d attribute(s)\n", len(filter))
			return nil
		},
	}
	deleteCmd.Flags().StringVar(&id, "id", "", "entry id")
	deleteCmd.Flags().StringArrayVar(&attrs, "attr", nil, "attribute filter key=value (repeatable)")

	cmd.AddCommand(healthCmd, deleteCmd)
	return cmd
}
