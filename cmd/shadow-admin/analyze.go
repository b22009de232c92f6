package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ngoyal88/shadowrelay/pkg/analytics"
	"github.com/ngoyal88/shadowrelay/pkg/config"
	"github.com/ngoyal88/shadowrelay/pkg/storage"
)

const (
	sourceRedis  = "redis"
	sourceFile   = "file"
	sourceSQLite = "sqlite"
	sourceAuto   = "auto"

	defaultRedisURL = "redis://localhost:6379"
)

type analyzeOptions struct {
	source     string
	file       string
	redisURL   string
	sqlitePath string
	format     string
	costPer1K  float64
	avgTokens  int
	since      string
	until      string
}

func newAnalyzeCmd(configPath *string) *cobra.Command {
	var opts analyzeOptions

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze collected shadow mode data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("file") {
				opts.file = cfg.FallbackLogPath
			}
			if !cmd.Flags().Changed("cost-per-1k") {
				opts.costPer1K = cfg.Analytics.CostPer1KTokens
			}
			if !cmd.Flags().Changed("avg-tokens-per-hit") {
				opts.avgTokens = cfg.Analytics.AvgTokensPerHit
			}
			if opts.redisURL == "" && strings.HasPrefix(cfg.StorageURL, "redis") {
				opts.redisURL = cfg.StorageURL
			}
			if opts.sqlitePath == "" && strings.HasPrefix(cfg.StorageURL, "sqlite://") {
				opts.sqlitePath = strings.TrimPrefix(cfg.StorageURL, "sqlite://")
			}
			return runAnalyze(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.source, "source", "s", sourceAuto, "data source: redis, file, sqlite or auto")
	cmd.Flags().StringVarP(&opts.file, "file", "f", storage.DefaultFallbackPath, "shadow log file")
	cmd.Flags().StringVar(&opts.redisURL, "redis-url", "", "redis url (default "+defaultRedisURL+")")
	cmd.Flags().StringVar(&opts.sqlitePath, "sqlite", "", "sqlite database path")
	cmd.Flags().StringVarP(&opts.format, "format", "o", analytics.FormatText, "output format: text, json or yaml")
	cmd.Flags().Float64Var(&opts.costPer1K, "cost-per-1k", 0.002, "USD per 1K tokens used for savings")
	cmd.Flags().IntVar(&opts.avgTokens, "avg-tokens-per-hit", 100, "token estimate for hits without recorded usage")
	cmd.Flags().StringVar(&opts.since, "since", "", "only records at or after this RFC3339 time")
	cmd.Flags().StringVar(&opts.until, "until", "", "only records before this RFC3339 time")
	return cmd
}

func runAnalyze(cmd *cobra.Command, opts analyzeOptions) error {
	since, err := parseFlagTime("since", opts.since)
	if err != nil {
		return err
	}
	until, err := parseFlagTime("until", opts.until)
	if err != nil {
		return err
	}

	logger := cliLogger(cmd)
	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()

	batch, err := loadBatch(ctx, opts, logger)
	if err != nil {
		return fmt.Errorf("load shadow data from %s: %w", opts.source, err)
	}
	if batch.Skipped > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: skipped %d malformed records\n", batch.Skipped)
	}

	report := analytics.Analyze(batch.Records, analytics.Options{
		CostPer1KTokens: opts.costPer1K,
		AvgTokensPerHit: opts.avgTokens,
		Since:           since,
		Until:           until,
		Source:          batch.Source,
		Skipped:         batch.Skipped,
	})
	return analytics.Write(cmd.OutOrStdout(), report, opts.format)
}

func loadBatch(ctx context.Context, opts analyzeOptions, logger *zap.Logger) (*storage.Batch, error) {
	switch opts.source {
	case sourceFile:
		return storage.NewFileStore(opts.file, logger).ListAll(ctx)
	case sourceRedis:
		url := opts.redisURL
		if url == "" {
			url = defaultRedisURL
		}
		return listPrimary(ctx, url, logger)
	case sourceSQLite:
		if opts.sqlitePath == "" {
			return nil, fmt.Errorf("--sqlite is required for source %q", sourceSQLite)
		}
		return listPrimary(ctx, "sqlite://"+opts.sqlitePath, logger)
	case sourceAuto, "":
		url := opts.redisURL
		if url == "" && opts.sqlitePath != "" {
			url = "sqlite://" + opts.sqlitePath
		}
		st := storage.Open(ctx, storage.Options{URL: url, FallbackPath: opts.file, Logger: logger})
		defer st.Close()
		return st.ListAll(ctx)
	default:
		return nil, fmt.Errorf("unknown source %q (want redis, file, sqlite or auto)", opts.source)
	}
}

func listPrimary(ctx context.Context, url string, logger *zap.Logger) (*storage.Batch, error) {
	st, closer, err := storage.OpenPrimary(url, 0, logger)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return st.ListAll(ctx)
}

func parseFlagTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}
