package main

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/config"
	"github.com/datallboy/gofetch/internal/infra/logger"
	"github.com/datallboy/gofetch/internal/network"
	"github.com/datallboy/gofetch/internal/platform"
	"github.com/datallboy/gofetch/internal/retry"
	"github.com/datallboy/gofetch/internal/store"
	"github.com/datallboy/gofetch/internal/telegram"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or clear the download history",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Show the most recent downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(h *store.History, _ *config.Config) error {
				printRecords(cmd.OutOrStdout(), h.Recent(cmd.Context(), limit))
				return nil
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "number of records to show")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every history record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(h *store.History, _ *config.Config) error {
				n := h.Clear(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "%s entries removed\n", humanize.Comma(int64(n)))
				return nil
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Summarize failed uploads still eligible for retry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(cmd.Context(), func(h *store.History, cfg *config.Config) error {
				printRetryStats(cmd.OutOrStdout(), h.RetryStats(cmd.Context(), cfg.Retry.MaxRetries))
				return nil
			})
		},
	}

	cmd.AddCommand(list, clearCmd, stats)
	return cmd
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Probe the network and run one retry pass over failed uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			log, err := openLogger(cfg)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			backend, err := store.OpenBackend(ctx, cfg, log.Named("store"))
			if err != nil {
				return fmt.Errorf("open history store: %w", err)
			}
			h := store.NewHistory(backend, cfg.Store.AuditPath, log.Named("history"))
			defer h.Close()

			tg := telegram.New(cfg.Telegram, log.Named("telegram"))
			netlog := network.NewStatusLog(cfg.Network.LogPath, log.Named("netlog"))
			prober := network.NewProber(tg, cfg.Network, netlog, log.Named("network"))

			status := prober.UpdateState(ctx)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Network: %s\n", status)
			if status != domain.NetworkGood {
				fmt.Fprintln(out, "Network is not good, skipping retry pass")
				return nil
			}

			stats := retry.NewEngine(h, tg, prober, cfg.Retry, log.Named("retry")).RetryPass(ctx)
			fmt.Fprintf(out, "Retried %d: %d successful, %d failed\n", stats.Attempted, stats.Successful, stats.Failed)
			return nil
		},
	}
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check external binaries and Bot API reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			out := cmd.OutOrStdout()

			failed := 0
			for _, c := range platform.CheckDependencies(cfg.Download) {
				if c.Err != nil {
					failed++
					fmt.Fprintf(out, "✗ %-8s %s: %v\n", c.Name, c.Purpose, c.Err)
					continue
				}
				fmt.Fprintf(out, "✓ %-8s %s\n", c.Name, c.Resolved)
			}

			if cfg.Telegram.Token == "" {
				fmt.Fprintln(out, "- telegram no token configured, skipping getMe")
			} else {
				tg := telegram.New(cfg.Telegram, logger.Discard())
				start := time.Now()
				if err := tg.GetMe(cmd.Context()); err != nil {
					failed++
					fmt.Fprintf(out, "✗ telegram getMe: %v\n", err)
				} else {
					fmt.Fprintf(out, "✓ telegram getMe in %s\n", time.Since(start).Round(time.Millisecond))
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

// withHistory opens the configured history store without requiring a bot token.
func withHistory(ctx context.Context, fn func(*store.History, *config.Config) error) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log, err := openLogger(cfg)
	if err != nil {
		return err
	}

	backend, err := store.OpenBackend(ctx, cfg, log.Named("store"))
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	h := store.NewHistory(backend, cfg.Store.AuditPath, log.Named("history"))
	defer h.Close()

	return fn(h, cfg)
}

func printRecords(w io.Writer, records []*domain.DownloadRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "History is empty.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tUSER\tTYPE\tSIZE\tDOWNLOAD\tUPLOAD\tRETRIES\tURL")
	for _, r := range records {
		size := humanize.IBytes(uint64(r.FileSizeMB * 1024 * 1024))
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, humanize.Time(r.Timestamp), r.UserID, r.Kind, size,
			r.DownloadStatus, r.UploadStatus, r.RetryCount, r.URL)
	}
	tw.Flush()
}

func printRetryStats(w io.Writer, s store.RetryStats) {
	fmt.Fprintf(w, "Failed uploads eligible for retry: %d\n", s.TotalFailed)
	for _, kind := range slices.Sorted(maps.Keys(s.ByType)) {
		fmt.Fprintf(w, "  %s: %d\n", kind, s.ByType[kind])
	}
	for _, count := range slices.Sorted(maps.Keys(s.ByRetryCount)) {
		fmt.Fprintf(w, "  after %d retries: %d\n", count, s.ByRetryCount[count])
	}
}
