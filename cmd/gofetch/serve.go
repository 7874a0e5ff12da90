package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/datallboy/gofetch/internal/api"
	"github.com/datallboy/gofetch/internal/app"
	"github.com/datallboy/gofetch/internal/bot"
	"github.com/datallboy/gofetch/internal/engine"
	"github.com/datallboy/gofetch/internal/infra/config"
	"github.com/datallboy/gofetch/internal/infra/logger"
	"github.com/datallboy/gofetch/internal/media"
	"github.com/datallboy/gofetch/internal/network"
	"github.com/datallboy/gofetch/internal/pipeline"
	"github.com/datallboy/gofetch/internal/platform"
	"github.com/datallboy/gofetch/internal/progress"
	"github.com/datallboy/gofetch/internal/retry"
	"github.com/datallboy/gofetch/internal/splitter"
	"github.com/datallboy/gofetch/internal/store"
	"github.com/datallboy/gofetch/internal/telegram"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the network monitor and the optional status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			log, err := openLogger(cfg)
			if err != nil {
				return err
			}

			// Setup Signal Handling for Graceful Shutdown
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	if err := platform.ValidateDependencies(cfg.Download); err != nil {
		return err
	}

	tg := telegram.New(cfg.Telegram, log.Named("telegram"))

	backend, err := store.OpenBackend(ctx, cfg, log.Named("store"))
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	history := store.NewHistory(backend, cfg.Store.AuditPath, log.Named("history"))
	defer history.Close()

	netlog := network.NewStatusLog(cfg.Network.LogPath, log.Named("netlog"))
	prober := network.NewProber(tg, cfg.Network, netlog, log.Named("network"))

	ytdlp, err := media.NewCLIYtDlp(cfg.Download.YtDlpBinary)
	if err != nil {
		return err
	}
	ff, err := media.NewCLIFFmpeg(cfg.Download.FFmpegBinary, cfg.Download.FFprobeBinary)
	if err != nil {
		return err
	}

	quota, closeQuota := openQuota(ctx, cfg.Quota, log)
	defer closeQuota()

	pipe := pipeline.New(ytdlp, ff, history, quota, cfg.Download.OutDir, log.Named("pipeline"))
	split, err := splitter.New(ff, cfg.Split, log.Named("splitter"))
	if err != nil {
		return err
	}
	reporter := progress.NewReporter(tg, log.Named("progress"))

	deliverer := engine.NewDeliverer(pipe, tg, reporter, history, split, cfg.Download.DirectSendMB, log.Named("engine"))
	jobs := engine.NewJobManager(deliverer, cfg.Download.Workers, cfg.Download.QueueSize, log.Named("jobs"))

	retrier := retry.NewEngine(history, tg, prober, cfg.Retry, log.Named("retry"))
	monitor := retry.NewMonitor(prober, retrier, netlog, cfg.Network, cfg.Retry, log.Named("monitor"))
	monitor.OnHour(func(context.Context) {
		segments := split.CleanupTemp(cfg.Split.TempMaxAge)
		videos := bot.CleanupStaleVideos(log, cfg.Download.OutDir)
		log.Info("Periodic cleanup completed (%d temp segments, %d stale videos)", segments, videos)
	})

	appCtx := app.NewContext(cfg, log)
	appCtx.Telegram = tg
	appCtx.History = history
	appCtx.Network = prober
	appCtx.Progress = reporter
	appCtx.Jobs = jobs
	appCtx.Retry = retrier
	appCtx.Splitter = split

	access, err := bot.NewAccess(cfg.Access.AdminFile, cfg.Access.AllowedFile)
	if err != nil {
		return err
	}
	if access.Admins.Len() == 0 {
		log.Warn("No admins configured. Add your Telegram user ID to %s to become the first admin.", cfg.Access.AdminFile)
	}
	b := bot.New(appCtx, tg, access)

	log.Info("Starting GoFetch %s (workers=%d, store=%s)", version, cfg.Download.Workers, cfg.Store.Backend)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return jobs.Start(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return b.Run(gctx) })

	if cfg.API.Enabled {
		srv := &http.Server{
			Addr:              net.JoinHostPort("", cfg.API.Port),
			Handler:           api.NewServer(appCtx),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("Status API listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info("GoFetch stopped")
	return err
}

const redisPingTimeout = 5 * time.Second

// openQuota picks the Redis ledger when an address is configured, otherwise
// the in-memory counter that resets on restart. An unreachable Redis also
// falls back to memory so the quota never keeps the bot from starting.
func openQuota(ctx context.Context, cfg config.QuotaConfig, log *logger.Logger) (pipeline.Quota, func()) {
	if cfg.RedisAddr == "" {
		return pipeline.NewMemoryQuota(cfg.DailyLimitMB), func() {}
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		log.Warn("Redis at %s unreachable, daily quota kept in memory: %v", cfg.RedisAddr, err)
		return pipeline.NewMemoryQuota(cfg.DailyLimitMB), func() {}
	}

	log.Info("Daily quota persisted in Redis at %s", cfg.RedisAddr)
	return pipeline.NewRedisQuota(rdb, cfg.DailyLimitMB), func() { rdb.Close() }
}
