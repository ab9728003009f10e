package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/urfave/cli/v2"

	"github.com/jdholdren/feedhook/internal/api"
	"github.com/jdholdren/feedhook/internal/entry"
	"github.com/jdholdren/feedhook/internal/fetch"
	"github.com/jdholdren/feedhook/internal/notify"
	"github.com/jdholdren/feedhook/internal/subscription"
	"github.com/jdholdren/feedhook/internal/syncer"
	"github.com/jdholdren/feedhook/internal/webhook"
)

func serveCmd(cfg config) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the API, the schedulers and the webhook worker",
		Description: `Runs the parts of the service enabled by RUN_API, RUN_SCHEDULER and
		RUN_WORKER. The memory queue only connects a scheduler and a worker
		running in the same process.`,
		Action: func(c *cli.Context) error {
			return serve(c.Context, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config) error {
	slog.InfoContext(ctx, "starting", "store", cfg.StoreDriver, "queue", cfg.QueueDriver,
		"api", cfg.RunAPI, "scheduler", cfg.RunScheduler, "worker", cfg.RunWorker)

	repo, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		fetcher = fetch.New(fetch.Config{
			Timeout:   cfg.FetchTimeout,
			UserAgent: cfg.UserAgent,
			CacheSize: cfg.FetchCacheSize,
		})
		entries = entry.NewStore(repo)
		feeds   = syncer.NewSyncer(repo, entries, fetcher, syncer.Config{
			LeaseTTL: cfg.FeedLeaseTTL,
			FastPath: cfg.FeedFastPath,
		})
		g run.Group
	)
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	if cfg.RunAPI {
		srv := api.NewServer(api.ServerConfig{
			Port:        cfg.Port,
			CorsOrigins: cfg.CorsOrigins,
		}, subscription.NewService(repo, fetcher, feeds), repo)

		g.Add(func() error {
			slog.InfoContext(ctx, "api listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("error listening: %s", err)
			}
			return nil
		}, func(error) {
			downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(downCtx); err != nil {
				slog.Error("error shutting down server", "error", err)
			}
		})
	}

	if !cfg.RunScheduler && !cfg.RunWorker {
		return runGroup(&g)
	}

	broker, closeBroker, err := openBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBroker()

	if cfg.RunScheduler {
		sched := syncer.NewScheduler(repo, feeds, syncer.SchedulerConfig{
			Interval:    cfg.FeedInterval,
			StaleAfter:  cfg.FeedStaleAfter,
			PageSize:    cfg.FeedPageSize,
			Concurrency: cfg.FeedConcurrency,
		})
		addActor(ctx, &g, sched.Run)

		producer := notify.NewProducer(repo, broker, notify.ProducerConfig{
			Interval:    cfg.SubscriptionInterval,
			PageSize:    cfg.SubscriptionPageSize,
			Concurrency: cfg.SubscriptionConcurrency,
		})
		addActor(ctx, &g, producer.Run)
	}

	if cfg.RunWorker {
		sender := webhook.NewSender(repo, webhook.Config{
			Timeout:   cfg.WebhookTimeout,
			UserAgent: cfg.UserAgent,
		})
		notifier := notify.NewNotifier(repo, entries, sender, notify.NotifierConfig{
			PageSize:         cfg.NotifyPageSize,
			AdvanceOnFailure: cfg.AdvanceOnFailure,
		})
		addActor(ctx, &g, notify.NewConsumer(broker, notifier).Run)
	}

	return runGroup(&g)
}

// addActor runs a loop that stops when its context is canceled.
func addActor(ctx context.Context, g *run.Group, loop func(context.Context) error) {
	ctx, cancel := context.WithCancel(ctx)
	g.Add(func() error {
		return loop(ctx)
	}, func(error) {
		cancel()
	})
}

func runGroup(g *run.Group) error {
	err := g.Run()

	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		slog.Info("shutting down", "signal", sigErr.Signal)
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
