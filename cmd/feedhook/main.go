// Feedhook polls RSS, Atom and JSON feeds on behalf of applications and
// delivers their new entries to webhook endpoints.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sethvargo/go-envconfig"
	"github.com/urfave/cli/v2"
	_ "golang.org/x/crypto/x509roots/fallback" // TLS in scratch containers

	"github.com/jdholdren/feedhook/internal/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Parse the config
	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		log.Fatalf("error parsing config: %s", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Fatalf("error parsing log level: %s", err)
	}
	slog.SetDefault(logger.New(os.Stderr, cfg.LoggerFormat, level))

	app := &cli.App{
		Name:  "feedhook",
		Usage: "Deliver new feed entries to webhooks",
		Description: `Feedhook keeps the feeds that applications subscribe to in sync and
		posts their new entries to each subscription's endpoint.

		Configuration is read from the environment, e.g.:

		STORE_DRIVER=sqlite DATABASE=feedhook.db QUEUE_DRIVER=memory`,
		Commands: []*cli.Command{
			serveCmd(cfg),
			migrateCmd(cfg),
			cleanupFeedsCmd(cfg),
		},
		Action: func(c *cli.Context) error {
			// Show help if no command is specified
			return cli.ShowAppHelp(c)
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		slog.Error("error running", "error", err)
		os.Exit(1)
	}
}
