package main

import (
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/jdholdren/feedhook/internal/subscription"
)

func cleanupFeedsCmd(cfg config) *cli.Command {
	return &cli.Command{
		Name:  "cleanup-feeds",
		Usage: "Delete the feeds nobody subscribes to",
		Action: func(c *cli.Context) error {
			repo, closeStore, err := openStore(c.Context, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			// Feeds are neither fetched nor synced here
			removed, err := subscription.NewService(repo, nil, nil).CleanupFeeds(c.Context)
			if err != nil {
				return err
			}
			slog.InfoContext(c.Context, "cleaned up feeds", "removed", removed)

			return nil
		},
	}
}
