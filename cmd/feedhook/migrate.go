package main

import (
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/jdholdren/feedhook/internal/migrations"
	"github.com/jdholdren/feedhook/internal/sqlite"
)

func migrateCmd(cfg config) *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Bring the store's schema up to date",
		Description: `Applies the sqlite migrations, or creates the mongo indexes. With
		--down, rolls the given number of sqlite migrations back instead.`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "down",
				Usage: "Number of migrations to roll back",
			},
		},
		Action: func(c *cli.Context) error {
			down := c.Int("down")
			if down > 0 {
				if cfg.StoreDriver != "sqlite" {
					return fmt.Errorf("rolling back is only supported for sqlite")
				}

				dbx, err := sqlite.Open(cfg.Database)
				if err != nil {
					return fmt.Errorf("error opening database: %s", err)
				}
				defer dbx.Close()

				if err := migrations.Down(dbx, down); err != nil {
					return err
				}
				slog.Info("rolled back", "steps", down)
				return nil
			}

			// Opening a store migrates it
			_, closeStore, err := openStore(c.Context, cfg)
			if err != nil {
				return err
			}
			closeStore()
			slog.Info("migrated", "store", cfg.StoreDriver)

			return nil
		},
	}
}
