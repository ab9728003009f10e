package main

import (
	"context"
	"fmt"

	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/mongo"
	"github.com/jdholdren/feedhook/internal/sqlite"
)

// openStore connects to the configured store and brings its schema up to
// date. The returned function closes it.
func openStore(ctx context.Context, cfg config) (feedhook.Repository, func(), error) {
	switch cfg.StoreDriver {
	case "sqlite":
		dbx, err := sqlite.Open(cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("error opening database: %s", err)
		}

		return sqlite.New(dbx), func() { dbx.Close() }, nil
	case "mongo":
		client, err := mongo.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, fmt.Errorf("error connecting to mongo: %s", err)
		}
		repo := mongo.New(client.Database(cfg.MongoDatabase))
		if err := repo.EnsureIndexes(ctx); err != nil {
			client.Disconnect(context.WithoutCancel(ctx))
			return nil, nil, fmt.Errorf("error ensuring indexes: %s", err)
		}

		return repo, func() { client.Disconnect(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
