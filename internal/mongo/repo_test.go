package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jdholdren/feedhook/internal/feedhook"
	"github.com/jdholdren/feedhook/internal/feedhook/feedhooktest"
)

// Runs against a live server, e.g. FEEDHOOK_TEST_MONGO_URI=mongodb://localhost:27017
func TestRepository(t *testing.T) {
	uri := os.Getenv("FEEDHOOK_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("FEEDHOOK_TEST_MONGO_URI not set")
	}

	ctx := context.Background()
	client, err := Connect(ctx, uri)
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(ctx) })

	feedhooktest.RunRepositoryTests(t, func(t *testing.T) feedhook.Repository {
		db := client.Database(fmt.Sprintf("feedhook_test_%d", time.Now().UnixNano()))
		t.Cleanup(func() { db.Drop(ctx) })

		repo := New(db)
		require.NoError(t, repo.EnsureIndexes(ctx))

		return repo
	})
}
