//go:build integration

package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-eventbroker/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreSource_Integration(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	const projectID = "test-project"
	client, err := firestore.NewClient(ctx, projectID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cfg := &cache.FirestoreConfig{ProjectID: projectID, CollectionName: "hosts"}
	source, err := cache.NewFirestoreSource[uint64, cache.HostInfo](cfg, client, zerolog.Nop())
	require.NoError(t, err)

	value := cache.HostInfo{Name: "db-01", Enabled: true}
	require.NoError(t, source.Write(ctx, 42, value))

	retrieved, err := source.Fetch(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, value, retrieved)

	require.NoError(t, source.Invalidate(ctx, 42))
	_, err = source.Fetch(ctx, 42)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}
