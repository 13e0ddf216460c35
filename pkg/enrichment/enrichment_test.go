package enrichment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/cache"
	"github.com/illmade-knight/go-eventbroker/pkg/enrichment"
	"github.com/illmade-knight/go-eventbroker/pkg/multiplexing"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type labelled struct {
	HostName string
}

func TestNewEnricherFunc(t *testing.T) {
	ctx := context.Background()
	fetcher := func(_ context.Context, id uint64) (cache.HostInfo, error) {
		if id == 12 {
			return cache.HostInfo{Name: "web-12"}, nil
		}
		return cache.HostInfo{}, errors.New("unknown host")
	}
	applier := func(row *labelled, info cache.HostInfo) { row.HostName = info.Name }

	enrich, err := enrichment.NewEnricherFunc(fetcher, enrichment.HostKey, applier, zerolog.Nop())
	require.NoError(t, err)

	t.Run("Known host", func(t *testing.T) {
		row := &labelled{}
		enrich(ctx, types.NewEvent(&types.ServiceStatus{HostID: 12, ServiceID: 3}), row)
		assert.Equal(t, "web-12", row.HostName)
	})

	t.Run("Unknown host leaves the row unlabelled", func(t *testing.T) {
		row := &labelled{}
		enrich(ctx, types.NewEvent(&types.Metric{HostID: 99}), row)
		assert.Empty(t, row.HostName)
	})

	t.Run("Events without host", func(t *testing.T) {
		row := &labelled{}
		enrich(ctx, types.NewEvent(&types.BAStatus{BAID: 1}), row)
		assert.Empty(t, row.HostName)
	})

	_, err = enrichment.NewEnricherFunc[uint64, cache.HostInfo, *labelled](nil, enrichment.HostKey, applier, zerolog.Nop())
	assert.Error(t, err)
}

func TestHostRegistry_RecordsHostConfig(t *testing.T) {
	engine := multiplexing.NewEngine(zerolog.Nop())
	engine.Start()
	t.Cleanup(engine.Stop)

	hosts, err := cache.NewHostCache(context.Background(), cache.HostCacheConfig{LRUSize: 16}, nil, zerolog.Nop())
	require.NoError(t, err)

	reg, err := enrichment.NewHostRegistry(engine, hosts, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)

	engine.Publish(types.NewEvent(&types.HostStatus{HostID: 5}))
	engine.Publish(types.NewEvent(&types.HostConfig{HostID: 5, Name: "db-05", Address: "10.0.0.5", Enabled: true}))

	require.Eventually(t, func() bool { return reg.Recorded() == 1 }, 2*time.Second, 10*time.Millisecond)
	info, err := hosts.Fetch(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, cache.HostInfo{Name: "db-05", Address: "10.0.0.5", Enabled: true}, info)
	assert.Zero(t, reg.Muxer().Unacknowledged())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, reg.Stop(stopCtx))
	require.NoError(t, reg.Stop(stopCtx), "stop is idempotent")
}
