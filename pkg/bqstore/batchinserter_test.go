package bqstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-eventbroker/pkg/bqstore"
	"github.com/illmade-knight/go-eventbroker/pkg/cache"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// MockDataBatchInserter is a mock implementation of bqstore.DataBatchInserter.
type MockDataBatchInserter[T any] struct {
	mu            sync.Mutex
	receivedItems [][]*T
	InsertBatchFn func(ctx context.Context, items []*T) error
}

func (m *MockDataBatchInserter[T]) InsertBatch(ctx context.Context, items []*T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertBatchFn != nil {
		if err := m.InsertBatchFn(ctx, items); err != nil {
			return err
		}
	}
	m.receivedItems = append(m.receivedItems, items)
	return nil
}

func (m *MockDataBatchInserter[T]) Close() error { return nil }

func (m *MockDataBatchInserter[T]) GetReceivedItems() [][]*T {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receivedItems
}

func newTestSink(t *testing.T, batchSize int, hosts cache.Fetcher[uint64, cache.HostInfo]) (*bqstore.Sink, *MockDataBatchInserter[bqstore.MetricRow], *MockDataBatchInserter[bqstore.StatusRow]) {
	t.Helper()
	metrics := &MockDataBatchInserter[bqstore.MetricRow]{}
	status := &MockDataBatchInserter[bqstore.StatusRow]{}
	sink, err := bqstore.NewSink("central-bigquery", endpoint.BatchConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		FlushTimeout:  2 * time.Second,
	}, metrics, status, hosts, zerolog.Nop())
	require.NoError(t, err)
	return sink, metrics, status
}

func TestSink_SplitsRowsByTable(t *testing.T) {
	ctx := context.Background()
	hosts, err := cache.NewHostCache(ctx, cache.HostCacheConfig{LRUSize: 8}, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, hosts.Write(ctx, 7, cache.HostInfo{Name: "web-07"}))

	sink, metrics, status := newTestSink(t, 3, hosts)
	assert.False(t, sink.IsAcceptor())
	stream, err := sink.Open(ctx)
	require.NoError(t, err)

	now := time.Now().UTC()
	events := []*types.Event{
		types.NewEvent(&types.Metric{MetricID: 1, HostID: 7, Name: "cpu", Value: 0.5, Time: now}).WithRouting(2, 0),
		types.NewEvent(&types.ConfigChange{InstanceID: 2, Name: "poller-2"}),
		types.NewEvent(&types.ServiceStatus{HostID: 7, ServiceID: 3, State: 2, Output: "CRITICAL"}),
		types.NewEvent(&types.HostStatus{HostID: 8, State: 0}),
	}
	acked := 0
	for _, ev := range events {
		n, err := stream.Write(ctx, ev)
		require.NoError(t, err)
		acked += n
	}
	assert.Equal(t, 4, acked, "three rows fill the batch and the skipped event rides along")

	require.Len(t, metrics.GetReceivedItems(), 1)
	m := metrics.GetReceivedItems()[0][0]
	assert.Equal(t, bqstore.MetricRow{MetricID: 1, HostID: 7, HostName: "web-07", Name: "cpu", Value: 0.5, Time: now, SourceID: 2}, *m)

	require.Len(t, status.GetReceivedItems(), 1)
	rows := status.GetReceivedItems()[0]
	require.Len(t, rows, 2)
	assert.Equal(t, bqstore.KindService, rows[0].Kind)
	assert.Equal(t, "web-07", rows[0].HostName)
	assert.Equal(t, bqstore.KindHost, rows[1].Kind)
	assert.Empty(t, rows[1].HostName, "unknown hosts stay unlabelled")

	n, err := stream.Stop(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSink_FailedInsertAcksNothing(t *testing.T) {
	ctx := context.Background()
	sink, metrics, _ := newTestSink(t, 10, nil)
	metrics.InsertBatchFn = func(context.Context, []*bqstore.MetricRow) error {
		return errors.New("quota exceeded")
	}
	stream, err := sink.Open(ctx)
	require.NoError(t, err)

	_, err = stream.Write(ctx, types.NewEvent(&types.Metric{MetricID: 1, HostID: 1}))
	require.NoError(t, err)
	n, err := stream.Stop(ctx)
	assert.ErrorIs(t, err, types.ErrTransport)
	assert.Zero(t, n)
}

func TestRegister_Params(t *testing.T) {
	ctx := context.Background()
	client, err := bigquery.NewClient(ctx, "test-project", option.WithoutAuthentication(), option.WithEndpoint("http://127.0.0.1:1"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	reg := endpoint.NewRegistry()
	require.NoError(t, bqstore.Register(reg, client, nil))

	ep, err := reg.Build(ctx, endpoint.Config{Name: "bq", Type: bqstore.Kind, Params: map[string]string{"dataset": "monitoring", "batch_size": "50"}}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "bq", ep.Name())

	_, err = reg.Build(ctx, endpoint.Config{Name: "bq", Type: bqstore.Kind}, zerolog.Nop())
	assert.ErrorIs(t, err, types.ErrConfig, "dataset is required")
}
