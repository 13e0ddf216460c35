package broker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/broker"
	"github.com/illmade-knight/go-eventbroker/pkg/cache"
	"github.com/illmade-knight/go-eventbroker/pkg/config"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const downKind = "down"

// downEndpoint never connects.
type downEndpoint struct{ name string }

func (d downEndpoint) Name() string     { return d.name }
func (d downEndpoint) IsAcceptor() bool { return false }
func (d downEndpoint) Open(context.Context) (endpoint.Stream, error) {
	return nil, fmt.Errorf("%w: %s refused the connection", types.ErrTransport, d.name)
}

func newRegistry(t *testing.T, hub *endpoint.Hub) *endpoint.Registry {
	t.Helper()
	r := endpoint.NewRegistry()
	require.NoError(t, endpoint.RegisterMemory(r, hub))
	require.NoError(t, r.Register(downKind, func(_ context.Context, cfg endpoint.Config, _ zerolog.Logger) (endpoint.Endpoint, error) {
		return downEndpoint{name: cfg.Name}, nil
	}))
	return r
}

func newConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Name = "central"
	cfg.CacheDirectory = dir
	cfg.HTTPPort = ""
	return cfg
}

func output(name, kind, pipe string) config.EndpointConfig {
	return config.EndpointConfig{
		Config: endpoint.Config{
			Name:   name,
			Type:   kind,
			Params: map[string]string{"pipe": pipe},
		},
		RetryInterval: 20 * time.Millisecond,
		ReadTimeout:   20 * time.Millisecond,
	}
}

func input(name, pipe string) config.EndpointConfig {
	in := output(name, endpoint.MemoryKind, pipe)
	in.Params["role"] = "acceptor"
	return in
}

func readEvent(t *testing.T, s endpoint.Stream) *types.Event {
	t.Helper()
	ev, ok, err := s.Read(context.Background(), time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, ok, "timed out waiting for an event")
	return ev
}

func stop(t *testing.T, b *broker.Broker, timeout time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	require.NoError(t, b.Stop(ctx))
}

func TestBroker_RoutesInputsToFilteredOutputs(t *testing.T) {
	ctx := context.Background()
	hub := endpoint.NewHub()
	dir := t.TempDir()

	cfg := newConfig(dir)
	cfg.HTTPPort = ":0"
	sql := output("sql", endpoint.MemoryKind, "sql")
	sql.ReadFilters = []string{"storage"}
	cfg.Outputs = []config.EndpointConfig{sql, output("everything", endpoint.MemoryKind, "everything")}
	cfg.Inputs = []config.EndpointConfig{input("pollers", "pollers")}

	hosts := cache.NewInMemoryStore[uint64, cache.HostInfo]()
	b, err := broker.New(ctx, cfg, newRegistry(t, hub), hosts, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))

	sqlPeer, err := hub.Pipe("sql", 0).Acceptor("sql-peer").Open(ctx)
	require.NoError(t, err)
	allPeer, err := hub.Pipe("everything", 0).Acceptor("all-peer").Open(ctx)
	require.NoError(t, err)
	poller, err := hub.Pipe("pollers", 0).Connector("poller").Open(ctx)
	require.NoError(t, err)

	_, err = poller.Write(ctx, types.NewEvent(&types.HostStatus{HostID: 7, Output: "UP"}))
	require.NoError(t, err)
	_, err = poller.Write(ctx, types.NewEvent(&types.Metric{MetricID: 1, HostID: 7, Name: "cpu", Value: 0.5}))
	require.NoError(t, err)
	b.Publish(types.NewEvent(&types.HostConfig{HostID: 7, Name: "web-07", Enabled: true}))

	assert.Equal(t, types.TypeMetric, readEvent(t, sqlPeer).Type, "sql only sees storage events")
	var seen []types.EventType
	for range 3 {
		seen = append(seen, readEvent(t, allPeer).Type)
	}
	assert.ElementsMatch(t, []types.EventType{types.TypeHostStatus, types.TypeMetric, types.TypeHostConfig}, seen)

	require.Eventually(t, func() bool {
		return b.Stats().HostsRecorded == 1
	}, 2*time.Second, 10*time.Millisecond, "host registry records host configuration")
	info, err := hosts.Fetch(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "web-07", info.Name)

	snap := b.Stats()
	assert.Equal(t, "central", snap.Name)
	assert.Equal(t, "running", snap.Engine)
	require.Len(t, snap.Outputs, 2)
	require.Len(t, snap.Inputs, 1)
	assert.Len(t, snap.Inputs[0].Feeders, 1)
	assert.Equal(t, uint64(1), snap.HostsRecorded)

	resp, err := http.Get("http://localhost" + b.HTTPPort() + "/stats")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	var served broker.Snapshot
	require.NoError(t, json.Unmarshal(body, &served))
	assert.Equal(t, "central", served.Name)

	resp, err = http.Get("http://localhost" + b.HTTPPort() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stop(t, b, 2*time.Second)
	_, err = os.Stat(filepath.Join(dir, "central-stats.json"))
	assert.NoError(t, err, "final stats dump written")
}

func TestBroker_FailsOverToSecondary(t *testing.T) {
	ctx := context.Background()
	hub := endpoint.NewHub()

	cfg := newConfig(t.TempDir())
	primary := output("primary", downKind, "")
	primary.Secondaries = []string{"backup"}
	cfg.Outputs = []config.EndpointConfig{primary, output("backup", endpoint.MemoryKind, "backup")}

	b, err := broker.New(ctx, cfg, newRegistry(t, hub), nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx))
	defer stop(t, b, time.Second)

	snap := b.Stats()
	require.Len(t, snap.Outputs, 1, "a secondary does not run on its own")
	assert.Equal(t, []string{"primary", "backup"}, snap.Outputs[0].Endpoints)

	peer, err := hub.Pipe("backup", 0).Acceptor("backup-peer").Open(ctx)
	require.NoError(t, err)
	b.Publish(types.NewEvent(&types.BAStatus{BAID: 3, Level: 80}))
	ev := readEvent(t, peer)
	assert.Equal(t, types.TypeBAStatus, ev.Type)
	assert.Equal(t, "backup", b.Stats().Outputs[0].ActiveEndpoint)
}

func TestBroker_RetainsUndeliveredEventsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := newConfig(dir)
	sql := output("sql", downKind, "")
	sql.Persistent = true
	cfg.Outputs = []config.EndpointConfig{sql}

	first, err := broker.New(ctx, cfg, newRegistry(t, endpoint.NewHub()), nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx))
	for i := 1; i <= 3; i++ {
		first.Publish(types.NewEvent(&types.Metric{MetricID: uint64(i), Name: "load"}))
	}
	stop(t, first, 100*time.Millisecond)

	hub := endpoint.NewHub()
	cfg = newConfig(dir)
	sql = output("sql", endpoint.MemoryKind, "sql")
	sql.Persistent = true
	cfg.Outputs = []config.EndpointConfig{sql}

	second, err := broker.New(ctx, cfg, newRegistry(t, hub), nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	defer stop(t, second, time.Second)

	peer, err := hub.Pipe("sql", 0).Acceptor("sql-peer").Open(ctx)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		ev := readEvent(t, peer)
		require.Equal(t, types.TypeMetric, ev.Type)
		assert.Equal(t, uint64(i), ev.Payload.(*types.Metric).MetricID)
	}
}

func TestNew_ConfigErrors(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t, endpoint.NewHub())

	cfg := newConfig(t.TempDir())
	cfg.Outputs = []config.EndpointConfig{output("tcp", "tcp", "")}
	_, err := broker.New(ctx, cfg, registry, nil, zerolog.Nop())
	assert.ErrorIs(t, err, types.ErrConfig)

	cfg = newConfig(t.TempDir())
	cfg.Inputs = []config.EndpointConfig{output("not-listening", endpoint.MemoryKind, "x")}
	_, err = broker.New(ctx, cfg, registry, nil, zerolog.Nop())
	assert.ErrorIs(t, err, types.ErrConfig, "an input needs an acceptor endpoint")

	_, err = broker.New(ctx, nil, registry, nil, zerolog.Nop())
	assert.ErrorIs(t, err, types.ErrConfig)
}
