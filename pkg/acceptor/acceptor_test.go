package acceptor_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/acceptor"
	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/filter"
	"github.com/illmade-knight/go-eventbroker/pkg/multiplexing"
	"github.com/illmade-knight/go-eventbroker/pkg/queuefile"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func statusEvent(id uint64) *types.Event {
	return types.NewEvent(&types.HostStatus{HostID: id})
}

func testConfig(name string) acceptor.Config {
	return acceptor.Config{
		Name:          name,
		RetryInterval: 20 * time.Millisecond,
		ReadTimeout:   10 * time.Millisecond,
		ReadFilter:    filter.None(),
		WriteFilter:   filter.All(),
	}
}

func newEngine(t *testing.T) *multiplexing.Engine {
	t.Helper()
	e := multiplexing.NewEngine(zerolog.Nop())
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func observe(t *testing.T, e *multiplexing.Engine, name string) *multiplexing.Muxer {
	t.Helper()
	m, err := multiplexing.NewMuxer(name, e, multiplexing.MuxerConfig{ReadFilter: filter.All()}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func startAcceptor(t *testing.T, cfg acceptor.Config, ep endpoint.Endpoint, e *multiplexing.Engine) *acceptor.Acceptor {
	t.Helper()
	a, err := acceptor.New(cfg, ep, e, zerolog.Nop())
	require.NoError(t, err)
	a.Start()
	t.Cleanup(a.Exit)
	return a
}

func dial(t *testing.T, p *endpoint.Pipe) endpoint.Stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := p.Connector("client").Open(ctx)
	require.NoError(t, err)
	return s
}

func TestNew_RequiresListeningEndpoint(t *testing.T) {
	e := newEngine(t)
	p := endpoint.NewPipe("bus", 1)

	_, err := acceptor.New(testConfig("in"), p.Connector("out"), e, zerolog.Nop())
	assert.ErrorIs(t, err, types.ErrConfig)
	_, err = acceptor.New(acceptor.Config{}, p.Acceptor("in"), e, zerolog.Nop())
	assert.ErrorIs(t, err, types.ErrConfig)
	_, err = acceptor.New(testConfig("in"), p.Acceptor("in"), nil, zerolog.Nop())
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestNew_RemovesQueuesOfPreviousFeeders(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"pollers-feeder-0b7e.queue", "pollers-feeder-0b7e.queue.3", "sql.queue"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	cfg := testConfig("pollers")
	cfg.QueueDir = dir

	_, err := acceptor.New(cfg, endpoint.NewPipe("bus", 1).Acceptor("pollers"), newEngine(t), zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, queuefile.Exists(dir, "pollers-feeder-0b7e"))
	assert.True(t, queuefile.Exists(dir, "sql"), "queues of other muxers are kept")
}

func TestAcceptor_InboundEventsReachTheBus(t *testing.T) {
	e := newEngine(t)
	observer := observe(t, e, "observer")
	p := endpoint.NewPipe("poller", 8)
	a := startAcceptor(t, testConfig("central-broker-input"), p.Acceptor("poller"), e)

	client := dial(t, p)
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		_, err := client.Write(ctx, statusEvent(i))
		require.NoError(t, err)
	}

	for i := uint64(1); i <= 3; i++ {
		ev, ok := observer.Read(ctx, time.Now().Add(waitFor))
		require.True(t, ok)
		assert.Equal(t, i, ev.Payload.(*types.HostStatus).HostID)
	}
	require.Eventually(t, func() bool { return a.Feeders() == 1 }, waitFor, tick)

	stats := a.Stats()
	require.Len(t, stats.Feeders, 1)
	assert.Equal(t, uint64(3), stats.Feeders[0].Inbound)
	assert.Equal(t, uint64(1), stats.Accepted)

	_, err := client.Stop(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Feeders() == 0 }, waitFor, tick, "a closed peer ends its feeder only")
	assert.Len(t, e.Muxers(), 1, "the feeder muxer is unsubscribed")
}

func TestAcceptor_WriteFilterGuardsTheBus(t *testing.T) {
	e := newEngine(t)
	observer := observe(t, e, "observer")
	p := endpoint.NewPipe("poller", 8)
	cfg := testConfig("filtered-input")
	cfg.WriteFilter = filter.Of(types.TypeHostStatus)
	a := startAcceptor(t, cfg, p.Acceptor("poller"), e)

	client := dial(t, p)
	ctx := context.Background()
	_, err := client.Write(ctx, types.NewEvent(&types.Metric{MetricID: 7, Name: "pl"}))
	require.NoError(t, err)
	_, err = client.Write(ctx, statusEvent(1))
	require.NoError(t, err)

	ev, ok := observer.Read(ctx, time.Now().Add(waitFor))
	require.True(t, ok)
	assert.Equal(t, types.TypeHostStatus, ev.Type)

	require.Eventually(t, func() bool {
		s := a.Stats()
		return len(s.Feeders) == 1 && s.Feeders[0].Rejected == 1
	}, waitFor, tick)
}

func TestAcceptor_SendsSubscribedEventsToPeer(t *testing.T) {
	e := newEngine(t)
	p := endpoint.NewPipe("poller", 8)
	cfg := testConfig("bidirectional")
	cfg.ReadFilter = filter.Of(types.TypeExtCommand)
	a := startAcceptor(t, cfg, p.Acceptor("poller"), e)

	client := dial(t, p)
	require.Eventually(t, func() bool { return a.Feeders() == 1 }, waitFor, tick)

	e.Publish(statusEvent(1))
	e.Publish(types.NewEvent(&types.ExtCommand{Command: "SCHEDULE_FORCED_HOST_CHECK;srv1;0"}))

	ctx := context.Background()
	ev, ok, err := client.Read(ctx, time.Now().Add(waitFor))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.TypeExtCommand, ev.Type)

	_, ok, err = client.Read(ctx, time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, ok, "events outside the read filter are not sent")
}

func TestAcceptor_ExitJoinsAllFeeders(t *testing.T) {
	e := newEngine(t)
	p := endpoint.NewPipe("poller", 8)
	a, err := acceptor.New(testConfig("multi"), p.Acceptor("poller"), e, zerolog.Nop())
	require.NoError(t, err)
	a.Start()

	clients := []endpoint.Stream{dial(t, p), dial(t, p), dial(t, p)}
	require.Eventually(t, func() bool { return a.Feeders() == 3 }, waitFor, tick)

	start := time.Now()
	a.Exit()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, a.Feeders())
	assert.Empty(t, e.Muxers())

	for _, c := range clients {
		_, _, err := c.Read(context.Background(), time.Now().Add(time.Second))
		assert.ErrorIs(t, err, endpoint.ErrClosed)
	}
	a.Exit()
}

// flakyAcceptor fails its first opens before delegating.
type flakyAcceptor struct {
	endpoint.Endpoint
	mu       sync.Mutex
	failures int
	opens    int
}

func (f *flakyAcceptor) Open(ctx context.Context) (endpoint.Stream, error) {
	f.mu.Lock()
	f.opens++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: address already in use", types.ErrTransport)
	}
	return f.Endpoint.Open(ctx)
}

func TestAcceptor_RetriesFailedAccepts(t *testing.T) {
	e := newEngine(t)
	observer := observe(t, e, "observer")
	p := endpoint.NewPipe("poller", 8)
	ep := &flakyAcceptor{Endpoint: p.Acceptor("poller"), failures: 2}
	a := startAcceptor(t, testConfig("flaky"), ep, e)

	client := dial(t, p)
	_, err := client.Write(context.Background(), statusEvent(5))
	require.NoError(t, err)

	_, ok := observer.Read(context.Background(), time.Now().Add(waitFor))
	assert.True(t, ok)
	assert.NotEmpty(t, a.Stats().LastError)
	ep.mu.Lock()
	assert.GreaterOrEqual(t, ep.opens, 3)
	ep.mu.Unlock()
}
