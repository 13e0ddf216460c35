package failover_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/endpoint"
	"github.com/illmade-knight/go-eventbroker/pkg/filter"
	"github.com/illmade-knight/go-eventbroker/pkg/multiplexing"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// mockEndpoint is a connector whose Open fails a configurable number of
// times and whose streams record what they receive.
type mockEndpoint struct {
	name string

	mu         sync.Mutex
	failOpens  int
	opens      int
	failAfters []int
	rejectHost uint64
	batch      bool
	streams    []*mockStream
}

func newMockEndpoint(name string) *mockEndpoint {
	return &mockEndpoint{name: name}
}

func (e *mockEndpoint) Name() string     { return e.name }
func (e *mockEndpoint) IsAcceptor() bool { return false }

func (e *mockEndpoint) Open(ctx context.Context) (endpoint.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opens++
	if e.failOpens > 0 {
		e.failOpens--
		return nil, fmt.Errorf("%w: connection refused", types.ErrTransport)
	}
	s := &mockStream{rejectHost: e.rejectHost, batch: e.batch}
	if len(e.failAfters) > 0 {
		s.failAfter = e.failAfters[0]
		e.failAfters = e.failAfters[1:]
	}
	e.streams = append(e.streams, s)
	return s, nil
}

func (e *mockEndpoint) setFailOpens(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failOpens = n
}

func (e *mockEndpoint) openCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens
}

func (e *mockEndpoint) streamCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

// received returns the host ids written across every stream, in order.
func (e *mockEndpoint) received() []uint64 {
	e.mu.Lock()
	streams := append([]*mockStream(nil), e.streams...)
	e.mu.Unlock()
	var ids []uint64
	for _, s := range streams {
		ids = append(ids, s.hostIDs()...)
	}
	return ids
}

type mockStream struct {
	mu         sync.Mutex
	events     []*types.Event
	writes     int
	failAfter  int
	rejectHost uint64
	batch      bool
	unflushed  int
	stopped    bool
}

func (s *mockStream) Read(ctx context.Context, deadline time.Time) (*types.Event, bool, error) {
	return nil, false, nil
}

func (s *mockStream) Write(ctx context.Context, ev *types.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, endpoint.ErrClosed
	}
	s.writes++
	if s.failAfter > 0 && s.writes > s.failAfter {
		return 0, fmt.Errorf("%w: broken pipe", types.ErrTransport)
	}
	if st, ok := ev.Payload.(*types.HostStatus); ok && s.rejectHost != 0 && st.HostID == s.rejectHost {
		return 0, fmt.Errorf("%w: host %d cannot be serialized", types.ErrMalformedEvent, st.HostID)
	}
	s.events = append(s.events, ev)
	if s.batch {
		s.unflushed++
		return 0, nil
	}
	return 1, nil
}

func (s *mockStream) Flush(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.unflushed
	s.unflushed = 0
	return n, nil
}

func (s *mockStream) Stop(ctx context.Context) (int, error) {
	n, _ := s.Flush(ctx)
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return n, nil
}

func (s *mockStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *mockStream) hostIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.events))
	for _, ev := range s.events {
		ids = append(ids, ev.Payload.(*types.HostStatus).HostID)
	}
	return ids
}

func statusEvent(id uint64) *types.Event {
	return types.NewEvent(&types.HostStatus{HostID: id})
}

func seq(from, to uint64) []uint64 {
	var out []uint64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func newBus(t *testing.T, name string) (*multiplexing.Engine, *multiplexing.Muxer) {
	t.Helper()
	e := multiplexing.NewEngine(zerolog.Nop())
	e.Start()
	m, err := multiplexing.NewMuxer(name, e, multiplexing.MuxerConfig{
		ReadFilter:  filter.All(),
		WriteFilter: filter.All(),
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return e, m
}

func multiplexingObserver(e *multiplexing.Engine) (*multiplexing.Muxer, error) {
	return multiplexing.NewMuxer("observer", e, multiplexing.MuxerConfig{ReadFilter: filter.All()}, zerolog.Nop())
}
