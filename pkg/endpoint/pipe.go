package endpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
)

// MemoryKind is the registry name of the in-process pipe endpoints.
const MemoryKind = "memory"

// DefaultPipeBuffer is the number of events a pipe direction holds before
// Write blocks.
const DefaultPipeBuffer = 256

// Pipe connects connector and acceptor endpoints inside one process. Each
// connector Open creates a new connection that the next acceptor Open
// returns.
type Pipe struct {
	name    string
	buffer  int
	pending chan *pipeStream
}

// NewPipe creates a pipe whose connections buffer up to buffer events in
// each direction.
func NewPipe(name string, buffer int) *Pipe {
	if buffer <= 0 {
		buffer = DefaultPipeBuffer
	}
	return &Pipe{
		name:    name,
		buffer:  buffer,
		pending: make(chan *pipeStream, 16),
	}
}

// Connector returns an endpoint dialing into the pipe.
func (p *Pipe) Connector(name string) Endpoint {
	return &pipeEndpoint{name: name, pipe: p}
}

// Acceptor returns an endpoint accepting the pipe's connections.
func (p *Pipe) Acceptor(name string) Endpoint {
	return &pipeEndpoint{name: name, pipe: p, acceptor: true}
}

func (p *Pipe) connect(ctx context.Context) (Stream, error) {
	local, remote := newPipeConn(p.buffer)
	select {
	case p.pending <- remote:
		return local, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("%w: pipe %s has no room for another connection", types.ErrTransport, p.name)
	}
}

func (p *Pipe) accept(ctx context.Context) (Stream, error) {
	select {
	case s := <-p.pending:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pipeEndpoint struct {
	name     string
	pipe     *Pipe
	acceptor bool
}

func (e *pipeEndpoint) Name() string     { return e.name }
func (e *pipeEndpoint) IsAcceptor() bool { return e.acceptor }

func (e *pipeEndpoint) Open(ctx context.Context) (Stream, error) {
	if e.acceptor {
		return e.pipe.accept(ctx)
	}
	return e.pipe.connect(ctx)
}

// pipeStream is one side of a connection. Data channels are never closed;
// each side signals shutdown by closing its own done channel.
type pipeStream struct {
	in       <-chan *types.Event
	out      chan<- *types.Event
	done     chan struct{}
	peerDone <-chan struct{}
	stopOnce sync.Once
}

func newPipeConn(buffer int) (*pipeStream, *pipeStream) {
	ab := make(chan *types.Event, buffer)
	ba := make(chan *types.Event, buffer)
	a := &pipeStream{in: ba, out: ab, done: make(chan struct{})}
	b := &pipeStream{in: ab, out: ba, done: make(chan struct{})}
	a.peerDone, b.peerDone = b.done, a.done
	return a, b
}

func (s *pipeStream) Read(ctx context.Context, deadline time.Time) (*types.Event, bool, error) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case ev := <-s.in:
		return ev, true, nil
	case <-s.done:
		return nil, false, ErrClosed
	case <-s.peerDone:
		// Hand out what the peer wrote before stopping.
		select {
		case ev := <-s.in:
			return ev, true, nil
		default:
			return nil, false, ErrClosed
		}
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-timeout:
		return nil, false, nil
	}
}

func (s *pipeStream) Write(ctx context.Context, ev *types.Event) (int, error) {
	select {
	case <-s.done:
		return 0, ErrClosed
	case <-s.peerDone:
		return 0, ErrClosed
	default:
	}
	select {
	case s.out <- ev:
		return 1, nil
	case <-s.done:
		return 0, ErrClosed
	case <-s.peerDone:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *pipeStream) Flush(context.Context) (int, error) { return 0, nil }

func (s *pipeStream) Stop(context.Context) (int, error) {
	s.stopOnce.Do(func() { close(s.done) })
	return 0, nil
}

// Hub holds the named pipes used by memory endpoints, so that a memory
// connector and a memory acceptor configured with the same pipe name meet.
type Hub struct {
	mu    sync.Mutex
	pipes map[string]*Pipe
}

func NewHub() *Hub {
	return &Hub{pipes: make(map[string]*Pipe)}
}

// Pipe returns the pipe called name, creating it on first use.
func (h *Hub) Pipe(name string, buffer int) *Pipe {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pipes[name]
	if !ok {
		p = NewPipe(name, buffer)
		h.pipes[name] = p
	}
	return p
}

// RegisterMemory registers the memory endpoint kind on r. Parameters:
// "pipe" (defaults to the endpoint name), "role" (connector or acceptor,
// default connector) and "buffer".
func RegisterMemory(r *Registry, hub *Hub) error {
	return r.Register(MemoryKind, func(_ context.Context, cfg Config, _ zerolog.Logger) (Endpoint, error) {
		buffer, err := cfg.IntParam("buffer", DefaultPipeBuffer)
		if err != nil {
			return nil, err
		}
		p := hub.Pipe(cfg.Param("pipe", cfg.Name), buffer)
		switch role := cfg.Param("role", "connector"); role {
		case "connector":
			return p.Connector(cfg.Name), nil
		case "acceptor":
			return p.Acceptor(cfg.Name), nil
		default:
			return nil, fmt.Errorf("%w: memory endpoint %s has unknown role %q", types.ErrConfig, cfg.Name, role)
		}
	})
}
