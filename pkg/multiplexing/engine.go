// Package multiplexing implements the in-process event bus: the Engine fans
// every published event out to the registered Muxers, and each Muxer queues
// the events its read filter accepts for one consumer, in memory first and
// in a queue file once memory is full.
package multiplexing

import (
	"sync"

	"github.com/illmade-knight/go-eventbroker/pkg/metrics"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/rs/zerolog"
)

// EngineState is the lifecycle state of an Engine.
type EngineState int

const (
	EngineNotStarted EngineState = iota
	EngineRunning
	EngineStopped
)

func (s EngineState) String() string {
	switch s {
	case EngineNotStarted:
		return "not_started"
	case EngineRunning:
		return "running"
	case EngineStopped:
		return "stopped"
	}
	return "unknown"
}

// pendingPublish is an event published before Start.
type pendingPublish struct {
	origin *Muxer
	ev     framedEvent
}

// framedEvent carries an event together with its queue file frame, encoded
// before the engine lock is taken so that spilling muxers only write bytes.
// err is set when the event cannot be encoded.
type framedEvent struct {
	ev    *types.Event
	frame []byte
	err   error
}

func frameEvents(evs []*types.Event) []framedEvent {
	out := make([]framedEvent, 0, len(evs))
	for _, ev := range evs {
		if ev == nil {
			continue
		}
		frame, err := types.EncodeFrame(ev)
		out = append(out, framedEvent{ev: ev, frame: frame, err: err})
	}
	return out
}

// Engine is the fan-out hub. Publish holds the engine lock for the whole
// broadcast, which gives every muxer the same global publish order and
// guarantees that Unsubscribe never observes a half-delivered event.
type Engine struct {
	mu      sync.Mutex
	state   EngineState
	muxers  []*Muxer
	backlog []pendingPublish
	logger  zerolog.Logger
}

// NewEngine creates an engine in the not_started state. Events published
// before Start are kept and delivered when the engine starts.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		logger: logger.With().Str("component", "Engine").Logger(),
	}
}

// Start delivers the events published so far and switches to running.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != EngineNotStarted {
		return
	}
	e.state = EngineRunning
	backlog := e.backlog
	e.backlog = nil
	for _, p := range backlog {
		e.broadcastLocked(p.origin, p.ev)
	}
	e.logger.Info().Int("backlog", len(backlog)).Int("muxers", len(e.muxers)).Msg("Multiplexing engine started.")
}

// Stop refuses any further publication. Muxers keep what they already hold.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == EngineStopped {
		return
	}
	if len(e.backlog) > 0 {
		e.logger.Warn().Int("events", len(e.backlog)).Msg("Engine stopped before start, dropping backlog.")
		metrics.EngineDroppedTotal.Add(float64(len(e.backlog)))
		e.backlog = nil
	}
	e.state = EngineStopped
	e.logger.Info().Msg("Multiplexing engine stopped.")
}

// State returns the current lifecycle state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Publish sends ev to every subscribed muxer whose read filter accepts it.
// It never blocks on a consumer: a muxer whose memory queue is full spills
// the event to its queue file.
func (e *Engine) Publish(ev *types.Event) {
	e.publish(nil, []*types.Event{ev})
}

// PublishBatch publishes several events as one ordered unit.
func (e *Engine) PublishBatch(evs []*types.Event) {
	e.publish(nil, evs)
}

// publish delivers evs to every muxer except origin.
func (e *Engine) publish(origin *Muxer, evs []*types.Event) {
	framed := frameEvents(evs)

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case EngineNotStarted:
		for _, fe := range framed {
			e.backlog = append(e.backlog, pendingPublish{origin: origin, ev: fe})
		}
		return
	case EngineStopped:
		metrics.EngineDroppedTotal.Add(float64(len(evs)))
		e.logger.Debug().Int("events", len(evs)).Msg("Engine stopped, dropping published events.")
		return
	}
	for _, fe := range framed {
		e.broadcastLocked(origin, fe)
	}
}

func (e *Engine) broadcastLocked(origin *Muxer, fe framedEvent) {
	for _, m := range e.muxers {
		if m == origin || !m.readFilter.Accepts(fe.ev.Type) {
			continue
		}
		m.publish(fe)
	}
}

// Subscribe registers m for fan-out. Subscribing twice has no effect.
func (e *Engine) Subscribe(m *Muxer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.muxers {
		if existing == m {
			return
		}
	}
	e.muxers = append(e.muxers, m)
	e.logger.Debug().Str("muxer", m.Name()).Msg("Muxer subscribed.")
}

// Unsubscribe removes m. Once it returns, m receives no further events.
func (e *Engine) Unsubscribe(m *Muxer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.muxers {
		if existing == m {
			e.muxers = append(e.muxers[:i], e.muxers[i+1:]...)
			e.logger.Debug().Str("muxer", m.Name()).Msg("Muxer unsubscribed.")
			return
		}
	}
}

// Muxers returns a snapshot of the subscribed muxers.
func (e *Engine) Muxers() []*Muxer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Muxer, len(e.muxers))
	copy(out, e.muxers)
	return out
}
