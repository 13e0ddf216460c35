package multiplexing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/filter"
	"github.com/illmade-knight/go-eventbroker/pkg/metrics"
	"github.com/illmade-knight/go-eventbroker/pkg/queuefile"
	"github.com/illmade-knight/go-eventbroker/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// DefaultQueueMaxSize is the default in-memory bound of a muxer queue.
const DefaultQueueMaxSize = 10000

// unprocessedSuffix names the queue holding the memory events a persistent
// muxer saved when it was closed. It is read back ahead of the queue file.
const unprocessedSuffix = ".unprocessed"

// MuxerConfig holds the settings of one muxer.
type MuxerConfig struct {
	// ReadFilter selects the events the engine delivers to this muxer.
	ReadFilter filter.Set
	// WriteFilter selects the events this muxer may inject with Write.
	WriteFilter filter.Set
	// QueueMaxSize bounds the events held in memory before spilling to disk.
	QueueMaxSize int
	// QueueDir is where the queue file lives. Empty disables spilling: a full
	// memory queue then drops events.
	QueueDir string
	// QueueFile configures the queue file segments.
	QueueFile queuefile.Config
	// Offsets persists queue file commit points.
	Offsets queuefile.OffsetStore
	// Persistent keeps the queue file and the memory events across Close.
	Persistent bool
}

// entry is one event held in memory. fromFile marks events pulled from the
// queue file, which must be acknowledged there as well.
type entry struct {
	ev       *types.Event
	fromFile bool
}

// Muxer is the queue of one consumer. The engine appends to it through
// publish; a single reader consumes it with Read, AckEvents and NackEvents.
//
// Memory holds events[0:pos] (delivered, awaiting ack) and events[pos:]
// (pending). Every event in memory is older than every pending event of the
// queue file, so the two stores form one FIFO: publish only uses memory
// while the file has nothing pending, and Read only pulls from the file
// once memory has nothing pending.
type Muxer struct {
	name        string
	engine      *Engine
	cfg         MuxerConfig
	readFilter  filter.Set
	writeFilter filter.Set
	logger      zerolog.Logger

	mu     sync.Mutex
	events []entry
	pos    int
	file   *queuefile.File
	closed bool

	// available is closed and replaced when events arrive; wake is closed
	// and replaced by Wake. Readers wait on the pair they saw under mu.
	available chan struct{}
	wake      chan struct{}

	lastActivity time.Time
	published    uint64
	spilled      uint64
	dropped      uint64

	gaugeMemory  prometheus.Gauge
	gaugeFile    prometheus.Gauge
	gaugeUnacked prometheus.Gauge
	ctrPublished prometheus.Counter
	ctrSpilled   prometheus.Counter
	ctrDropped   prometheus.Counter
}

// NewMuxer creates a muxer, reattaches any backlog left on disk under its
// name and subscribes it to engine.
func NewMuxer(name string, engine *Engine, cfg MuxerConfig, logger zerolog.Logger) (*Muxer, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: muxer name cannot be empty", types.ErrConfig)
	}
	if engine == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if cfg.QueueMaxSize <= 0 {
		cfg.QueueMaxSize = DefaultQueueMaxSize
	}

	m := &Muxer{
		name:         name,
		engine:       engine,
		cfg:          cfg,
		readFilter:   cfg.ReadFilter,
		writeFilter:  cfg.WriteFilter,
		logger:       logger.With().Str("component", "Muxer").Str("muxer", name).Logger(),
		available:    make(chan struct{}),
		wake:         make(chan struct{}),
		lastActivity: time.Now(),
		gaugeMemory:  metrics.MuxerMemoryEvents.WithLabelValues(name),
		gaugeFile:    metrics.MuxerFileEvents.WithLabelValues(name),
		gaugeUnacked: metrics.MuxerUnacknowledgedEvents.WithLabelValues(name),
		ctrPublished: metrics.MuxerPublishedTotal.WithLabelValues(name),
		ctrSpilled:   metrics.MuxerSpilledTotal.WithLabelValues(name),
		ctrDropped:   metrics.MuxerDroppedTotal.WithLabelValues(name),
	}

	if cfg.QueueDir != "" {
		if err := m.loadUnprocessed(); err != nil {
			return nil, err
		}
		if queuefile.Exists(cfg.QueueDir, name) {
			if err := m.openFile(); err != nil {
				return nil, err
			}
		}
	}
	m.updateGaugesLocked()

	engine.Subscribe(m)
	m.logger.Info().
		Strs("read_filters", m.readFilter.List()).
		Strs("write_filters", m.writeFilter.List()).
		Int("memory_events", len(m.events)).
		Int("file_events", m.fileLenLocked()).
		Msg("Muxer created.")
	return m, nil
}

// loadUnprocessed moves the events saved by a previous persistent Close
// back into memory, ahead of anything in the queue file.
func (m *Muxer) loadUnprocessed() error {
	name := m.name + unprocessedSuffix
	if !queuefile.Exists(m.cfg.QueueDir, name) {
		return nil
	}
	f, err := queuefile.Open(m.cfg.QueueDir, name, m.cfg.QueueFile, nil, m.logger)
	if err != nil {
		return fmt.Errorf("failed to open unprocessed events of muxer %s: %w", m.name, err)
	}
	for {
		ev, err := f.Get()
		if err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to read unprocessed events of muxer %s: %w", m.name, err)
		}
		if ev == nil {
			break
		}
		m.events = append(m.events, entry{ev: ev})
	}
	if err := f.Remove(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to remove unprocessed events file.")
	}
	m.logger.Info().Int("events", len(m.events)).Msg("Restored unprocessed events.")
	return nil
}

func (m *Muxer) openFile() error {
	f, err := queuefile.Open(m.cfg.QueueDir, m.name, m.cfg.QueueFile, m.cfg.Offsets, m.logger)
	if err != nil {
		return err
	}
	m.file = f
	return nil
}

// Name returns the muxer name.
func (m *Muxer) Name() string { return m.name }

// ReadFilter returns the set of events delivered to this muxer.
func (m *Muxer) ReadFilter() filter.Set { return m.readFilter }

// WriteFilter returns the set of events this muxer may write.
func (m *Muxer) WriteFilter() filter.Set { return m.writeFilter }

// publish is called by the engine with its lock held.
func (m *Muxer) publish(fe framedEvent) {
	ev := fe.ev
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.lastActivity = time.Now()

	if len(m.events) < m.cfg.QueueMaxSize && m.fileLenLocked() == 0 {
		m.events = append(m.events, entry{ev: ev})
		m.acceptedLocked()
		return
	}

	if err := m.spillLocked(fe); err != nil {
		// Memory full and the queue file unusable: the event is lost for
		// this muxer only.
		m.dropped++
		m.ctrDropped.Inc()
		m.logger.Error().Err(err).Str("event", ev.String()).Msg("Failed to spill event to queue file, event dropped.")
		return
	}
	m.spilled++
	m.ctrSpilled.Inc()
	m.acceptedLocked()
}

func (m *Muxer) acceptedLocked() {
	m.published++
	m.ctrPublished.Inc()
	m.updateGaugesLocked()
	close(m.available)
	m.available = make(chan struct{})
}

func (m *Muxer) spillLocked(fe framedEvent) error {
	if m.cfg.QueueDir == "" {
		return fmt.Errorf("%w: memory queue full and no queue directory configured", types.ErrPersistence)
	}
	if m.file == nil {
		if err := m.openFile(); err != nil {
			return err
		}
		m.logger.Info().Str("queue_file", m.file.Path()).Int("memory_events", len(m.events)).Msg("Memory queue full, spilling to queue file.")
	}
	if fe.err != nil {
		return fe.err
	}
	return m.file.AddFrame(fe.frame)
}

// Write injects ev into the bus on behalf of this muxer's consumer. Every
// other muxer may receive it; this one does not. Events outside the write
// filter are ignored and Write reports false.
func (m *Muxer) Write(ev *types.Event) bool {
	if ev == nil || !m.writeFilter.Accepts(ev.Type) {
		if ev != nil {
			m.logger.Debug().Str("event", ev.String()).Msg("Event rejected by write filter.")
		}
		return false
	}
	m.engine.publish(m, []*types.Event{ev})
	return true
}

// Read removes and returns the oldest pending event. It blocks until an
// event is available, the deadline passes, ctx is done or Wake is called;
// in those last three cases it returns false. A zero deadline means no
// deadline.
func (m *Muxer) Read(ctx context.Context, deadline time.Time) (*types.Event, bool) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		m.mu.Lock()
		if ev := m.nextLocked(); ev != nil {
			m.updateGaugesLocked()
			m.mu.Unlock()
			return ev, true
		}
		if m.closed {
			m.mu.Unlock()
			return nil, false
		}
		available, wake := m.available, m.wake
		m.mu.Unlock()

		select {
		case <-available:
		case <-wake:
			return nil, false
		case <-ctx.Done():
			return nil, false
		case <-timeout:
			return nil, false
		}
	}
}

func (m *Muxer) nextLocked() *types.Event {
	if m.pos < len(m.events) {
		ev := m.events[m.pos].ev
		m.pos++
		return ev
	}
	if m.file == nil {
		return nil
	}
	ev, err := m.file.Get()
	if err != nil {
		m.discardFileLocked(err)
		return nil
	}
	if ev == nil {
		return nil
	}
	m.events = append(m.events, entry{ev: ev, fromFile: true})
	m.pos++
	return ev
}

// discardFileLocked gives up on a queue file that can no longer be read.
// Its unread events are counted as dropped and the file is removed, so
// later events go to memory or to a fresh file. Delivered events stay in
// memory but are no longer tied to the file.
func (m *Muxer) discardFileLocked(readErr error) {
	lost := m.file.Len()
	m.logger.Error().Err(readErr).Int("dropped", lost).Msg("Queue file unreadable, dropping its pending events.")
	if err := m.file.Remove(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to remove unreadable queue file.")
	}
	m.file = nil
	for i := range m.events {
		m.events[i].fromFile = false
	}
	m.dropped += uint64(lost)
	m.ctrDropped.Add(float64(lost))
	m.updateGaugesLocked()
}

// Wake makes every Read currently blocked return false.
func (m *Muxer) Wake() {
	m.mu.Lock()
	defer m.mu.Unlock()
	close(m.wake)
	m.wake = make(chan struct{})
}

// AckEvents permanently discards the n oldest delivered events. Acking more
// events than were read is a caller bug and panics.
func (m *Muxer) AckEvents(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.pos {
		panic(fmt.Sprintf("muxer %s: ack of %d events but only %d delivered", m.name, n, m.pos))
	}

	fromFile := 0
	for i := 0; i < n; i++ {
		if m.events[i].fromFile {
			fromFile++
		}
		m.events[i] = entry{}
	}
	m.events = m.events[n:]
	m.pos -= n

	if fromFile > 0 && m.file != nil {
		if err := m.file.Ack(fromFile); err != nil {
			m.logger.Error().Err(err).Int("events", fromFile).Msg("Failed to commit acknowledged events in queue file.")
		}
	}
	m.updateGaugesLocked()
}

// NackEvents rewinds the read cursor: every delivered but unacknowledged
// event will be returned again by Read, in the same order.
func (m *Muxer) NackEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pos == 0 {
		return
	}
	m.logger.Debug().Int("events", m.pos).Msg("Rewinding unacknowledged events.")
	m.pos = 0
	m.updateGaugesLocked()
	close(m.available)
	m.available = make(chan struct{})
}

// Pending returns the number of events waiting to be read.
func (m *Muxer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events) - m.pos + m.fileLenLocked()
}

// Unacknowledged returns the number of events read and not yet acknowledged.
func (m *Muxer) Unacknowledged() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos
}

// Empty reports whether every event has been read and acknowledged.
func (m *Muxer) Empty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events) == 0 && m.fileLenLocked() == 0
}

func (m *Muxer) fileLenLocked() int {
	if m.file == nil {
		return 0
	}
	return m.file.Len()
}

func (m *Muxer) updateGaugesLocked() {
	m.gaugeMemory.Set(float64(len(m.events) - m.pos))
	m.gaugeFile.Set(float64(m.fileLenLocked()))
	m.gaugeUnacked.Set(float64(m.pos))
}

// Stats is a JSON-able snapshot of a muxer.
type Stats struct {
	Name                 string    `json:"name"`
	Persistent           bool      `json:"persistent"`
	ReadFilters          []string  `json:"read_filters"`
	WriteFilters         []string  `json:"write_filters"`
	QueueMaxSize         int       `json:"event_queue_max_size"`
	MemoryEvents         int       `json:"memory_events"`
	FileEvents           int       `json:"file_events"`
	UnacknowledgedEvents int       `json:"unacknowledged_events"`
	QueueFile            string    `json:"queue_file,omitempty"`
	Published            uint64    `json:"published"`
	Spilled              uint64    `json:"spilled"`
	Dropped              uint64    `json:"dropped"`
	LastActivity         time.Time `json:"last_activity"`
}

// Stats returns a snapshot of the queue depths and counters.
func (m *Muxer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		Name:                 m.name,
		Persistent:           m.cfg.Persistent,
		ReadFilters:          m.readFilter.List(),
		WriteFilters:         m.writeFilter.List(),
		QueueMaxSize:         m.cfg.QueueMaxSize,
		MemoryEvents:         len(m.events) - m.pos,
		FileEvents:           m.fileLenLocked(),
		UnacknowledgedEvents: m.pos,
		Published:            m.published,
		Spilled:              m.spilled,
		Dropped:              m.dropped,
		LastActivity:         m.lastActivity,
	}
	if m.file != nil {
		s.QueueFile = m.file.Path()
	}
	return s
}

// Close unsubscribes the muxer and wakes any blocked reader. A persistent
// muxer saves its memory events and keeps its queue file for the next
// process; any other muxer deletes its queue file.
func (m *Muxer) Close() error {
	m.engine.Unsubscribe(m)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.wake)
	m.wake = make(chan struct{})

	defer func() {
		metrics.MuxerMemoryEvents.DeleteLabelValues(m.name)
		metrics.MuxerFileEvents.DeleteLabelValues(m.name)
		metrics.MuxerUnacknowledgedEvents.DeleteLabelValues(m.name)
	}()

	if !m.cfg.Persistent {
		if len(m.events) > 0 {
			m.logger.Warn().Int("events", len(m.events)).Msg("Closing non-persistent muxer with events in memory.")
		}
		m.events, m.pos = nil, 0
		if m.file != nil {
			if err := m.file.Remove(); err != nil {
				return fmt.Errorf("failed to remove queue file of muxer %s: %w", m.name, err)
			}
			m.file = nil
		}
		return nil
	}

	err := m.saveMemoryLocked()
	if m.file != nil {
		if cerr := m.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		m.file = nil
	}
	return err
}

// saveMemoryLocked writes every memory event, acknowledged or not, to the
// unprocessed queue. Events that came from the queue file are then
// committed there, since the unprocessed queue now holds them.
func (m *Muxer) saveMemoryLocked() error {
	if len(m.events) == 0 || m.cfg.QueueDir == "" {
		return nil
	}
	f, err := queuefile.Open(m.cfg.QueueDir, m.name+unprocessedSuffix, m.cfg.QueueFile, nil, m.logger)
	if err != nil {
		return fmt.Errorf("failed to save memory events of muxer %s: %w", m.name, err)
	}
	fromFile := 0
	for _, e := range m.events {
		if err := f.Add(e.ev); err != nil {
			if errors.Is(err, types.ErrMalformedEvent) {
				m.logger.Warn().Err(err).Msg("Skipping malformed event while saving memory queue.")
				continue
			}
			_ = f.Remove()
			return fmt.Errorf("failed to save memory events of muxer %s: %w", m.name, err)
		}
		if e.fromFile {
			fromFile++
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if fromFile > 0 && m.file != nil {
		if err := m.file.Ack(fromFile); err != nil {
			return fmt.Errorf("failed to commit saved events of muxer %s: %w", m.name, err)
		}
	}
	m.logger.Info().Int("events", len(m.events)).Msg("Saved memory events for the next start.")
	m.events, m.pos = nil, 0
	return nil
}
