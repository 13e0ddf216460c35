package multiplexing

// Tracker turns stream acknowledgement counts into muxer acknowledgements.
// Every event read from the muxer is recorded either as written (the
// stream will count it in a later ack) or as rejected (the stream will
// never count it). Rejected events are acknowledged to the muxer as soon as
// every event before them is.
//
// A Tracker belongs to the single goroutine consuming its muxer.
type Tracker struct {
	muxer    *Muxer
	inflight []bool
}

// NewTracker creates a tracker acknowledging into m.
func NewTracker(m *Muxer) *Tracker {
	return &Tracker{muxer: m}
}

// Written records an event handed to the stream.
func (t *Tracker) Written() { t.inflight = append(t.inflight, true) }

// Rejected records an event the stream refused for good. It is
// acknowledged by the next call to Ack.
func (t *Tracker) Rejected() { t.inflight = append(t.inflight, false) }

// Ack applies n stream acknowledgements and returns the number of muxer
// events acknowledged, rejected ones included. Acknowledgements beyond the
// written events are ignored and reported in excess.
func (t *Tracker) Ack(n int) (acked, excess int) {
	for len(t.inflight) > 0 {
		if t.inflight[0] {
			if n == 0 {
				break
			}
			n--
		}
		t.inflight = t.inflight[1:]
		acked++
	}
	if acked > 0 {
		t.muxer.AckEvents(acked)
	}
	return acked, n
}

// Pending returns the number of events awaiting acknowledgement.
func (t *Tracker) Pending() int { return len(t.inflight) }

// Reset forgets the pending events and rewinds the muxer so they are read
// again. It returns how many events were pending.
func (t *Tracker) Reset() int {
	n := len(t.inflight)
	t.inflight = nil
	t.muxer.NackEvents()
	return n
}
