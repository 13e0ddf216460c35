package types

import "errors"

// Error kinds shared by the whole pipeline. Components wrap them with context
// and callers branch on them with errors.Is.
var (
	// ErrTransport marks a transient transport failure (connect refused, write
	// failed). Failovers and acceptors retry these.
	ErrTransport = errors.New("transport error")

	// ErrPersistence marks a local queue file failure. The affected event is
	// lost for one muxer only.
	ErrPersistence = errors.New("persistence error")

	// ErrMalformedEvent marks an event that cannot be encoded or decoded. It
	// is logged and skipped, never retried.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownEventType is returned when no codec is registered for a type.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrConfig marks a setup-time configuration error.
	ErrConfig = errors.New("configuration error")
)
