// Package endpoint defines the contracts between the event bus and the
// outside world. An Endpoint opens Streams; a Stream moves events in both
// directions and reports which of the events written so far are durably
// acknowledged by the peer.
package endpoint

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/types"
)

// ErrClosed is returned by a Stream whose peer, or itself, has stopped.
var ErrClosed = fmt.Errorf("%w: stream closed", types.ErrTransport)

// --- Stream ---

// Stream is one open connection to a peer.
//
// Write and Flush return the number of previously written events that the
// peer has now acknowledged. A batching stream may return 0 for a while and
// then a larger count. An error wrapping types.ErrMalformedEvent from Write
// means that single event was rejected and will never be counted; any other
// error means the stream is unusable.
type Stream interface {
	// Read waits for an inbound event until deadline. It returns false with
	// a nil error when the deadline passes first. A zero deadline waits
	// until ctx is done.
	Read(ctx context.Context, deadline time.Time) (*types.Event, bool, error)
	// Write sends one event.
	Write(ctx context.Context, ev *types.Event) (int, error)
	// Flush pushes any buffered events to the peer.
	Flush(ctx context.Context) (int, error)
	// Stop flushes and closes the stream. The returned count covers the
	// events acknowledged by that final flush.
	Stop(ctx context.Context) (int, error)
}

// --- Endpoint ---

// Endpoint produces streams. A connector dials out: each Open is one
// connection attempt. An acceptor listens: each Open returns the next
// inbound peer and blocks until one arrives or ctx is done.
type Endpoint interface {
	Name() string
	IsAcceptor() bool
	Open(ctx context.Context) (Stream, error)
}

// Config describes one endpoint in the broker configuration. Params are
// specific to the endpoint type.
type Config struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Params map[string]string `yaml:"params"`
}

// Param returns the parameter key, or def when it is not set.
func (c Config) Param(key, def string) string {
	if v, ok := c.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// RequiredParam returns the parameter key or a configuration error.
func (c Config) RequiredParam(key string) (string, error) {
	v := c.Param(key, "")
	if v == "" {
		return "", fmt.Errorf("%w: endpoint %s (%s) requires parameter %q", types.ErrConfig, c.Name, c.Type, key)
	}
	return v, nil
}

// IntParam parses the parameter key as an integer.
func (c Config) IntParam(key string, def int) (int, error) {
	v := c.Param(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: endpoint %s parameter %q: %v", types.ErrConfig, c.Name, key, err)
	}
	return n, nil
}

// DurationParam parses the parameter key as a time.Duration.
func (c Config) DurationParam(key string, def time.Duration) (time.Duration, error) {
	v := c.Param(key, "")
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: endpoint %s parameter %q: %v", types.ErrConfig, c.Name, key, err)
	}
	return d, nil
}

// BoolParam parses the parameter key as a boolean.
func (c Config) BoolParam(key string, def bool) (bool, error) {
	v := c.Param(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: endpoint %s parameter %q: %v", types.ErrConfig, c.Name, key, err)
	}
	return b, nil
}
