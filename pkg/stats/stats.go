// Package stats publishes JSON snapshots of the broker: served over HTTP and
// dumped periodically to a file.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is the default period of file dumps.
const DefaultInterval = 5 * time.Second

// Provider returns the current snapshot. It must be safe to call from any
// goroutine.
type Provider func() any

// Dumper writes the provider's snapshot to a file every interval.
type Dumper struct {
	provider Provider
	path     string
	interval time.Duration
	logger   zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewDumper creates a dumper writing to path. An empty path disables file
// dumps; the dumper can still serve snapshots over HTTP.
func NewDumper(provider Provider, path string, interval time.Duration, logger zerolog.Logger) *Dumper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Dumper{
		provider: provider,
		path:     path,
		interval: interval,
		logger:   logger.With().Str("component", "StatsDumper").Str("path", path).Logger(),
	}
}

// Start begins periodic dumps.
func (d *Dumper) Start(ctx context.Context) {
	if d.path == "" {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.WriteFile(); err != nil {
					d.logger.Warn().Err(err).Msg("Failed to dump stats.")
				}
			}
		}
	}()
}

// Stop ends periodic dumps and writes a final snapshot.
func (d *Dumper) Stop() error {
	if d.cancel == nil {
		return nil
	}
	d.cancel()
	d.wg.Wait()
	return d.WriteFile()
}

// WriteFile writes one snapshot. The file is replaced atomically so readers
// never see a partial document.
func (d *Dumper) WriteFile() error {
	if d.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(d.provider(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(d.path), filepath.Base(d.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create stats file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write stats file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close stats file: %w", err)
	}
	return os.Rename(tmp.Name(), d.path)
}

// ServeHTTP serves the current snapshot as JSON.
func (d *Dumper) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d.provider()); err != nil {
		d.logger.Error().Err(err).Msg("Failed to encode stats.")
	}
}
