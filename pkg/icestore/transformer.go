package icestore

import (
	"fmt"
	"time"

	"github.com/illmade-knight/go-eventbroker/pkg/types"
)

// ArchivalRecord is one archived event, written as a JSON line. Frame holds
// the complete encoded event so archives can be replayed into a broker.
type ArchivalRecord struct {
	EventType     string    `json:"event_type"`
	SourceID      uint32    `json:"source_id"`
	DestinationID uint32    `json:"destination_id"`
	HostName      string    `json:"host_name,omitempty"`
	BatchKey      string    `json:"batch_key"`
	Frame         []byte    `json:"frame"`
	ArchivedAt    time.Time `json:"archived_at"`
}

// GetBatchKey returns the key used for grouping records into GCS objects.
func (r *ArchivalRecord) GetBatchKey() string {
	return r.BatchKey
}

// BatchKey groups archived events by day and category, e.g. "2025/06/15/neb".
func BatchKey(ts time.Time, t types.EventType) string {
	return fmt.Sprintf("%d/%02d/%02d/%s", ts.Year(), ts.Month(), ts.Day(), t.Category())
}

// NewArchivalRecord encodes ev. An event that cannot be encoded returns an
// error wrapping types.ErrMalformedEvent.
func NewArchivalRecord(ev *types.Event, now time.Time) (*ArchivalRecord, error) {
	frame, err := types.EncodeFrame(ev)
	if err != nil {
		return nil, err
	}
	now = now.UTC()
	return &ArchivalRecord{
		EventType:     ev.Type.String(),
		SourceID:      ev.SourceID,
		DestinationID: ev.DestinationID,
		BatchKey:      BatchKey(now, ev.Type),
		Frame:         frame,
		ArchivedAt:    now,
	}, nil
}
