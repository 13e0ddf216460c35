// Package types defines the events exchanged by every component of the broker:
// the packed event type, the payload variants and the frame codec used to put
// events on disk and on the wire.
package types

import (
	"fmt"
)

// EventType identifies the concrete schema of an event. The high 16 bits are
// the category and the low 16 bits the element within that category.
type EventType uint32

// Category groups related event types.
type Category uint16

const (
	CategoryNeb      Category = 1
	CategoryStorage  Category = 3
	CategoryBam      Category = 6
	CategoryExtcmd   Category = 7
	CategoryInternal Category = 65535
)

var categoryNames = map[Category]string{
	CategoryNeb:      "neb",
	CategoryStorage:  "storage",
	CategoryBam:      "bam",
	CategoryExtcmd:   "extcmd",
	CategoryInternal: "internal",
}

// String returns the configuration name of the category.
func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", uint16(c))
}

// CategoryByName resolves a configuration name such as "neb" or "storage".
func CategoryByName(name string) (Category, bool) {
	for c, n := range categoryNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// MakeType packs a category and an element into an EventType.
func MakeType(category Category, element uint16) EventType {
	return EventType(uint32(category)<<16 | uint32(element))
}

// Category returns the high 16 bits of the type.
func (t EventType) Category() Category {
	return Category(uint32(t) >> 16)
}

// Element returns the low 16 bits of the type.
func (t EventType) Element() uint16 {
	return uint16(uint32(t) & 0xffff)
}

func (t EventType) String() string {
	if codec, ok := lookupCodec(t); ok {
		return t.Category().String() + ":" + codec.Name
	}
	return fmt.Sprintf("%s:%d", t.Category(), t.Element())
}

// Event is one unit of monitoring data flowing through the bus. Events are
// shared by pointer between every muxer that accepts them, so the payload
// must never be modified once the event has been published. Routing
// annotations are changed through WithRouting, which returns a copy.
type Event struct {
	Type          EventType
	SourceID      uint32
	DestinationID uint32
	Payload       Payload
}

// NewEvent builds an event whose type is taken from the payload.
func NewEvent(payload Payload) *Event {
	return &Event{
		Type:    payload.EventType(),
		Payload: payload,
	}
}

// WithRouting returns a copy of the event with new routing annotations. The
// payload is shared with the original.
func (e *Event) WithRouting(sourceID, destinationID uint32) *Event {
	cp := *e
	cp.SourceID = sourceID
	cp.DestinationID = destinationID
	return &cp
}

func (e *Event) String() string {
	return fmt.Sprintf("event{type=%s src=%d dst=%d}", e.Type, e.SourceID, e.DestinationID)
}
