// Package filter provides the immutable event type sets that decide which
// events a muxer accepts from the engine and which it may emit.
package filter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/illmade-knight/go-eventbroker/pkg/types"
)

// Set is an immutable set of event types. The zero value accepts nothing.
type Set struct {
	all        bool
	categories map[types.Category]struct{}
	types      map[types.EventType]struct{}
}

// All accepts every event.
func All() Set { return Set{all: true} }

// None accepts no event.
func None() Set { return Set{} }

// Of accepts exactly the given types.
func Of(ts ...types.EventType) Set {
	s := Set{types: make(map[types.EventType]struct{}, len(ts))}
	for _, t := range ts {
		s.types[t] = struct{}{}
	}
	return s
}

// Accepts reports whether t belongs to the set.
func (s Set) Accepts(t types.EventType) bool {
	if s.all {
		return true
	}
	if _, ok := s.categories[t.Category()]; ok {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// IsAll reports whether the set accepts every event.
func (s Set) IsAll() bool { return s.all }

// IsNone reports whether the set accepts nothing.
func (s Set) IsNone() bool {
	return !s.all && len(s.categories) == 0 && len(s.types) == 0
}

// List returns the set in configuration syntax, sorted.
func (s Set) List() []string {
	if s.all {
		return []string{"all"}
	}
	if s.IsNone() {
		return []string{"none"}
	}
	out := make([]string, 0, len(s.categories)+len(s.types))
	for c := range s.categories {
		out = append(out, c.String())
	}
	for t := range s.types {
		out = append(out, t.String())
	}
	sort.Strings(out)
	return out
}

func (s Set) String() string {
	return strings.Join(s.List(), ",")
}

// Parse builds a set from configuration entries. Accepted forms:
//
//	all | none | <category> | <category>:<element name> | <category>:<number> | <number>
//
// An empty list yields def.
func Parse(entries []string, def Set) (Set, error) {
	if len(entries) == 0 {
		return def, nil
	}
	s := Set{
		categories: make(map[types.Category]struct{}),
		types:      make(map[types.EventType]struct{}),
	}
	for _, raw := range entries {
		entry := strings.TrimSpace(strings.ToLower(raw))
		switch entry {
		case "":
			continue
		case "all":
			return All(), nil
		case "none":
			continue
		}
		if n, err := strconv.ParseUint(entry, 10, 32); err == nil {
			s.types[types.EventType(n)] = struct{}{}
			continue
		}
		catName, element, hasElement := strings.Cut(entry, ":")
		cat, ok := types.CategoryByName(catName)
		if !ok {
			return Set{}, fmt.Errorf("%w: unknown event category %q", types.ErrConfig, catName)
		}
		if !hasElement || element == "*" {
			s.categories[cat] = struct{}{}
			continue
		}
		if n, err := strconv.ParseUint(element, 10, 16); err == nil {
			s.types[types.MakeType(cat, uint16(n))] = struct{}{}
			continue
		}
		t, ok := types.TypeByName(cat, element)
		if !ok {
			return Set{}, fmt.Errorf("%w: unknown event %q in category %s", types.ErrConfig, element, catName)
		}
		s.types[t] = struct{}{}
	}
	return s, nil
}
