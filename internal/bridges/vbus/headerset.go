package vbus

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// HeaderKey identifies a packet's logical identity on the bus.
// It is comparable and used as the map key wherever headers are stored.
type HeaderKey struct {
	Channel     uint8
	Destination uint16
	Source      uint16
	Protocol    uint8
	Command     uint16
}

// String renders the key as "CC_DDDD_SSSS_PP_CCCC" in upper-case hex.
// Example: "00_0010_7E11_10_0100"
func (k HeaderKey) String() string {
	return fmt.Sprintf("%02X_%04X_%04X_%02X_%04X", k.Channel, k.Destination, k.Source, k.Protocol, k.Command)
}

// compare orders keys by channel, destination, source, protocol, command.
func (k HeaderKey) compare(o HeaderKey) int {
	switch {
	case k.Channel != o.Channel:
		return int(k.Channel) - int(o.Channel)
	case k.Destination != o.Destination:
		return int(k.Destination) - int(o.Destination)
	case k.Source != o.Source:
		return int(k.Source) - int(o.Source)
	case k.Protocol != o.Protocol:
		return int(k.Protocol) - int(o.Protocol)
	default:
		return int(k.Command) - int(o.Command)
	}
}

// Header is one decoded bus message. Headers are never mutated after
// creation; a newer header for the same key replaces the old one.
type Header struct {
	Key       HeaderKey
	Payload   []byte
	Timestamp time.Time
}

// HeaderSet maps each HeaderKey to the most recent Header seen for it.
//
// HeaderSet is not safe for concurrent use; owners serialise access.
type HeaderSet struct {
	headers map[HeaderKey]Header
}

// NewHeaderSet creates an empty set.
func NewHeaderSet() *HeaderSet {
	return &HeaderSet{headers: make(map[HeaderKey]Header)}
}

// AddHeader inserts h, replacing any prior header with the same key.
func (s *HeaderSet) AddHeader(h Header) {
	s.headers[h.Key] = h
}

// AddHeaders inserts every header in order.
func (s *HeaderSet) AddHeaders(hs []Header) {
	for _, h := range hs {
		s.AddHeader(h)
	}
}

// Contains reports whether a header with the given key is present.
func (s *HeaderSet) Contains(key HeaderKey) bool {
	_, ok := s.headers[key]
	return ok
}

// Get returns the header stored for key.
func (s *HeaderSet) Get(key HeaderKey) (Header, bool) {
	h, ok := s.headers[key]
	return h, ok
}

// Count returns the number of distinct keys in the set.
func (s *HeaderSet) Count() int {
	return len(s.headers)
}

// Headers returns the stored headers in no particular order.
func (s *HeaderSet) Headers() []Header {
	return slices.Collect(maps.Values(s.headers))
}

// SortedHeaders returns the stored headers ordered by key.
func (s *HeaderSet) SortedHeaders() []Header {
	hs := s.Headers()
	slices.SortFunc(hs, func(a, b Header) int { return a.Key.compare(b.Key) })
	return hs
}

// RemoveOlderThan drops every header whose timestamp is before cutoff and
// returns how many were removed.
func (s *HeaderSet) RemoveOlderThan(cutoff time.Time) int {
	removed := 0
	for key, h := range s.headers {
		if h.Timestamp.Before(cutoff) {
			delete(s.headers, key)
			removed++
		}
	}
	return removed
}

// Clone returns an independent copy of the set. Payload slices are shared
// because headers are immutable.
func (s *HeaderSet) Clone() *HeaderSet {
	return &HeaderSet{headers: maps.Clone(s.headers)}
}

// Clear removes all headers.
func (s *HeaderSet) Clear() {
	clear(s.headers)
}
