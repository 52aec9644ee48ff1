// Package events provides an in-memory event source built from a fixed schedule
// of (timestamp, key) pairs, optionally with a payload per key.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/c360/bufferlink/errors"
)

// Event is one key due at a timestamp. A schedule in which any event carries a
// payload sends key+payload messages; events without one send payload 0.
type Event struct {
	Timestamp uint32  `json:"timestamp"`
	Key       uint32  `json:"key"`
	Payload   *uint32 `json:"payload,omitempty"`
}

// Schedule is a rewindable event source. Keys of a timestamp keep the order
// they were given in.
type Schedule struct {
	times []uint32
	keys     map[uint32][]uint32
	payloads map[uint32][]uint32 // nil for a key-only schedule
	total    int

	ti int // index into times
	ki int // index into keys[times[ti]]
}

// NewSchedule groups events by timestamp.
func NewSchedule(events []Event) *Schedule {
	keys := make(map[uint32][]uint32)
	var payloads map[uint32][]uint32
	for _, e := range events {
		if e.Payload != nil {
			payloads = make(map[uint32][]uint32)
			break
		}
	}
	for _, e := range events {
		keys[e.Timestamp] = append(keys[e.Timestamp], e.Key)
		if payloads != nil {
			var p uint32
			if e.Payload != nil {
				p = *e.Payload
			}
			payloads[e.Timestamp] = append(payloads[e.Timestamp], p)
		}
	}
	s := FromMap(keys)
	s.payloads = payloads
	return s
}

// FromMap builds a schedule from keys per timestamp. Timestamps without keys are dropped.
func FromMap(m map[uint32][]uint32) *Schedule {
	s := &Schedule{keys: make(map[uint32][]uint32, len(m))}
	for ts, keys := range m {
		if len(keys) == 0 {
			continue
		}
		s.times = append(s.times, ts)
		s.keys[ts] = append([]uint32(nil), keys...)
		s.total += len(keys)
	}
	sort.Slice(s.times, func(i, j int) bool { return s.times[i] < s.times[j] })
	return s
}

// Load reads a schedule from a JSON file holding either an array of events or
// an object mapping timestamps to key arrays.
func Load(path string) (*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "events", "Load", "read schedule file")
	}

	var list []Event
	if err := json.Unmarshal(data, &list); err == nil {
		return NewSchedule(list), nil
	}

	var byTime map[string][]uint32
	if err := json.Unmarshal(data, &byTime); err != nil {
		return nil, errors.WrapInvalid(err, "events", "Load", "parse schedule "+path)
	}
	m := make(map[uint32][]uint32, len(byTime))
	for k, keys := range byTime {
		ts, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("timestamp %q: %w", k, err),
				"events", "Load", "parse schedule "+path)
		}
		m[uint32(ts)] = keys
	}
	return FromMap(m), nil
}

func (s *Schedule) HasNextTimestamp() bool {
	return s.ti < len(s.times)
}

func (s *Schedule) NextTimestamp() uint32 {
	return s.times[s.ti]
}

func (s *Schedule) HasNextKey(timestamp uint32) bool {
	return s.ti < len(s.times) && s.times[s.ti] == timestamp
}

func (s *Schedule) NextKey() uint32 {
	keys := s.keys[s.times[s.ti]]
	key := keys[s.ki]
	s.ki++
	if s.ki == len(keys) {
		s.ti++
		s.ki = 0
	}
	return key
}

// NextKeyPayload consumes the next event and returns its key and payload.
func (s *Schedule) NextKeyPayload() (key, payload uint32) {
	if s.payloads != nil {
		payload = s.payloads[s.times[s.ti]][s.ki]
	}
	return s.NextKey(), payload
}

// HasPayloads reports whether the schedule was built with payloads.
func (s *Schedule) HasPayloads() bool {
	return s.payloads != nil
}

func (s *Schedule) IsEmpty() bool {
	return s.total == 0
}

func (s *Schedule) Rewind() {
	s.ti, s.ki = 0, 0
}

// Len is the total number of events.
func (s *Schedule) Len() int {
	return s.total
}
