// Package vertex defines what the buffer manager needs from the application
// graph: which cores send buffered events, which record data for the host, and
// where each keeps its buffers.
//
// A vertex implements Sender, Receiver or both. The manager discovers
// capabilities with type assertions; there is no common base type.
package vertex

import (
	"context"

	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/transport"
)

// EventSource yields (timestamp, key) pairs in timestamp order. Keys of one
// timestamp are consumed before NextTimestamp moves on. Implementations need not
// be safe for concurrent use.
type EventSource interface {
	// HasNextTimestamp reports whether any events remain.
	HasNextTimestamp() bool
	// NextTimestamp peeks the timestamp of the next event.
	NextTimestamp() uint32
	// HasNextKey reports whether the next event exists and carries timestamp.
	HasNextKey(timestamp uint32) bool
	// NextKey consumes the next event and returns its key.
	NextKey() uint32
	// IsEmpty reports whether the source never had any events.
	IsEmpty() bool
	// Rewind restarts the source from its first event.
	Rewind()
}

// PayloadSource is an EventSource that can attach a 32-bit payload to each
// key. A source reporting HasPayloads is sent as key+payload messages.
type PayloadSource interface {
	EventSource
	HasPayloads() bool
	// NextKeyPayload consumes the next event like NextKey.
	NextKeyPayload() (key, payload uint32)
}

// Vertex is anything the manager can register.
type Vertex interface {
	Label() string
}

// Sender streams events from the host into receive regions on its core.
type Sender interface {
	Vertex
	SendRegions() []int
	// RegionBufferSize is the byte size reserved on the core for region.
	RegionBufferSize(region int) int
	Source(region int) EventSource
}

// Receiver records data on its core that the host drains.
type Receiver interface {
	Vertex
	RecordedRegionIDs() []int
	// RecordingBaseAddress locates the recording header on core.
	RecordingBaseAddress(ctx context.Context, mem transport.MemoryReader, core machine.Core) (uint32, error)
}

// Tagged vertices need listeners for their IP tags.
type Tagged interface {
	IPTags() []machine.IPTag
}
