// Package sending packs scheduled events into data messages and tracks the
// messages in flight to each receive region on the board.
package sending

import (
	"fmt"

	"github.com/c360/bufferlink/eieio"
	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/vertex"
)

// Cursor walks the event source of one receive region.
type Cursor struct {
	source    vertex.EventSource
	payloads  vertex.PayloadSource // set when source sends key+payload events
	size      int
	remaining int
	stopSent  bool
}

// NewCursor wraps source for a region of size bytes.
func NewCursor(source vertex.EventSource, size int) *Cursor {
	c := &Cursor{source: source, size: size, remaining: size}
	if ps, ok := source.(vertex.PayloadSource); ok && ps.HasPayloads() {
		c.payloads = ps
	}
	return c
}

// Validate fails when the region cannot be filled exactly with 2-byte records.
func (c *Cursor) Validate() error {
	if c.size%2 != 0 {
		return errors.WrapFatal(errors.ErrRegionNotEven, "Cursor", "Validate",
			fmt.Sprintf("region size %d", c.size))
	}
	return nil
}

// Size is the region size in bytes.
func (c *Cursor) Size() int { return c.size }

// Remaining is the space the initial load left unused by data and stop messages.
func (c *Cursor) Remaining() int { return c.remaining }

// HasNext reports whether events remain.
func (c *Cursor) HasNext() bool { return c.source.HasNextTimestamp() }

// IsEmpty reports whether the source never had events.
func (c *Cursor) IsEmpty() bool { return c.source.IsEmpty() }

// StopSent reports whether the stop message has been queued or written.
func (c *Cursor) StopSent() bool { return c.stopSent }

// MarkStopSent records that the stop message has been queued or written.
func (c *Cursor) MarkStopSent() { c.stopSent = true }

// Rewind restarts the source and forgets the stop message.
func (c *Cursor) Rewind() {
	c.source.Rewind()
	c.stopSent = false
	c.remaining = c.size
}

// NextMessage packs as many events of the next timestamp as fit in budget bytes.
// It returns nil when no events remain or not even one event fits.
func (c *Cursor) NextMessage(budget int) *eieio.DataMessage {
	if !c.source.HasNextTimestamp() {
		return nil
	}
	ts := c.source.NextTimestamp()
	msg := eieio.NewDataMessage(ts, c.payloads != nil)
	if msg.Size()+msg.EntrySize() > budget {
		return nil
	}
	for c.source.HasNextKey(ts) && !msg.Full() && msg.Size()+msg.EntrySize() <= budget {
		if c.payloads != nil {
			msg.AddKeyPayload(c.payloads.NextKeyPayload())
		} else {
			msg.AddKey(c.source.NextKey())
		}
	}
	return msg
}
