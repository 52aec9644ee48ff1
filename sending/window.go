package sending

import (
	"github.com/ef-ds/deque"

	"github.com/c360/bufferlink/eieio"
	"github.com/c360/bufferlink/errors"
)

const (
	// DefaultCapacity bounds the messages in flight per region.
	DefaultCapacity = 64
	// MaxCapacity keeps the in-flight range below half the 8-bit sequence
	// space, so an old ack can never look like a new one.
	MaxCapacity = 127
	// InitialLastAcked makes sequence number 0 the first one in flight.
	InitialLastAcked = 255
	// MaxSequencedMessage is the largest data message that fits one
	// SequencedData datagram.
	MaxSequencedMessage = 256 - eieio.SequencedDataOverhead
)

// Sent is a message in flight with the sequence number it went out with.
type Sent struct {
	Seq     uint8
	Message *eieio.DataMessage
	IsStop  bool
}

// Size is the number of region bytes the message occupies on the core.
func (s *Sent) Size() int {
	if s.IsStop {
		return eieio.StopSize
	}
	return s.Message.Size()
}

// Window holds the messages sent to one region but not yet acknowledged.
// Sequence numbers wrap at 256. Not safe for concurrent use.
type Window struct {
	capacity  int
	queue     deque.Deque
	lastAcked uint8
	next      uint8
	hasStop   bool
}

// NewWindow creates an empty window. capacity <= 0 selects DefaultCapacity.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if capacity > MaxCapacity {
		capacity = MaxCapacity
	}
	return &Window{
		capacity:  capacity,
		lastAcked: InitialLastAcked,
		next:      0,
	}
}

// Update acknowledges everything up to and including seq. A seq outside
// [lastAcked, lastAcked+Len()] was never sent or is stale; Update returns false
// and changes nothing.
func (w *Window) Update(seq uint8) bool {
	acked := int(seq - w.lastAcked)
	if acked > w.queue.Len() {
		return false
	}
	for i := 0; i < acked; i++ {
		w.queue.PopFront()
	}
	w.lastAcked = seq
	return true
}

// Add queues a data message and returns its sequence number.
func (w *Window) Add(msg *eieio.DataMessage) (uint8, error) {
	return w.push(&Sent{Message: msg})
}

// AddStop queues the stop message. A window accepts exactly one.
func (w *Window) AddStop() (uint8, error) {
	seq, err := w.push(&Sent{IsStop: true})
	if err == nil {
		w.hasStop = true
	}
	return seq, err
}

func (w *Window) push(s *Sent) (uint8, error) {
	if w.hasStop {
		return 0, errors.ErrStopAlreadySent
	}
	if w.IsFull() {
		return 0, errors.ErrWindowFull
	}
	s.Seq = w.next
	w.next++
	w.queue.PushBack(s)
	return s.Seq, nil
}

// Messages returns the messages in flight, oldest first.
func (w *Window) Messages() []*Sent {
	n := w.queue.Len()
	out := make([]*Sent, 0, n)
	// Rotate through the deque to read it without a random-access API.
	for i := 0; i < n; i++ {
		v, _ := w.queue.PopFront()
		out = append(out, v.(*Sent))
		w.queue.PushBack(v)
	}
	return out
}

// PendingBytes is the region space the messages in flight will occupy.
func (w *Window) PendingBytes() int {
	total := 0
	for _, s := range w.Messages() {
		total += s.Size()
	}
	return total
}

// Len is the number of messages in flight.
func (w *Window) Len() int { return w.queue.Len() }

// Capacity is the most messages the window holds in flight.
func (w *Window) Capacity() int { return w.capacity }

// IsFull reports whether Capacity messages are in flight.
func (w *Window) IsFull() bool { return w.queue.Len() >= w.capacity }

// IsEmpty reports whether every message sent has been acknowledged.
func (w *Window) IsEmpty() bool { return w.queue.Len() == 0 }

// LastAcked is the sequence number of the newest acknowledged message.
func (w *Window) LastAcked() uint8 { return w.lastAcked }

// HasStop reports whether the stop message was ever queued.
func (w *Window) HasStop() bool { return w.hasStop }
