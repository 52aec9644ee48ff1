// Package recording decodes the recording structures a core keeps in memory and
// works out which bytes of a recording region the host has not read yet.
package recording

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/bufferlink/eieio"
	"github.com/c360/bufferlink/errors"
)

// Op is the last operation a core performed on a channel buffer.
type Op uint8

const (
	OpRead  Op = 0
	OpWrite Op = 1
)

func (o Op) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

// ChannelStateSize is the encoded size of a ChannelState.
const ChannelStateSize = 24

// ChannelState mirrors one circular recording buffer on a core. Read == Write
// is ambiguous on its own; LastOp tells a full buffer (write) from an empty one.
type ChannelState struct {
	Start       uint32 `cbor:"1,keyasint" json:"start"`
	Write       uint32 `cbor:"2,keyasint" json:"write"`
	DMAWrite    uint32 `cbor:"3,keyasint" json:"dma_write"`
	Read        uint32 `cbor:"4,keyasint" json:"read"`
	End         uint32 `cbor:"5,keyasint" json:"end"`
	Region      uint8  `cbor:"6,keyasint" json:"region"`
	MissingInfo uint8  `cbor:"7,keyasint" json:"missing_info"`
	LastOp      Op     `cbor:"8,keyasint" json:"last_op"`

	// Reconciled is set once an unprocessed ack has been replayed onto Read.
	Reconciled bool `cbor:"9,keyasint" json:"reconciled"`
}

// DecodeChannelState decodes the state as stored on the core.
func DecodeChannelState(b []byte) (ChannelState, error) {
	if len(b) < ChannelStateSize {
		return ChannelState{}, errors.WrapInvalid(errors.ErrShortPacket, "recording", "DecodeChannelState",
			fmt.Sprintf("need %d bytes, have %d", ChannelStateSize, len(b)))
	}
	return ChannelState{
		Start:       binary.LittleEndian.Uint32(b[0:]),
		Write:       binary.LittleEndian.Uint32(b[4:]),
		DMAWrite:    binary.LittleEndian.Uint32(b[8:]),
		Read:        binary.LittleEndian.Uint32(b[12:]),
		End:         binary.LittleEndian.Uint32(b[16:]),
		Region:      b[20],
		MissingInfo: b[21],
		LastOp:      Op(b[22]),
	}, nil
}

// Encode returns the on-core layout of s.
func (s ChannelState) Encode() []byte {
	b := make([]byte, 0, ChannelStateSize)
	b = binary.LittleEndian.AppendUint32(b, s.Start)
	b = binary.LittleEndian.AppendUint32(b, s.Write)
	b = binary.LittleEndian.AppendUint32(b, s.DMAWrite)
	b = binary.LittleEndian.AppendUint32(b, s.Read)
	b = binary.LittleEndian.AppendUint32(b, s.End)
	return append(b, s.Region, s.MissingInfo, uint8(s.LastOp), 0)
}

func (s ChannelState) String() string {
	return fmt.Sprintf("start=0x%x read=0x%x write=0x%x end=0x%x last=%s",
		s.Start, s.Read, s.Write, s.End, s.LastOp)
}

// ReplayAck applies the entries of ack that belong to region, as the core would
// have done had it processed the ack before halting. It runs at most once per
// state; later calls are no-ops.
func (s *ChannelState) ReplayAck(region uint8, ack eieio.ReadAck) error {
	if s.Reconciled {
		return nil
	}
	read := uint64(s.Read)
	for _, e := range ack.Entries {
		if e.Region != region {
			continue
		}
		read += uint64(e.SpaceRead)
		if read == uint64(s.Write) || (read == uint64(s.End) && s.Write == s.Start) {
			s.LastOp = OpRead
		}
		switch {
		case read == uint64(s.End):
			read = uint64(s.Start)
		case read > uint64(s.End):
			return errors.WrapFatal(errors.ErrReadOverrun, "ChannelState", "ReplayAck",
				fmt.Sprintf("region %d read 0x%x past end 0x%x", region, read, s.End))
		}
	}
	s.Read = uint32(read)
	s.Reconciled = true
	return nil
}

// Range is one contiguous span to read. Final marks the span that completes the
// region; a non-final span is the first half of a wrapped read.
type Range struct {
	Address uint32
	Length  uint32
	Final   bool
}

// UnreadRanges returns the spans the host still has to read, in order. An empty
// buffer yields a single zero-length final range.
func (s ChannelState) UnreadRanges() ([]Range, error) {
	switch {
	case s.Read < s.Write:
		return []Range{{Address: s.Read, Length: s.Write - s.Read, Final: true}}, nil

	case s.Read > s.Write, s.LastOp == OpWrite:
		// Wrapped, or full when read == write after a write.
		tail := int64(s.End) - int64(s.Read)
		head := int64(s.Write) - int64(s.Start)
		if tail < 0 || head < 0 {
			return nil, errors.WrapFatal(errors.ErrNegativeLength, "ChannelState", "UnreadRanges", s.String())
		}
		return []Range{
			{Address: s.Read, Length: uint32(tail)},
			{Address: s.Start, Length: uint32(head), Final: true},
		}, nil

	default:
		return []Range{{Address: s.Read, Length: 0, Final: true}}, nil
	}
}
