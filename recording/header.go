package recording

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/transport"
)

// Recording data header layout, in 32-bit words from the base address.
const (
	wordTag                = 0
	wordSizeBeforeReceive  = 1
	wordTimeBetweenRequest = 2
	wordLastSequenceNumber = 6
	headerWords            = 7

	// LastSequenceNumberOffset is the byte offset of the core's next expected sequence number.
	LastSequenceNumberOffset = wordLastSequenceNumber * 4
	// StatePointersOffset is where the per-region channel state pointers start.
	StatePointersOffset = headerWords * 4
)

// Header is the recording data header written before a run.
type Header struct {
	Tag                 uint32
	SizeBeforeReceive   uint32
	TimeBetweenRequests uint32
	LastSequenceNumber  uint32

	// StateAddresses holds one channel state address per recorded region.
	StateAddresses []uint32

	// Windows optionally restricts recording per region to [start, end) timesteps.
	Windows []TimeWindow
}

// TimeWindow is a half-open span of timesteps during which a region records.
type TimeWindow struct {
	Start uint32
	End   uint32
}

// EncodeHeader lays out h as the core expects it.
func EncodeHeader(h Header) []byte {
	words := make([]uint32, headerWords, headerWords+len(h.StateAddresses)+2*len(h.Windows))
	words[wordTag] = h.Tag
	words[wordSizeBeforeReceive] = h.SizeBeforeReceive
	words[wordTimeBetweenRequest] = h.TimeBetweenRequests
	words[wordLastSequenceNumber] = h.LastSequenceNumber
	words = append(words, h.StateAddresses...)
	for _, w := range h.Windows {
		words = append(words, w.Start, w.End)
	}

	b := make([]byte, 0, 4*len(words))
	for _, w := range words {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}

// DecodeHeader reads a header holding regions state pointers. Windows are not decoded.
func DecodeHeader(b []byte, regions int) (Header, error) {
	need := StatePointersOffset + 4*regions
	if len(b) < need {
		return Header{}, errors.WrapInvalid(errors.ErrShortPacket, "recording", "DecodeHeader",
			fmt.Sprintf("need %d bytes, have %d", need, len(b)))
	}
	word := func(i int) uint32 { return binary.LittleEndian.Uint32(b[4*i:]) }
	h := Header{
		Tag:                 word(wordTag),
		SizeBeforeReceive:   word(wordSizeBeforeReceive),
		TimeBetweenRequests: word(wordTimeBetweenRequest),
		LastSequenceNumber:  word(wordLastSequenceNumber),
		StateAddresses:      make([]uint32, regions),
	}
	for i := range h.StateAddresses {
		h.StateAddresses[i] = word(headerWords + i)
	}
	return h, nil
}

func readWord(ctx context.Context, mem transport.MemoryReader, chip machine.Chip, addr uint32) (uint32, error) {
	b, err := mem.ReadMemory(ctx, chip, addr, 4)
	if err != nil {
		return 0, err
	}
	if len(b) < 4 {
		return 0, errors.ErrShortPacket
	}
	return binary.LittleEndian.Uint32(b), nil
}

// LastSequenceNumber reads the sequence number the core expected next when it halted.
func LastSequenceNumber(ctx context.Context, mem transport.MemoryReader, core machine.Core, base uint32) (uint8, error) {
	v, err := readWord(ctx, mem, core.Chip(), base+LastSequenceNumberOffset)
	if err != nil {
		return 0, errors.WrapTransient(err, "recording", "LastSequenceNumber",
			fmt.Sprintf("read header of core %s", core))
	}
	return uint8(v), nil
}

// ChannelStateAddress reads the address of region's channel state.
func ChannelStateAddress(ctx context.Context, mem transport.MemoryReader, core machine.Core, base uint32, region int) (uint32, error) {
	v, err := readWord(ctx, mem, core.Chip(), base+StatePointersOffset+4*uint32(region))
	if err != nil {
		return 0, errors.WrapTransient(err, "recording", "ChannelStateAddress",
			fmt.Sprintf("read state pointer of core %s region %d", core, region))
	}
	return v, nil
}

// ReadChannelState reads and decodes the channel state at addr.
func ReadChannelState(ctx context.Context, mem transport.MemoryReader, chip machine.Chip, addr uint32) (ChannelState, error) {
	b, err := mem.ReadMemory(ctx, chip, addr, ChannelStateSize)
	if err != nil {
		return ChannelState{}, errors.WrapTransient(err, "recording", "ReadChannelState",
			fmt.Sprintf("read state at 0x%x on chip %s", addr, chip))
	}
	return DecodeChannelState(b)
}
