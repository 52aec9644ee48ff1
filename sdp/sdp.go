// Package sdp frames payloads in the board's datagram header so they can be
// routed to a specific core and port.
package sdp

import (
	"fmt"

	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
)

// Flags select whether the board replies to a datagram.
type Flags uint8

const (
	ReplyNotExpected Flags = 0x07
	ReplyExpected    Flags = 0x87
)

// Ports on a core used by the buffering protocol. Port 0 is the monitor port
// used for memory access.
const (
	PortMonitor         = 0
	PortInputBuffering  = 1
	PortOutputBuffering = 2
)

const (
	// HeaderSize is the encoded header without the leading padding.
	HeaderSize = 8
	// PaddingSize zero bytes precede the header in a UDP payload.
	PaddingSize = 2
)

// Header addresses one datagram.
type Header struct {
	Flags    Flags
	Tag      uint8
	DestPort uint8
	DestCPU  uint8
	SrcPort  uint8
	SrcCPU   uint8
	DestX    uint8
	DestY    uint8
	SrcX     uint8
	SrcY     uint8
}

// ToCore builds a header for a host-originated datagram to port on core. The
// source is port 7, cpu 31, which the board reserves for the host.
func ToCore(core machine.Core, port uint8, flags Flags) Header {
	return Header{
		Flags:    flags,
		DestPort: port,
		DestCPU:  core.P,
		DestX:    core.X,
		DestY:    core.Y,
		SrcPort:  7,
		SrcCPU:   31,
	}
}

func portCPU(port, cpu uint8) uint8 {
	return (port&0x7)<<5 | (cpu & 0x1F)
}

// AppendTo appends padding and header to b.
func (h Header) AppendTo(b []byte) []byte {
	return append(b,
		0, 0,
		uint8(h.Flags),
		h.Tag,
		portCPU(h.DestPort, h.DestCPU),
		portCPU(h.SrcPort, h.SrcCPU),
		h.DestY,
		h.DestX,
		h.SrcY,
		h.SrcX,
	)
}

// Frame returns the UDP payload carrying data under h.
func Frame(h Header, data []byte) []byte {
	b := make([]byte, 0, PaddingSize+HeaderSize+len(data))
	b = h.AppendTo(b)
	return append(b, data...)
}

// Unframe splits a UDP payload into header and data. The data aliases b.
func Unframe(b []byte) (Header, []byte, error) {
	if len(b) < PaddingSize+HeaderSize {
		return Header{}, nil, errors.WrapInvalid(errors.ErrShortPacket, "sdp", "Unframe",
			fmt.Sprintf("need %d bytes, have %d", PaddingSize+HeaderSize, len(b)))
	}
	p := b[PaddingSize:]
	h := Header{
		Flags:    Flags(p[0]),
		Tag:      p[1],
		DestPort: p[2] >> 5,
		DestCPU:  p[2] & 0x1F,
		SrcPort:  p[3] >> 5,
		SrcCPU:   p[3] & 0x1F,
		DestY:    p[4],
		DestX:    p[5],
		SrcY:     p[6],
		SrcX:     p[7],
	}
	return h, b[PaddingSize+HeaderSize:], nil
}

// Source returns the core that sent a datagram.
func (h Header) Source() machine.Core {
	return machine.Core{X: h.SrcX, Y: h.SrcY, P: h.SrcCPU}
}
