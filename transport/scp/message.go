package scp

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/sdp"
)

// Command is an SCP command code.
type Command uint16

const (
	CmdRead  Command = 2
	CmdWrite Command = 3
)

// ResultCode is the status a board returns for a command.
type ResultCode uint16

const (
	RCOK          ResultCode = 0x80
	RCLen         ResultCode = 0x81
	RCSum         ResultCode = 0x82
	RCCmd         ResultCode = 0x83
	RCArg         ResultCode = 0x84
	RCPort        ResultCode = 0x85
	RCTimeout     ResultCode = 0x86
	RCRoute       ResultCode = 0x87
	RCCPU         ResultCode = 0x88
	RCDead        ResultCode = 0x89
	RCBuf         ResultCode = 0x8A
	RCP2PNoReply  ResultCode = 0x8B
	RCP2PReject   ResultCode = 0x8C
	RCP2PBusy     ResultCode = 0x8D
	RCP2PTimeout  ResultCode = 0x8E
	RCPacketTxErr ResultCode = 0x8F
)

// Retryable reports whether a command failing with rc may succeed if sent again.
func (rc ResultCode) Retryable() bool {
	switch rc {
	case RCLen, RCTimeout, RCP2PNoReply, RCP2PBusy, RCP2PTimeout:
		return true
	}
	return false
}

func (rc ResultCode) String() string {
	return fmt.Sprintf("0x%02X", uint16(rc))
}

// Memory access width, chosen from the alignment of address and length.
const (
	sizeByte uint32 = 0
	sizeHalf uint32 = 1
	sizeWord uint32 = 2
)

func accessSize(addr uint32, n int) uint32 {
	switch {
	case addr%4 == 0 && n%4 == 0:
		return sizeWord
	case addr%2 == 0 && n%2 == 0:
		return sizeHalf
	}
	return sizeByte
}

const (
	// MaxChunk is the most data one read or write command carries.
	MaxChunk = 256

	requestHeaderSize  = 16
	responseHeaderSize = 4

	// replyTag routes the reply back to the socket that sent the request.
	replyTag = 0xFF
)

// Request is one SCP command addressed to the monitor of a chip.
type Request struct {
	Chip    machine.Chip
	Seq     uint16
	Command Command
	Arg1    uint32
	Arg2    uint32
	Arg3    uint32
	Data    []byte
}

// Encode returns the framed UDP payload of r.
func (r Request) Encode() []byte {
	h := sdp.Header{
		Flags:    sdp.ReplyExpected,
		Tag:      replyTag,
		DestPort: sdp.PortMonitor,
		DestX:    r.Chip.X,
		DestY:    r.Chip.Y,
		SrcPort:  7,
		SrcCPU:   31,
	}
	b := make([]byte, 0, sdp.PaddingSize+sdp.HeaderSize+requestHeaderSize+len(r.Data))
	b = h.AppendTo(b)
	b = binary.LittleEndian.AppendUint16(b, uint16(r.Command))
	b = binary.LittleEndian.AppendUint16(b, r.Seq)
	b = binary.LittleEndian.AppendUint32(b, r.Arg1)
	b = binary.LittleEndian.AppendUint32(b, r.Arg2)
	b = binary.LittleEndian.AppendUint32(b, r.Arg3)
	return append(b, r.Data...)
}

// DecodeRequest parses a framed SCP command. The data aliases b.
func DecodeRequest(b []byte) (Request, error) {
	h, body, err := sdp.Unframe(b)
	if err != nil {
		return Request{}, err
	}
	if len(body) < requestHeaderSize {
		return Request{}, errors.WrapInvalid(errors.ErrShortPacket, "scp", "DecodeRequest",
			fmt.Sprintf("need %d bytes, have %d", requestHeaderSize, len(body)))
	}
	return Request{
		Chip:    machine.Chip{X: h.DestX, Y: h.DestY},
		Command: Command(binary.LittleEndian.Uint16(body[0:])),
		Seq:     binary.LittleEndian.Uint16(body[2:]),
		Arg1:    binary.LittleEndian.Uint32(body[4:]),
		Arg2:    binary.LittleEndian.Uint32(body[8:]),
		Arg3:    binary.LittleEndian.Uint32(body[12:]),
		Data:    body[requestHeaderSize:],
	}, nil
}

// Response is the board's reply to a Request.
type Response struct {
	RC   ResultCode
	Seq  uint16
	Data []byte
}

// Encode returns the framed UDP payload of r as a board would send it.
func (r Response) Encode() []byte {
	h := sdp.Header{Flags: sdp.ReplyNotExpected, Tag: replyTag, DestPort: 7, DestCPU: 31}
	b := make([]byte, 0, sdp.PaddingSize+sdp.HeaderSize+responseHeaderSize+len(r.Data))
	b = h.AppendTo(b)
	b = binary.LittleEndian.AppendUint16(b, uint16(r.RC))
	b = binary.LittleEndian.AppendUint16(b, r.Seq)
	return append(b, r.Data...)
}

// DecodeResponse parses a framed SCP reply. The data aliases b.
func DecodeResponse(b []byte) (Response, error) {
	_, body, err := sdp.Unframe(b)
	if err != nil {
		return Response{}, err
	}
	if len(body) < responseHeaderSize {
		return Response{}, errors.WrapInvalid(errors.ErrShortPacket, "scp", "DecodeResponse",
			fmt.Sprintf("need %d bytes, have %d", responseHeaderSize, len(body)))
	}
	return Response{
		RC:   ResultCode(binary.LittleEndian.Uint16(body[0:])),
		Seq:  binary.LittleEndian.Uint16(body[2:]),
		Data: body[responseHeaderSize:],
	}, nil
}
