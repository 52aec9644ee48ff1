package eieio

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
)

// CommandID identifies a command message.
type CommandID uint16

// Command ids used by the buffering protocol
const (
	CmdPadding        CommandID = 2
	CmdStopStreaming  CommandID = 3
	CmdStopRequests   CommandID = 4
	CmdStartRequests  CommandID = 5
	CmdSpaceAvailable CommandID = 6
	CmdSequencedData  CommandID = 7
	CmdReadRequest    CommandID = 8
	CmdReadAck        CommandID = 9
	CmdLightweightAck CommandID = 12
)

func (id CommandID) String() string {
	switch id {
	case CmdPadding:
		return "padding"
	case CmdStopStreaming:
		return "stop_streaming"
	case CmdStopRequests:
		return "stop_requests"
	case CmdStartRequests:
		return "start_requests"
	case CmdSpaceAvailable:
		return "space_available"
	case CmdSequencedData:
		return "sequenced_data"
	case CmdReadRequest:
		return "read_request"
	case CmdReadAck:
		return "read_ack"
	case CmdLightweightAck:
		return "lightweight_ack"
	default:
		return fmt.Sprintf("command_%d", uint16(id))
	}
}

const (
	commandFlag     = 0x4000
	commandMask     = 0xC000
	commandIDMask   = 0x3FFF
	commandHdrSize  = 2
	readEntrySize   = 12
	ackEntrySize    = 8
	readRequestBase = 8
	readAckBase     = 4

	// PaddingSize is the length of one padding record; every region is filled
	// with a whole number of them.
	PaddingSize = commandHdrSize
	// StopSize is the length of a StopStreaming message.
	StopSize = commandHdrSize
	// SequencedDataOverhead precedes the data message inside SequencedData.
	SequencedDataOverhead = 4
)

// Command is any encodable command message.
type Command interface {
	ID() CommandID
	Size() int
	AppendTo(b []byte) []byte
}

// Encode returns the wire bytes of c.
func Encode(c Command) []byte {
	return c.AppendTo(make([]byte, 0, c.Size()))
}

func appendHeader(b []byte, id CommandID) []byte {
	return binary.LittleEndian.AppendUint16(b, commandFlag|uint16(id))
}

// Header-only commands.
type (
	// Padding fills unused region bytes.
	Padding struct{}
	// StopStreaming tells a core no more data follows for a region.
	StopStreaming struct{}
	// StopRequests tells a core to stop sending SpaceAvailable.
	StopRequests struct{}
	// StartRequests re-enables SpaceAvailable notifications.
	StartRequests struct{}
)

func (Padding) ID() CommandID       { return CmdPadding }
func (StopStreaming) ID() CommandID { return CmdStopStreaming }
func (StopRequests) ID() CommandID  { return CmdStopRequests }
func (StartRequests) ID() CommandID { return CmdStartRequests }

func (Padding) Size() int       { return commandHdrSize }
func (StopStreaming) Size() int { return commandHdrSize }
func (StopRequests) Size() int  { return commandHdrSize }
func (StartRequests) Size() int { return commandHdrSize }

func (c Padding) AppendTo(b []byte) []byte       { return appendHeader(b, c.ID()) }
func (c StopStreaming) AppendTo(b []byte) []byte { return appendHeader(b, c.ID()) }
func (c StopRequests) AppendTo(b []byte) []byte  { return appendHeader(b, c.ID()) }
func (c StartRequests) AppendTo(b []byte) []byte { return appendHeader(b, c.ID()) }

// SpaceAvailable is sent by a core when a receive region has room.
type SpaceAvailable struct {
	Core   machine.Core
	Region uint8
	SeqNo  uint8
	Space  uint32
}

func (SpaceAvailable) ID() CommandID { return CmdSpaceAvailable }
func (SpaceAvailable) Size() int     { return 12 }

func (c SpaceAvailable) AppendTo(b []byte) []byte {
	b = appendHeader(b, c.ID())
	b = append(b, c.Core.X, c.Core.Y, c.Core.P, 0, c.Region, c.SeqNo)
	return binary.LittleEndian.AppendUint32(b, c.Space)
}

// SequencedData carries one data message for a region with its window
// sequence number. With Stop set it carries a StopStreaming instead.
type SequencedData struct {
	Region  uint8
	SeqNo   uint8
	Message *DataMessage
	Stop    bool
}

func (SequencedData) ID() CommandID { return CmdSequencedData }

func (c SequencedData) Size() int {
	if c.Stop {
		return SequencedDataOverhead + StopSize
	}
	if c.Message == nil {
		return SequencedDataOverhead
	}
	return SequencedDataOverhead + c.Message.Size()
}

func (c SequencedData) AppendTo(b []byte) []byte {
	b = appendHeader(b, c.ID())
	b = append(b, c.Region, c.SeqNo)
	switch {
	case c.Stop:
		b = StopStreaming{}.AppendTo(b)
	case c.Message != nil:
		b = c.Message.AppendTo(b)
	}
	return b
}

// ReadEntry describes one recorded region range a core wants drained.
type ReadEntry struct {
	Channel uint8
	Region  uint8
	Start   uint32
	Length  uint32
}

// ReadRequest asks the host to drain one or more recorded ranges.
type ReadRequest struct {
	Core    machine.Core
	SeqNo   uint8
	Entries []ReadEntry
}

func (ReadRequest) ID() CommandID { return CmdReadRequest }
func (c ReadRequest) Size() int   { return readRequestBase + readEntrySize*len(c.Entries) }

func (c ReadRequest) AppendTo(b []byte) []byte {
	b = appendHeader(b, c.ID())
	b = append(b, c.Core.X, c.Core.Y, c.Core.P, uint8(len(c.Entries)), c.SeqNo, 0)
	for _, e := range c.Entries {
		b = append(b, e.Channel, e.Region, 0, 0)
		b = binary.LittleEndian.AppendUint32(b, e.Start)
		b = binary.LittleEndian.AppendUint32(b, e.Length)
	}
	return b
}

// AckEntry reports how many bytes the host read from one channel.
type AckEntry struct {
	Channel   uint8
	Region    uint8
	SpaceRead uint32
}

// ReadAck answers a ReadRequest once the data is stored.
type ReadAck struct {
	SeqNo   uint8
	Entries []AckEntry
}

func (ReadAck) ID() CommandID { return CmdReadAck }
func (c ReadAck) Size() int   { return readAckBase + ackEntrySize*len(c.Entries) }

func (c ReadAck) AppendTo(b []byte) []byte {
	b = appendHeader(b, c.ID())
	b = append(b, uint8(len(c.Entries)), c.SeqNo)
	for _, e := range c.Entries {
		b = append(b, e.Channel, e.Region, 0, 0)
		b = binary.LittleEndian.AppendUint32(b, e.SpaceRead)
	}
	return b
}

// LightweightAck stops a core retransmitting a ReadRequest while it is handled.
type LightweightAck struct {
	SeqNo uint8
}

func (LightweightAck) ID() CommandID { return CmdLightweightAck }
func (LightweightAck) Size() int     { return 4 }

func (c LightweightAck) AppendTo(b []byte) []byte {
	b = appendHeader(b, c.ID())
	return append(b, c.SeqNo, 0)
}

// IsCommand reports whether b starts with a command header.
func IsCommand(b []byte) bool {
	return len(b) >= commandHdrSize && binary.LittleEndian.Uint16(b)&commandMask == commandFlag
}

func short(what string, need, have int) error {
	return errors.WrapInvalid(errors.ErrShortPacket, "eieio", "DecodeCommand",
		fmt.Sprintf("%s needs %d bytes, have %d", what, need, have))
}

// DecodeCommand decodes a command message. Unknown ids return ErrUnknownCommand
// with the id in the message.
func DecodeCommand(b []byte) (Command, error) {
	if len(b) < commandHdrSize {
		return nil, short("command header", commandHdrSize, len(b))
	}
	h := binary.LittleEndian.Uint16(b)
	if h&commandMask != commandFlag {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "eieio", "DecodeCommand",
			fmt.Sprintf("header 0x%04x is not a command", h))
	}
	id := CommandID(h & commandIDMask)

	switch id {
	case CmdPadding:
		return Padding{}, nil
	case CmdStopStreaming:
		return StopStreaming{}, nil
	case CmdStopRequests:
		return StopRequests{}, nil
	case CmdStartRequests:
		return StartRequests{}, nil

	case CmdSpaceAvailable:
		if len(b) < 12 {
			return nil, short("space available", 12, len(b))
		}
		return SpaceAvailable{
			Core:   machine.Core{X: b[2], Y: b[3], P: b[4]},
			Region: b[6],
			SeqNo:  b[7],
			Space:  binary.LittleEndian.Uint32(b[8:]),
		}, nil

	case CmdSequencedData:
		if len(b) < SequencedDataOverhead {
			return nil, short("sequenced data", SequencedDataOverhead, len(b))
		}
		body := b[SequencedDataOverhead:]
		if IsCommand(body) {
			if CommandID(binary.LittleEndian.Uint16(body)&commandIDMask) != CmdStopStreaming {
				return nil, errors.WrapInvalid(errors.ErrInvalidData, "eieio", "DecodeCommand",
					"sequenced data carries a command other than stop")
			}
			return SequencedData{Region: b[2], SeqNo: b[3], Stop: true}, nil
		}
		msg, _, err := DecodeDataMessage(body)
		if err != nil {
			return nil, err
		}
		return SequencedData{Region: b[2], SeqNo: b[3], Message: msg}, nil

	case CmdReadRequest:
		if len(b) < readRequestBase {
			return nil, short("read request", readRequestBase, len(b))
		}
		n := int(b[5])
		need := readRequestBase + readEntrySize*n
		if len(b) < need {
			return nil, short("read request entries", need, len(b))
		}
		req := ReadRequest{
			Core:    machine.Core{X: b[2], Y: b[3], P: b[4]},
			SeqNo:   b[6],
			Entries: make([]ReadEntry, n),
		}
		for i := range req.Entries {
			e := b[readRequestBase+i*readEntrySize:]
			req.Entries[i] = ReadEntry{
				Channel: e[0],
				Region:  e[1],
				Start:   binary.LittleEndian.Uint32(e[4:]),
				Length:  binary.LittleEndian.Uint32(e[8:]),
			}
		}
		return req, nil

	case CmdReadAck:
		if len(b) < readAckBase {
			return nil, short("read ack", readAckBase, len(b))
		}
		n := int(b[2])
		need := readAckBase + ackEntrySize*n
		if len(b) < need {
			return nil, short("read ack entries", need, len(b))
		}
		ack := ReadAck{SeqNo: b[3], Entries: make([]AckEntry, n)}
		for i := range ack.Entries {
			e := b[readAckBase+i*ackEntrySize:]
			ack.Entries[i] = AckEntry{
				Channel:   e[0],
				Region:    e[1],
				SpaceRead: binary.LittleEndian.Uint32(e[4:]),
			}
		}
		return ack, nil

	case CmdLightweightAck:
		if len(b) < 4 {
			return nil, short("lightweight ack", 4, len(b))
		}
		return LightweightAck{SeqNo: b[2]}, nil
	}

	return nil, errors.WrapInvalid(errors.ErrUnknownCommand, "eieio", "DecodeCommand",
		fmt.Sprintf("command id %d", uint16(id)))
}
