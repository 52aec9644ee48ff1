package eieio

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/bufferlink/errors"
)

// Type is the key/payload width of a data message.
type Type uint8

// Data message types
const (
	TypeKey16        Type = 0
	TypeKeyPayload16 Type = 1
	TypeKey32        Type = 2
	TypeKeyPayload32 Type = 3
)

const (
	// DataHeaderSize covers header, key prefix and timestamp.
	DataHeaderSize = 8
	// MinMessageSize is a data message holding exactly one 32-bit key.
	MinMessageSize = DataHeaderSize + 4
	// MaxEntries is the largest event count the 8-bit count field holds.
	MaxEntries = 255

	flagPrefix      = 1 << 15
	flagPrefixUpper = 1 << 14
	flagPayloadBase = 1 << 13
	flagTimestamp   = 1 << 12
)

// DataMessage is a batch of events sharing one timestamp.
type DataMessage struct {
	Type      Type
	Tag       uint8
	Prefix    uint16
	Timestamp uint32
	Keys      []uint32
	Payloads  []uint32
}

// NewDataMessage opens an empty message for timestamp. withPayload selects
// key+payload entries.
func NewDataMessage(timestamp uint32, withPayload bool) *DataMessage {
	t := TypeKey32
	if withPayload {
		t = TypeKeyPayload32
	}
	return &DataMessage{Type: t, Timestamp: timestamp}
}

// EntrySize is the number of bytes one event adds.
func (m *DataMessage) EntrySize() int {
	if m.Type == TypeKeyPayload32 {
		return 8
	}
	return 4
}

// Count is the number of events in the message.
func (m *DataMessage) Count() int {
	return len(m.Keys)
}

// Size is the encoded length in bytes.
func (m *DataMessage) Size() int {
	return DataHeaderSize + m.Count()*m.EntrySize()
}

// Full reports whether the count field cannot take another event.
func (m *DataMessage) Full() bool {
	return m.Count() >= MaxEntries
}

// AddKey appends a key-only event.
func (m *DataMessage) AddKey(key uint32) {
	m.Keys = append(m.Keys, key)
	if m.Type == TypeKeyPayload32 {
		m.Payloads = append(m.Payloads, 0)
	}
}

// AddKeyPayload appends a key with its payload. The message must have been
// opened with payloads.
func (m *DataMessage) AddKeyPayload(key, payload uint32) {
	m.Keys = append(m.Keys, key)
	m.Payloads = append(m.Payloads, payload)
}

func (m *DataMessage) header() uint16 {
	h := uint16(flagPrefix | flagPayloadBase | flagTimestamp)
	h |= uint16(m.Type&0x3) << 10
	h |= uint16(m.Tag&0x3) << 8
	h |= uint16(m.Count() & 0xFF)
	return h
}

// AppendTo appends the encoded message to b.
func (m *DataMessage) AppendTo(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, m.header())
	b = binary.LittleEndian.AppendUint16(b, m.Prefix)
	b = binary.LittleEndian.AppendUint32(b, m.Timestamp)
	for i, key := range m.Keys {
		b = binary.LittleEndian.AppendUint32(b, key)
		if m.Type == TypeKeyPayload32 {
			b = binary.LittleEndian.AppendUint32(b, m.Payloads[i])
		}
	}
	return b
}

// Encode returns the wire bytes of the message.
func (m *DataMessage) Encode() []byte {
	return m.AppendTo(make([]byte, 0, m.Size()))
}

// DecodeDataMessage decodes one timestamped 32-bit data message from the front
// of b and returns it with the number of bytes consumed.
func DecodeDataMessage(b []byte) (*DataMessage, int, error) {
	if len(b) < DataHeaderSize {
		return nil, 0, errors.WrapInvalid(errors.ErrShortPacket, "eieio", "DecodeDataMessage",
			fmt.Sprintf("header needs %d bytes, have %d", DataHeaderSize, len(b)))
	}
	h := binary.LittleEndian.Uint16(b)
	if h&flagPrefix == 0 || h&flagPayloadBase == 0 || h&flagTimestamp == 0 {
		return nil, 0, errors.WrapInvalid(errors.ErrInvalidData, "eieio", "DecodeDataMessage",
			fmt.Sprintf("header 0x%04x is not a timestamped prefixed message", h))
	}
	m := &DataMessage{
		Type:      Type((h >> 10) & 0x3),
		Tag:       uint8((h >> 8) & 0x3),
		Prefix:    binary.LittleEndian.Uint16(b[2:]),
		Timestamp: binary.LittleEndian.Uint32(b[4:]),
	}
	if m.Type != TypeKey32 && m.Type != TypeKeyPayload32 {
		return nil, 0, errors.WrapInvalid(errors.ErrInvalidData, "eieio", "DecodeDataMessage",
			fmt.Sprintf("unsupported message type %d", m.Type))
	}

	count := int(h & 0xFF)
	size := DataHeaderSize + count*m.EntrySize()
	if len(b) < size {
		return nil, 0, errors.WrapInvalid(errors.ErrShortPacket, "eieio", "DecodeDataMessage",
			fmt.Sprintf("%d events need %d bytes, have %d", count, size, len(b)))
	}

	off := DataHeaderSize
	m.Keys = make([]uint32, 0, count)
	for i := 0; i < count; i++ {
		m.Keys = append(m.Keys, binary.LittleEndian.Uint32(b[off:]))
		off += 4
		if m.Type == TypeKeyPayload32 {
			m.Payloads = append(m.Payloads, binary.LittleEndian.Uint32(b[off:]))
			off += 4
		}
	}
	return m, size, nil
}
