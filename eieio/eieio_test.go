package eieio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
)

func TestDataMessage_PackUnpackPreservesOrder(t *testing.T) {
	for _, n := range []int{1, 2, 17, MaxEntries} {
		msg := NewDataMessage(1234, false)
		want := make([]uint32, n)
		for i := range want {
			want[i] = uint32(0x10000 + i*7)
			msg.AddKey(want[i])
		}
		assert.Equal(t, DataHeaderSize+4*n, msg.Size())

		encoded := msg.Encode()
		require.Len(t, encoded, msg.Size())

		got, consumed, err := DecodeDataMessage(encoded)
		require.NoError(t, err)
		assert.Equal(t, len(encoded), consumed)
		assert.Equal(t, uint32(1234), got.Timestamp)
		assert.Equal(t, want, got.Keys)
	}
}

func TestDataMessage_WithPayloads(t *testing.T) {
	msg := NewDataMessage(9, true)
	msg.AddKeyPayload(1, 100)
	msg.AddKeyPayload(2, 200)
	assert.Equal(t, 8, msg.EntrySize())
	assert.Equal(t, DataHeaderSize+16, msg.Size())

	got, _, err := DecodeDataMessage(msg.Encode())
	require.NoError(t, err)
	assert.Equal(t, TypeKeyPayload32, got.Type)
	assert.Equal(t, []uint32{1, 2}, got.Keys)
	assert.Equal(t, []uint32{100, 200}, got.Payloads)
}

func TestDataMessage_HeaderBits(t *testing.T) {
	msg := NewDataMessage(0, false)
	msg.AddKey(5)
	b := msg.Encode()
	// P, D and T set, type 2, count 1.
	assert.Equal(t, []byte{0x01, 0xB8}, b[:2])
	assert.Equal(t, MinMessageSize, len(b))
}

func TestDataMessage_Full(t *testing.T) {
	msg := NewDataMessage(0, false)
	for i := 0; i < MaxEntries; i++ {
		assert.False(t, msg.Full())
		msg.AddKey(uint32(i))
	}
	assert.True(t, msg.Full())
}

func TestDecodeDataMessage_Errors(t *testing.T) {
	msg := NewDataMessage(1, false)
	msg.AddKey(1)
	msg.AddKey(2)
	b := msg.Encode()

	_, _, err := DecodeDataMessage(b[:4])
	assert.ErrorIs(t, err, errors.ErrShortPacket)

	_, _, err = DecodeDataMessage(b[:len(b)-1])
	assert.ErrorIs(t, err, errors.ErrShortPacket)

	_, _, err = DecodeDataMessage(Encode(StopStreaming{}))
	assert.Error(t, err)
}

func TestCommands_EncodeDecode(t *testing.T) {
	data := NewDataMessage(77, false)
	data.AddKey(3)

	tests := []struct {
		name string
		cmd  Command
		size int
	}{
		{"padding", Padding{}, 2},
		{"stop streaming", StopStreaming{}, 2},
		{"stop requests", StopRequests{}, 2},
		{"start requests", StartRequests{}, 2},
		{"space available", SpaceAvailable{Core: machine.Core{X: 1, Y: 2, P: 3}, Region: 4, SeqNo: 200, Space: 1024}, 12},
		{"sequenced data", SequencedData{Region: 2, SeqNo: 9, Message: data}, 4 + MinMessageSize},
		{"sequenced stop", SequencedData{Region: 2, SeqNo: 10, Stop: true}, 4 + StopSize},
		{"read request", ReadRequest{
			Core:  machine.Core{X: 0, Y: 1, P: 5},
			SeqNo: 3,
			Entries: []ReadEntry{
				{Channel: 0, Region: 2, Start: 0x60000000, Length: 128},
				{Channel: 1, Region: 3, Start: 0x60001000, Length: 0},
			},
		}, 8 + 24},
		{"read ack", ReadAck{SeqNo: 3, Entries: []AckEntry{{Channel: 0, Region: 2, SpaceRead: 128}}}, 4 + 8},
		{"lightweight ack", LightweightAck{SeqNo: 255}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Encode(tt.cmd)
			require.Len(t, b, tt.size)
			assert.Equal(t, tt.size, tt.cmd.Size())
			assert.True(t, IsCommand(b))

			got, err := DecodeCommand(b)
			require.NoError(t, err)
			assert.Equal(t, tt.cmd.ID(), got.ID())
			assert.Equal(t, b, Encode(got))
		})
	}
}

func TestCommandHeaderBytes(t *testing.T) {
	assert.Equal(t, []byte{0x02, 0x40}, Encode(Padding{}))
	assert.Equal(t, []byte{0x03, 0x40}, Encode(StopStreaming{}))
	assert.Equal(t, []byte{0x04, 0x40}, Encode(StopRequests{}))
}

func TestDecodeCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want error
	}{
		{"empty", nil, errors.ErrShortPacket},
		{"unknown id", []byte{0x3F, 0x40}, errors.ErrUnknownCommand},
		{"data header", []byte{0x01, 0xB8}, errors.ErrInvalidData},
		{"short space available", []byte{0x06, 0x40, 0, 0, 0}, errors.ErrShortPacket},
		{"short read request entries", []byte{0x08, 0x40, 0, 0, 1, 2, 0, 0}, errors.ErrShortPacket},
		{"short read ack entries", []byte{0x09, 0x40, 1, 0}, errors.ErrShortPacket},
		{"short lightweight ack", []byte{0x0C, 0x40}, errors.ErrShortPacket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCommand(tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestCommandID_String(t *testing.T) {
	assert.Equal(t, "read_request", CmdReadRequest.String())
	assert.Equal(t, "command_63", CommandID(63).String())
}
