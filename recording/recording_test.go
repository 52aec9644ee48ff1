package recording

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bufferlink/eieio"
	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
)

type flatMemory map[uint32]byte

func (m flatMemory) write(addr uint32, b []byte) {
	for i, v := range b {
		m[addr+uint32(i)] = v
	}
}

func (m flatMemory) ReadMemory(_ context.Context, _ machine.Chip, addr uint32, n int) ([]byte, error) {
	out := make([]byte, n)
	for i := range out {
		out[i] = m[addr+uint32(i)]
	}
	return out, nil
}

func TestChannelState_EncodeDecode(t *testing.T) {
	s := ChannelState{Start: 0x1000, Write: 0x1010, DMAWrite: 0x1010, Read: 0x1004, End: 0x1100,
		Region: 2, MissingInfo: 1, LastOp: OpWrite}
	b := s.Encode()
	require.Len(t, b, ChannelStateSize)

	got, err := DecodeChannelState(b)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = DecodeChannelState(b[:10])
	assert.ErrorIs(t, err, errors.ErrShortPacket)
}

func TestUnreadRanges(t *testing.T) {
	tests := []struct {
		name  string
		state ChannelState
		want  []Range
	}{
		{
			name:  "read behind write",
			state: ChannelState{Start: 0, End: 100, Read: 20, Write: 70, LastOp: OpWrite},
			want:  []Range{{Address: 20, Length: 50, Final: true}},
		},
		{
			name:  "wrapped",
			state: ChannelState{Start: 0, End: 100, Read: 90, Write: 10, LastOp: OpWrite},
			want:  []Range{{Address: 90, Length: 10}, {Address: 0, Length: 10, Final: true}},
		},
		{
			name:  "full",
			state: ChannelState{Start: 0, End: 100, Read: 50, Write: 50, LastOp: OpWrite},
			want:  []Range{{Address: 50, Length: 50}, {Address: 0, Length: 50, Final: true}},
		},
		{
			name:  "empty",
			state: ChannelState{Start: 0, End: 100, Read: 50, Write: 50, LastOp: OpRead},
			want:  []Range{{Address: 50, Length: 0, Final: true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.state.UnreadRanges()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			total := uint32(0)
			for _, r := range got {
				total += r.Length
			}
			if tt.name == "full" {
				assert.Equal(t, tt.state.End-tt.state.Start, total)
			}
		})
	}
}

func TestUnreadRanges_NegativeLength(t *testing.T) {
	s := ChannelState{Start: 0, End: 100, Read: 120, Write: 10}
	_, err := s.UnreadRanges()
	assert.ErrorIs(t, err, errors.ErrNegativeLength)
	assert.True(t, errors.IsFatal(err))
}

func TestReplayAck(t *testing.T) {
	ack := func(entries ...eieio.AckEntry) eieio.ReadAck { return eieio.ReadAck{Entries: entries} }

	tests := []struct {
		name     string
		state    ChannelState
		ack      eieio.ReadAck
		wantRead uint32
		wantOp   Op
	}{
		{
			name:     "advances matching region only",
			state:    ChannelState{Start: 0, End: 100, Read: 10, Write: 60, LastOp: OpWrite},
			ack:      ack(eieio.AckEntry{Region: 1, SpaceRead: 20}, eieio.AckEntry{Region: 2, SpaceRead: 5}),
			wantRead: 30,
			wantOp:   OpWrite,
		},
		{
			name:     "catches up with write",
			state:    ChannelState{Start: 0, End: 100, Read: 10, Write: 60, LastOp: OpWrite},
			ack:      ack(eieio.AckEntry{Region: 1, SpaceRead: 50}),
			wantRead: 60,
			wantOp:   OpRead,
		},
		{
			name:     "wraps at end",
			state:    ChannelState{Start: 0, End: 100, Read: 90, Write: 30, LastOp: OpWrite},
			ack:      ack(eieio.AckEntry{Region: 1, SpaceRead: 10}),
			wantRead: 0,
			wantOp:   OpWrite,
		},
		{
			name:     "end with write at start is empty",
			state:    ChannelState{Start: 0, End: 100, Read: 90, Write: 0, LastOp: OpWrite},
			ack:      ack(eieio.AckEntry{Region: 1, SpaceRead: 10}),
			wantRead: 0,
			wantOp:   OpRead,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.state
			require.NoError(t, s.ReplayAck(1, tt.ack))
			assert.Equal(t, tt.wantRead, s.Read)
			assert.Equal(t, tt.wantOp, s.LastOp)
			assert.True(t, s.Reconciled)

			// A second replay changes nothing.
			require.NoError(t, s.ReplayAck(1, tt.ack))
			assert.Equal(t, tt.wantRead, s.Read)
		})
	}
}

func TestReplayAck_Overrun(t *testing.T) {
	s := ChannelState{Start: 0, End: 100, Read: 90, Write: 10}
	err := s.ReplayAck(0, eieio.ReadAck{Entries: []eieio.AckEntry{{Region: 0, SpaceRead: 20}}})
	assert.ErrorIs(t, err, errors.ErrReadOverrun)
	assert.True(t, errors.IsFatal(err))
}

func TestHeader_EncodeDecode(t *testing.T) {
	h := Header{
		Tag:                 3,
		SizeBeforeReceive:   256,
		TimeBetweenRequests: 10,
		LastSequenceNumber:  42,
		StateAddresses:      []uint32{0x7000, 0x7018},
		Windows:             []TimeWindow{{Start: 0, End: 1000}},
	}
	b := EncodeHeader(h)
	assert.Len(t, b, 4*(7+2+2))
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(b[LastSequenceNumberOffset:]))

	got, err := DecodeHeader(b, 2)
	require.NoError(t, err)
	assert.Equal(t, h.StateAddresses, got.StateAddresses)
	assert.Equal(t, h.LastSequenceNumber, got.LastSequenceNumber)

	_, err = DecodeHeader(b[:20], 1)
	assert.ErrorIs(t, err, errors.ErrShortPacket)
}

func TestReadFromCoreMemory(t *testing.T) {
	const base = 0x6000
	core := machine.Core{X: 1, Y: 0, P: 4}
	state := ChannelState{Start: 0x8000, End: 0x8100, Read: 0x8000, Write: 0x8040, Region: 1, LastOp: OpWrite}

	mem := flatMemory{}
	mem.write(base, EncodeHeader(Header{LastSequenceNumber: 7, StateAddresses: []uint32{0x7000, 0x7100}}))
	mem.write(0x7100, state.Encode())

	ctx := context.Background()
	seq, err := LastSequenceNumber(ctx, mem, core, base)
	require.NoError(t, err)
	assert.Equal(t, uint8(7), seq)

	addr, err := ChannelStateAddress(ctx, mem, core, base, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7100), addr)

	got, err := ReadChannelState(ctx, mem, core.Chip(), addr)
	require.NoError(t, err)
	assert.Equal(t, state, got)
}
