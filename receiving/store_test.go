package receiving

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bufferlink/eieio"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/recording"
	"github.com/c360/bufferlink/storage"
	"github.com/c360/bufferlink/storage/memstore"
)

var (
	core0 = machine.Core{X: 0, Y: 0, P: 1}
	core1 = machine.Core{X: 1, Y: 0, P: 2}
)

func TestStore_SequenceStartsAt255(t *testing.T) {
	s := New(memstore.New(), nil)
	ctx := context.Background()

	seq, err := s.LastSequenceNo(ctx, core0)
	require.NoError(t, err)
	assert.Equal(t, InitialSequenceNo, seq)

	require.NoError(t, s.UpdateSequenceNo(ctx, core0, 0))
	seq, err = s.LastSequenceNo(ctx, core0)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), seq)

	// Other cores are unaffected.
	seq, err = s.LastSequenceNo(ctx, core1)
	require.NoError(t, err)
	assert.Equal(t, InitialSequenceNo, seq)
}

func TestStore_LastReceivedAndSent(t *testing.T) {
	s := New(memstore.New(), nil)
	ctx := context.Background()

	_, ok, err := s.LastReceived(ctx, core0)
	require.NoError(t, err)
	assert.False(t, ok)
	_, _, ok, err = s.LastSent(ctx, core0)
	require.NoError(t, err)
	assert.False(t, ok)

	req := eieio.ReadRequest{Core: core0, SeqNo: 4, Entries: []eieio.ReadEntry{
		{Channel: 0, Region: 1, Start: 0x100, Length: 64},
	}}
	require.NoError(t, s.StoreLastReceived(ctx, req))
	got, ok, err := s.LastReceived(ctx, core0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, req, got)

	ack := eieio.ReadAck{SeqNo: 4, Entries: []eieio.AckEntry{{Channel: 0, Region: 1, SpaceRead: 64}}}
	require.NoError(t, s.StoreLastSent(ctx, core0, ack))
	gotAck, raw, ok, err := s.LastSent(ctx, core0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ack, gotAck)
	assert.Equal(t, eieio.Encode(ack), raw)
}

func TestStore_EndSequenceNo(t *testing.T) {
	s := New(memstore.New(), nil)
	ctx := context.Background()

	_, ok, err := s.EndSequenceNo(ctx, core0)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.StoreEndSequenceNo(ctx, core0, 17))
	seq, ok, err := s.EndSequenceNo(ctx, core0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint8(17), seq)
}

func TestStore_DataAndFlush(t *testing.T) {
	s := New(memstore.New(), nil)
	ctx := context.Background()
	key := storage.RegionKey{Core: core0, Region: 2}

	require.NoError(t, s.StoreData(ctx, key, []byte{1, 2}))
	flushed, err := s.IsFlushed(ctx, key)
	require.NoError(t, err)
	assert.False(t, flushed)

	require.NoError(t, s.FlushData(ctx, key, []byte{3}))
	flushed, err = s.IsFlushed(ctx, key)
	require.NoError(t, err)
	assert.True(t, flushed)

	got, err := s.RegionData(key).Bytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestStore_EndState(t *testing.T) {
	s := New(memstore.New(), nil)
	ctx := context.Background()
	key := storage.RegionKey{Core: core0, Region: 0}

	recovered, err := s.IsEndStateRecovered(ctx, key)
	require.NoError(t, err)
	assert.False(t, recovered)

	state := recording.ChannelState{Start: 0, Write: 10, Read: 4, End: 100, LastOp: recording.OpWrite}
	require.NoError(t, s.StoreEndState(ctx, key, state))

	got, ok, err := s.EndState(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, state, got)
}

func TestStore_WritesThroughAndReloads(t *testing.T) {
	backend := memstore.New()
	ctx := context.Background()
	key := storage.RegionKey{Core: core1, Region: 1}

	first := New(backend, nil)
	require.NoError(t, first.UpdateSequenceNo(ctx, core1, 9))
	require.NoError(t, first.FlushData(ctx, key, []byte{7}))

	// A second store over the same backend sees what the first wrote.
	second := New(backend, nil)
	seq, err := second.LastSequenceNo(ctx, core1)
	require.NoError(t, err)
	assert.Equal(t, uint8(9), seq)
	flushed, err := second.IsFlushed(ctx, key)
	require.NoError(t, err)
	assert.True(t, flushed)
}

func TestStore_Clear(t *testing.T) {
	s := New(memstore.New(), nil)
	ctx := context.Background()
	key := storage.RegionKey{Core: core0, Region: 1}
	other := storage.RegionKey{Core: core0, Region: 2}

	require.NoError(t, s.FlushData(ctx, key, []byte{1}))
	require.NoError(t, s.StoreEndState(ctx, key, recording.ChannelState{End: 8}))
	require.NoError(t, s.FlushData(ctx, other, []byte{2}))

	require.NoError(t, s.Clear(ctx, core0, 1))

	n, err := s.RegionData(key).Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	flushed, err := s.IsFlushed(ctx, key)
	require.NoError(t, err)
	assert.False(t, flushed)
	recovered, err := s.IsEndStateRecovered(ctx, key)
	require.NoError(t, err)
	assert.False(t, recovered)

	flushed, err = s.IsFlushed(ctx, other)
	require.NoError(t, err)
	assert.True(t, flushed)
}

func TestStore_ResumeKeepsData(t *testing.T) {
	s := New(memstore.New(), nil)
	ctx := context.Background()
	key := storage.RegionKey{Core: core0, Region: 0}

	require.NoError(t, s.UpdateSequenceNo(ctx, core0, 30))
	require.NoError(t, s.StoreLastSent(ctx, core0, eieio.ReadAck{SeqNo: 30}))
	require.NoError(t, s.StoreEndSequenceNo(ctx, core0, 30))
	require.NoError(t, s.StoreEndState(ctx, key, recording.ChannelState{End: 8}))
	require.NoError(t, s.FlushData(ctx, key, []byte{5, 6}))

	require.NoError(t, s.Resume(ctx))

	seq, err := s.LastSequenceNo(ctx, core0)
	require.NoError(t, err)
	assert.Equal(t, InitialSequenceNo, seq)
	_, _, ok, err := s.LastSent(ctx, core0)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.EndSequenceNo(ctx, core0)
	require.NoError(t, err)
	assert.False(t, ok)
	flushed, err := s.IsFlushed(ctx, key)
	require.NoError(t, err)
	assert.False(t, flushed)
	recovered, err := s.IsEndStateRecovered(ctx, key)
	require.NoError(t, err)
	assert.False(t, recovered)

	got, err := s.RegionData(key).Bytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6}, got)
}

func TestStore_Destroy(t *testing.T) {
	backend := memstore.New()
	s := New(backend, nil)
	ctx := context.Background()
	key := storage.RegionKey{Core: core0}
	require.NoError(t, s.StoreData(ctx, key, []byte{1}))
	require.NoError(t, s.UpdateSequenceNo(ctx, core0, 3))

	require.NoError(t, s.Destroy())

	seq, err := s.LastSequenceNo(ctx, core0)
	require.NoError(t, err)
	assert.Equal(t, InitialSequenceNo, seq)
	n, err := s.RegionData(key).Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
