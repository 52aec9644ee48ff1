// Package storagetest holds the behaviour every storage.Backend must share.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/recording"
	"github.com/c360/bufferlink/storage"
)

// Run exercises a backend. newBackend must return an empty backend; Run does
// not close it.
func Run(t *testing.T, newBackend func(t *testing.T) storage.Backend) {
	t.Run("AppendConcatenates", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		key := storage.RegionKey{Core: machine.Core{X: 0, Y: 1, P: 3}, Region: 2}

		rd := b.Region(key)
		n, err := rd.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		require.NoError(t, rd.Append(ctx, []byte{1, 2, 3}))
		require.NoError(t, rd.Append(ctx, nil))
		require.NoError(t, b.Region(key).Append(ctx, []byte{4, 5}))

		got, err := rd.Bytes(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3, 4, 5}, got)

		n, err = rd.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	})

	t.Run("ManyChunksKeepOrder", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		rd := b.Region(storage.RegionKey{Core: machine.Core{P: 1}, Region: 0})

		var want []byte
		for i := 0; i < 300; i++ {
			chunk := []byte{byte(i), byte(i >> 8)}
			want = append(want, chunk...)
			require.NoError(t, rd.Append(ctx, chunk))
		}
		got, err := rd.Bytes(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("RegionsAreIndependent", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		a := storage.RegionKey{Core: machine.Core{P: 1}, Region: 0}
		c := storage.RegionKey{Core: machine.Core{P: 1}, Region: 1}
		// Same digits, different core: must not collide with a.
		d := storage.RegionKey{Core: machine.Core{P: 10}, Region: 0}

		require.NoError(t, b.Region(a).Append(ctx, []byte("aa")))
		require.NoError(t, b.Region(c).Append(ctx, []byte("cc")))
		require.NoError(t, b.Region(d).Append(ctx, []byte("dd")))

		for key, want := range map[storage.RegionKey]string{a: "aa", c: "cc", d: "dd"} {
			got, err := b.Region(key).Bytes(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, string(got), key.String())
		}
	})

	t.Run("RegionRecord", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		key := storage.RegionKey{Core: machine.Core{X: 1, P: 4}, Region: 1}

		_, ok, err := b.State(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		rec := storage.RegionRecord{
			State: recording.ChannelState{
				Start: 0x1000, Write: 0x1010, Read: 0x1004, End: 0x1100,
				Region: 1, LastOp: recording.OpWrite, Reconciled: true,
			},
			Recovered: true,
		}
		require.NoError(t, b.PutState(ctx, key, rec))

		got, ok, err := b.State(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rec, got)

		rec.Flushed = true
		require.NoError(t, b.PutState(ctx, key, rec))
		got, _, err = b.State(ctx, key)
		require.NoError(t, err)
		assert.True(t, got.Flushed)
	})

	t.Run("CoreRecord", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		core := machine.Core{X: 2, Y: 2, P: 7}

		_, ok, err := b.CoreState(ctx, core)
		require.NoError(t, err)
		assert.False(t, ok)

		rec := storage.CoreRecord{
			LastSeq:      41,
			LastReceived: []byte{0x08, 0x40, 2, 2, 7, 1, 41, 0},
			LastSent:     []byte{0, 0, 7, 0, 2, 7},
			EndSeq:       40,
			HasEndSeq:    true,
		}
		require.NoError(t, b.PutCoreState(ctx, core, rec))

		got, ok, err := b.CoreState(ctx, core)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rec, got)
	})

	t.Run("ClearDropsDataAndRecord", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		key := storage.RegionKey{Core: machine.Core{P: 2}, Region: 0}
		other := storage.RegionKey{Core: machine.Core{P: 2}, Region: 1}

		require.NoError(t, b.Region(key).Append(ctx, []byte{1, 2}))
		require.NoError(t, b.Region(other).Append(ctx, []byte{9}))
		require.NoError(t, b.PutState(ctx, key, storage.RegionRecord{Flushed: true}))

		require.NoError(t, b.Clear(ctx, key))

		n, err := b.Region(key).Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		_, ok, err := b.State(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := b.Region(other).Bytes(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{9}, got)

		// A cleared region accepts data again.
		require.NoError(t, b.Region(key).Append(ctx, []byte{3}))
		got, err = b.Region(key).Bytes(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{3}, got)
	})

	t.Run("RegionDataClear", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		key := storage.RegionKey{Core: machine.Core{P: 5}, Region: 3}
		require.NoError(t, b.Region(key).Append(ctx, []byte{1}))
		require.NoError(t, b.PutState(ctx, key, storage.RegionRecord{Recovered: true}))

		require.NoError(t, b.Region(key).Clear(ctx))

		n, err := b.Region(key).Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		// Only the data goes; the record stays.
		_, ok, err := b.State(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
