package vertex_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bufferlink/events"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/vertex"
)

var (
	_ vertex.Sender   = (*vertex.Basic)(nil)
	_ vertex.Receiver = (*vertex.Basic)(nil)
	_ vertex.Tagged   = (*vertex.Basic)(nil)
)

func TestBasic_Capabilities(t *testing.T) {
	src := events.FromMap(map[uint32][]uint32{0: {1, 2}})
	tests := []struct {
		name         string
		v            *vertex.Basic
		wantSender   bool
		wantReceiver bool
	}{
		{"empty", &vertex.Basic{}, false, false},
		{"sender", &vertex.Basic{Sends: map[int]vertex.SendRegion{2: {Size: 64, Source: src}}}, true, false},
		{"receiver", &vertex.Basic{Recorded: []int{0}}, false, true},
		{"both", &vertex.Basic{Sends: map[int]vertex.SendRegion{0: {Size: 64, Source: src}}, Recorded: []int{1}}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantSender, tt.v.IsSender())
			assert.Equal(t, tt.wantReceiver, tt.v.IsReceiver())
		})
	}
}

func TestBasic_Regions(t *testing.T) {
	src := events.FromMap(map[uint32][]uint32{5: {7}})
	v := &vertex.Basic{
		Name: "spikes",
		Sends: map[int]vertex.SendRegion{
			3: {Size: 128, Source: src},
			1: {Size: 256, Source: src},
		},
		Recorded:      []int{0, 2},
		RecordingBase: 0x7000,
		Tags:          []machine.IPTag{{Tag: 1, Host: "10.0.0.1", Port: 17893, BoardAddress: "10.0.0.2"}},
	}

	assert.Equal(t, "spikes", v.Label())
	assert.Equal(t, []int{1, 3}, v.SendRegions())
	assert.Equal(t, 256, v.RegionBufferSize(1))
	assert.Equal(t, 0, v.RegionBufferSize(9))
	assert.Same(t, src, v.Source(3))
	assert.Equal(t, []int{0, 2}, v.RecordedRegionIDs())
	assert.Len(t, v.IPTags(), 1)

	base, err := v.RecordingBaseAddress(context.Background(), nil, machine.Core{})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7000), base)
}
