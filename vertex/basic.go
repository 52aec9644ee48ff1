package vertex

import (
	"context"
	"sort"

	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/transport"
)

// SendRegion is one outbound region of a Basic vertex.
type SendRegion struct {
	Size   int
	Source EventSource
}

// Basic is a vertex built from static configuration. It is a Sender when it has
// send regions, a Receiver when it has recorded regions.
type Basic struct {
	Name          string
	Sends         map[int]SendRegion
	Recorded      []int
	RecordingBase uint32
	Tags          []machine.IPTag
}

func (b *Basic) Label() string { return b.Name }

// SendRegions returns the outbound region ids in ascending order.
func (b *Basic) SendRegions() []int {
	ids := make([]int, 0, len(b.Sends))
	for id := range b.Sends {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (b *Basic) RegionBufferSize(region int) int {
	return b.Sends[region].Size
}

func (b *Basic) Source(region int) EventSource {
	return b.Sends[region].Source
}

func (b *Basic) RecordedRegionIDs() []int {
	return b.Recorded
}

// RecordingBaseAddress returns the configured address; the memory reader is unused.
func (b *Basic) RecordingBaseAddress(_ context.Context, _ transport.MemoryReader, _ machine.Core) (uint32, error) {
	return b.RecordingBase, nil
}

func (b *Basic) IPTags() []machine.IPTag {
	return b.Tags
}

// IsSender reports whether the vertex has anything to send.
func (b *Basic) IsSender() bool { return len(b.Sends) > 0 }

// IsReceiver reports whether the vertex records anything.
func (b *Basic) IsReceiver() bool { return len(b.Recorded) > 0 }
