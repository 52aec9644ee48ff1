package config

import (
	"fmt"
	"strconv"

	"github.com/c360/bufferlink/events"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/transport"
	"github.com/c360/bufferlink/vertex"
)

// Core returns the placement of c.
func (c CoreConfig) Core() machine.Core {
	return machine.Core{X: c.X, Y: c.Y, P: c.P}
}

// Placement is one configured vertex and the core it runs on.
type Placement struct {
	Core   machine.Core
	Vertex *vertex.Basic
}

// Placements builds the vertices described in c.Cores. Receivers get the
// listener's IP tag; schedules are loaded from disk.
func (c *Config) Placements() ([]Placement, error) {
	tag := machine.IPTag{
		Tag:          c.Listener.Tag,
		Host:         c.Listener.Host,
		Port:         c.Listener.Port,
		BoardAddress: c.BoardAddress(),
		TrafficID:    machine.BufferTraffic,
	}

	out := make([]Placement, 0, len(c.Cores))
	for _, cc := range c.Cores {
		core := cc.Core()
		label := cc.Label
		if label == "" {
			label = "core " + core.String()
		}
		v := &vertex.Basic{
			Name:          label,
			Sends:         make(map[int]vertex.SendRegion, len(cc.Sends)),
			Recorded:      cc.Recorded,
			RecordingBase: cc.RecordingBase,
		}
		for _, s := range cc.Sends {
			src, err := s.source()
			if err != nil {
				return nil, fmt.Errorf("core %s region %d: %w", core, s.Region, err)
			}
			v.Sends[s.Region] = vertex.SendRegion{Size: s.Size, Source: src}
		}
		if len(cc.Recorded) > 0 {
			v.Tags = []machine.IPTag{tag}
		}
		out = append(out, Placement{Core: core, Vertex: v})
	}
	return out, nil
}

func (s SendConfig) source() (*events.Schedule, error) {
	if s.Schedule != "" {
		return events.Load(s.Schedule)
	}
	m := make(map[uint32][]uint32, len(s.Events))
	for k, keys := range s.Events {
		ts, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("timestamp %q: %w", k, err)
		}
		m[uint32(ts)] = keys
	}
	return events.FromMap(m), nil
}

// RegionTable returns the configured region base addresses.
func (c *Config) RegionTable() *transport.StaticRegionTable {
	t := transport.NewStaticRegionTable()
	for _, cc := range c.Cores {
		for _, r := range cc.Regions {
			t.Set(cc.Core(), r.Region, r.Address)
		}
	}
	return t
}
