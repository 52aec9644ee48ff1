// Package transport defines how the buffer manager reaches the board: datagrams
// to cores, raw memory access on chips, and listeners for datagrams the board
// sends back through IP tags.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
)

// SDPSender sends one framed datagram to a port on a core.
type SDPSender interface {
	SendSDP(ctx context.Context, core machine.Core, port uint8, payload []byte) error
}

// MemoryReader reads n bytes at addr on chip.
type MemoryReader interface {
	ReadMemory(ctx context.Context, chip machine.Chip, addr uint32, n int) ([]byte, error)
}

// MemoryWriter writes data at addr on chip.
type MemoryWriter interface {
	WriteMemory(ctx context.Context, chip machine.Chip, addr uint32, data []byte) error
}

// Transceiver is the direct path to the board.
type Transceiver interface {
	SDPSender
	MemoryReader
	MemoryWriter
}

// RegionLocator resolves the base address of a region on a core.
type RegionLocator interface {
	RegionBaseAddress(ctx context.Context, core machine.Core, region int) (uint32, error)
}

// ExtractorLocator gives access to the fast bulk-read path through helper cores.
// Prepare must be called before a batch of reads and Finish after it.
type ExtractorLocator interface {
	Prepare(ctx context.Context) error
	Finish(ctx context.Context) error
	// Extractor returns the reader serving chip, or false when none does.
	Extractor(chip machine.Chip) (MemoryReader, bool)
}

// Handler receives one datagram payload. The slice is only valid for the
// duration of the call.
type Handler func(ctx context.Context, data []byte)

// Listener is a bound datagram socket delivering to a Handler.
type Listener interface {
	LocalPort() int
	Close() error
}

// ListenerFactory binds listeners. Port 0 binds an ephemeral port.
type ListenerFactory interface {
	Listen(ctx context.Context, host string, port int, handler Handler) (Listener, error)
}

// PortTrigger tells the board where to send traffic for a tag once the host
// port is known.
type PortTrigger interface {
	TriggerPort(ctx context.Context, tag machine.IPTag, localPort int) error
}

// StaticRegionTable is a RegionLocator filled from configuration.
type StaticRegionTable struct {
	mu    sync.RWMutex
	table map[machine.Core]map[int]uint32
}

// NewStaticRegionTable creates an empty table.
func NewStaticRegionTable() *StaticRegionTable {
	return &StaticRegionTable{table: make(map[machine.Core]map[int]uint32)}
}

// Set records the base address of region on core.
func (t *StaticRegionTable) Set(core machine.Core, region int, addr uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	regions, ok := t.table[core]
	if !ok {
		regions = make(map[int]uint32)
		t.table[core] = regions
	}
	regions[region] = addr
}

// RegionBaseAddress implements RegionLocator.
func (t *StaticRegionTable) RegionBaseAddress(_ context.Context, core machine.Core, region int) (uint32, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.table[core][region]
	if !ok {
		return 0, errors.WrapInvalid(errors.ErrKeyNotFound, "StaticRegionTable", "RegionBaseAddress",
			fmt.Sprintf("region %d on core %s", region, core))
	}
	return addr, nil
}
