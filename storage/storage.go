package storage

import (
	"context"
	"fmt"

	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/recording"
)

// RegionKey names one recording region on one core.
type RegionKey struct {
	Core   machine.Core `json:"core"`
	Region int          `json:"region"`
}

// String returns the "x_y_p_region" form used for file names and object keys.
func (k RegionKey) String() string {
	return fmt.Sprintf("%d_%d_%d_%d", k.Core.X, k.Core.Y, k.Core.P, k.Region)
}

// RegionData is an append-only handle onto the bytes recovered from one region.
// Handles are cheap; asking a Backend twice for the same key yields views of
// the same data.
type RegionData interface {
	Append(ctx context.Context, data []byte) error
	Bytes(ctx context.Context) ([]byte, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// RegionRecord is the bookkeeping kept per region next to its data.
type RegionRecord struct {
	State recording.ChannelState `cbor:"1,keyasint" json:"state"`

	// Recovered is set once State holds the end-of-run buffer state.
	Recovered bool `cbor:"2,keyasint" json:"recovered"`

	// Flushed is set once the final read of the region has been appended.
	Flushed bool `cbor:"3,keyasint" json:"flushed"`
}

// CoreRecord is the acknowledgement bookkeeping kept per core.
type CoreRecord struct {
	LastSeq      uint8  `cbor:"1,keyasint" json:"last_seq"`
	LastReceived []byte `cbor:"2,keyasint" json:"last_received,omitempty"`
	LastSent     []byte `cbor:"3,keyasint" json:"last_sent,omitempty"`
	EndSeq       uint8  `cbor:"4,keyasint" json:"end_seq"`
	HasEndSeq    bool   `cbor:"5,keyasint" json:"has_end_seq"`
}

// Backend persists region data and bookkeeping. Implementations must be safe
// for concurrent use.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	Region(key RegionKey) RegionData

	PutState(ctx context.Context, key RegionKey, rec RegionRecord) error
	// State returns false when nothing was stored for key.
	State(ctx context.Context, key RegionKey) (RegionRecord, bool, error)

	PutCoreState(ctx context.Context, core machine.Core, rec CoreRecord) error
	CoreState(ctx context.Context, core machine.Core) (CoreRecord, bool, error)

	// Clear drops the data and the record of one region.
	Clear(ctx context.Context, key RegionKey) error

	// Close releases resources and keeps whatever was persisted.
	Close() error
	// Destroy closes the backend and removes everything it persisted.
	Destroy() error
}
