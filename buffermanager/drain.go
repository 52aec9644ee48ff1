package buffermanager

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/recording"
	"github.com/c360/bufferlink/storage"
	"github.com/c360/bufferlink/transport"
)

// GetDataForVertex drains whatever region on core still holds and returns the
// handle to everything recovered from it. The handle is a view, not a copy.
func (m *Manager) GetDataForVertex(ctx context.Context, core machine.Core, region int) (storage.RegionData, error) {
	m.inMu.Lock()
	defer m.inMu.Unlock()

	finish, err := m.prepareExtractors(ctx)
	if err != nil {
		return nil, err
	}
	data, err := m.drainRegion(ctx, core, region)
	if ferr := finish(); ferr != nil && err == nil {
		err = ferr
	}
	return data, err
}

// GetDataForVertices drains every recorded region of cores. The inbound lock is
// held throughout, so no read request is processed in between. A region that
// fails does not stop the rest.
func (m *Manager) GetDataForVertices(ctx context.Context, cores ...machine.Core) (map[storage.RegionKey]storage.RegionData, error) {
	m.inMu.Lock()
	defer m.inMu.Unlock()

	var keys []storage.RegionKey
	var result *multierror.Error
	for _, core := range cores {
		recv, ok := m.receivers[core]
		if !ok {
			result = multierror.Append(result, errors.WrapInvalid(errors.ErrUnknownVertex,
				"Manager", "GetDataForVertices", "no receiver on core "+core.String()))
			continue
		}
		for _, region := range recv.RecordedRegionIDs() {
			keys = append(keys, storage.RegionKey{Core: core, Region: region})
		}
	}

	finish, err := m.prepareExtractors(ctx)
	if err != nil {
		return nil, multierror.Append(result, err)
	}

	progress := m.progress("Extracting buffers from the last run", len(keys))
	out := make(map[storage.RegionKey]storage.RegionData, len(keys))
	for _, key := range keys {
		data, err := m.drainRegion(ctx, key.Core, key.Region)
		if err != nil {
			m.recordError(err)
			result = multierror.Append(result, fmt.Errorf("region %s: %w", key, err))
		} else {
			out[key] = data
		}
		progress.Update(1)
	}
	progress.End()

	if err := finish(); err != nil {
		result = multierror.Append(result, err)
	}
	return out, result.ErrorOrNil()
}

// ClearRecordedData drops what was recovered from one region.
func (m *Manager) ClearRecordedData(ctx context.Context, core machine.Core, region int) error {
	m.inMu.Lock()
	defer m.inMu.Unlock()
	return m.store.Clear(ctx, core, region)
}

// prepareExtractors switches the board to fast extraction when configured and
// returns the matching teardown. Caller holds inMu.
func (m *Manager) prepareExtractors(ctx context.Context) (func() error, error) {
	if !m.cfg.UseExtractors {
		return func() error { return nil }, nil
	}
	if err := m.extractors.Prepare(ctx); err != nil {
		return nil, errors.WrapTransient(err, "Manager", "prepareExtractors", "prepare extractor cores")
	}
	return func() error {
		if err := m.extractors.Finish(ctx); err != nil {
			return errors.WrapTransient(err, "Manager", "prepareExtractors", "release extractor cores")
		}
		return nil
	}, nil
}

// reader picks the path end-of-run reads on chip go through.
func (m *Manager) reader(chip machine.Chip) transport.MemoryReader {
	if m.cfg.UseExtractors {
		if r, ok := m.extractors.Extractor(chip); ok {
			return r
		}
	}
	return m.transceiver
}

// drainRegion reads what the core left unread in one region. Caller holds inMu.
func (m *Manager) drainRegion(ctx context.Context, core machine.Core, region int) (storage.RegionData, error) {
	start := time.Now()
	key := storage.RegionKey{Core: core, Region: region}
	recv, ok := m.receivers[core]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnknownVertex, "Manager", "GetDataForVertex",
			"no receiver on core "+core.String())
	}
	if !slices.Contains(recv.RecordedRegionIDs(), region) {
		return nil, errors.WrapInvalid(errors.ErrUnknownVertex, "Manager", "GetDataForVertex",
			fmt.Sprintf("core %s does not record region %d", core, region))
	}
	mem := m.reader(core.Chip())

	base, err := recv.RecordingBaseAddress(ctx, m.transceiver, core)
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "GetDataForVertex", "locate recording header of core "+core.String())
	}

	endSeq, ok, err := m.store.EndSequenceNo(ctx, core)
	if err != nil {
		return nil, err
	}
	if !ok {
		if endSeq, err = recording.LastSequenceNumber(ctx, mem, core, base); err != nil {
			return nil, err
		}
		if err := m.store.StoreEndSequenceNo(ctx, core, endSeq); err != nil {
			return nil, err
		}
	}

	flushed, err := m.store.IsFlushed(ctx, key)
	if err != nil {
		return nil, err
	}
	if flushed {
		return m.store.RegionData(key), nil
	}

	state, err := m.endState(ctx, mem, key, base)
	if err != nil {
		return nil, err
	}

	// The core expecting the sequence of our last ack means it halted before
	// processing that ack; apply it here instead.
	lastSeq, err := m.store.LastSequenceNo(ctx, core)
	if err != nil {
		return nil, err
	}
	if endSeq == lastSeq && !state.Reconciled {
		ack, _, sent, err := m.store.LastSent(ctx, core)
		if err != nil {
			return nil, err
		}
		if sent {
			if err := state.ReplayAck(uint8(region), ack); err != nil {
				return nil, err
			}
			if err := m.store.StoreEndState(ctx, key, state); err != nil {
				return nil, err
			}
			m.logger.Debug("Replayed unprocessed ack", "region", key.String(), "seq", ack.SeqNo, "state", state.String())
		}
	}

	ranges, err := state.UnreadRanges()
	if err != nil {
		return nil, err
	}
	// Read every range before storing anything. A wrapped buffer comes back as
	// two ranges, and a failure on the second must not leave the first stored
	// for the next attempt to append again.
	var data []byte
	for _, r := range ranges {
		if r.Length == 0 {
			continue
		}
		m.logger.Debug("Draining region", "x", core.X, "y", core.Y, "p", core.P, "region", region,
			"address", fmt.Sprintf("0x%x", r.Address), "length", r.Length, "final", r.Final)
		chunk, err := mem.ReadMemory(ctx, core.Chip(), r.Address, int(r.Length))
		if err != nil {
			return nil, errors.WrapTransient(err, "Manager", "GetDataForVertex", "read "+key.String())
		}
		data = append(data, chunk...)
	}
	if err := m.store.FlushData(ctx, key, data); err != nil {
		return nil, err
	}
	m.metrics.recovered("drain", len(data))

	m.metrics.drained(time.Since(start).Seconds())
	return m.store.RegionData(key), nil
}

// endState returns the cached end-of-run state of key, reading it from the
// core the first time. Caller holds inMu.
func (m *Manager) endState(ctx context.Context, mem transport.MemoryReader, key storage.RegionKey, base uint32) (recording.ChannelState, error) {
	state, ok, err := m.store.EndState(ctx, key)
	if err != nil || ok {
		return state, err
	}
	addr, err := recording.ChannelStateAddress(ctx, mem, key.Core, base, key.Region)
	if err != nil {
		return state, err
	}
	if state, err = recording.ReadChannelState(ctx, mem, key.Core.Chip(), addr); err != nil {
		return state, err
	}
	if err := m.store.StoreEndState(ctx, key, state); err != nil {
		return state, err
	}
	return state, nil
}
