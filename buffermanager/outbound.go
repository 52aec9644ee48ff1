package buffermanager

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/c360/bufferlink/eieio"
	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/sdp"
	"github.com/c360/bufferlink/sending"
	"github.com/c360/bufferlink/storage"
)

// sendKeys returns the registered send regions in core then region order.
// Caller holds outMu.
func (m *Manager) sendKeys() []storage.RegionKey {
	keys := make([]storage.RegionKey, 0, len(m.cursors))
	for k := range m.cursors {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Core != b.Core {
			return coreLess(a.Core, b.Core)
		}
		return a.Region < b.Region
	})
	return keys
}

// LoadInitialBuffers writes the first image of every send region straight
// into core memory, before the cores start. A region that cannot be loaded
// does not stop the others; every failure is returned.
func (m *Manager) LoadInitialBuffers(ctx context.Context) error {
	m.outMu.Lock()
	defer m.outMu.Unlock()

	keys := m.sendKeys()
	total := 0
	for _, k := range keys {
		total += m.cursors[k].Size()
	}

	progress := m.progress(fmt.Sprintf("Loading buffers (%d bytes)", total), total)
	defer progress.End()

	var result *multierror.Error
	for _, key := range keys {
		written, err := m.loadRegion(ctx, key)
		if err != nil {
			m.recordError(err)
			result = multierror.Append(result, err)
			continue
		}
		progress.Update(written)
	}
	return result.ErrorOrNil()
}

// loadRegion writes one region image and returns the bytes of data and stop
// it carried. Caller holds outMu.
func (m *Manager) loadRegion(ctx context.Context, key storage.RegionKey) (int, error) {
	cursor := m.cursors[key]
	image, res, err := sending.InitialLoad(cursor)
	if err != nil {
		return 0, fmt.Errorf("region %s: %w", key, err)
	}

	addr, err := m.regions.RegionBaseAddress(ctx, key.Core, key.Region)
	if err != nil {
		return 0, errors.Wrap(err, "Manager", "LoadInitialBuffers", "locate region "+key.String())
	}
	if err := m.transceiver.WriteMemory(ctx, key.Core.Chip(), addr, image); err != nil {
		return 0, errors.Wrap(err, "Manager", "LoadInitialBuffers", "write region "+key.String())
	}

	written := res.DataBytes
	if res.StopWritten {
		written += eieio.StopSize
	}
	m.logger.Debug("Loaded region", "x", key.Core.X, "y", key.Core.Y, "p", key.Core.P,
		"region", key.Region, "address", fmt.Sprintf("0x%x", addr), "messages", res.Messages,
		"events", res.Events, "stop", res.StopWritten, "padding", res.PaddingBytes)
	return written, nil
}

// window returns the send window of key, creating it on first use. Caller
// holds outMu.
func (m *Manager) window(key storage.RegionKey) *sending.Window {
	w, ok := m.windows[key]
	if !ok {
		w = sending.NewWindow(m.cfg.WindowSize)
		m.windows[key] = w
	}
	return w
}

// spaceAvailable refills a receive region. The core's sequence number
// acknowledges what it consumed; everything still in the window goes out again
// after any new messages are packed.
func (m *Manager) spaceAvailable(ctx context.Context, cmd eieio.SpaceAvailable) error {
	if m.finished.Load() {
		return nil
	}

	m.outMu.Lock()
	payloads, err := m.refill(cmd)
	m.outMu.Unlock()
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, p := range payloads {
		if err := m.send(ctx, cmd.Core, sdp.PortInputBuffering, p, "sequenced_data"); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// refill updates the window of the notifying region and returns the payloads
// to send, in order. Caller holds outMu.
func (m *Manager) refill(cmd eieio.SpaceAvailable) ([][]byte, error) {
	if m.finished.Load() {
		return nil, nil
	}
	if _, ok := m.senders[cmd.Core]; !ok {
		m.logger.Debug("Space available from a core with no sender", "core", cmd.Core.String())
		return nil, nil
	}
	key := storage.RegionKey{Core: cmd.Core, Region: int(cmd.Region)}
	cursor, ok := m.cursors[key]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnknownVertex, "Manager", "spaceAvailable",
			fmt.Sprintf("core %s has no send region %d", cmd.Core, cmd.Region))
	}

	w := m.window(key)
	if !w.Update(cmd.SeqNo) {
		m.metrics.stale()
		m.logger.Debug("Ignoring stale space available", "core", cmd.Core.String(),
			"region", cmd.Region, "seq", cmd.SeqNo, "last_acked", w.LastAcked())
		return nil, nil
	}

	resent := w.Len()
	budget := int(cmd.Space) - w.PendingBytes()
	for cursor.HasNext() && !w.IsFull() && budget > 0 {
		msg := cursor.NextMessage(min(budget, sending.MaxSequencedMessage))
		if msg == nil {
			break
		}
		if _, err := w.Add(msg); err != nil {
			return nil, errors.WrapFatal(err, "Manager", "spaceAvailable", "queue message for "+key.String())
		}
		budget -= msg.Size()
	}

	if !w.IsFull() && !cursor.HasNext() && !cursor.StopSent() && budget >= eieio.StopSize {
		if _, err := w.AddStop(); err != nil {
			return nil, errors.WrapFatal(err, "Manager", "spaceAvailable", "queue stop for "+key.String())
		}
		cursor.MarkStopSent()
	}

	var payloads [][]byte
	if !cursor.HasNext() && w.IsEmpty() {
		m.metrics.stopRequest()
		m.logger.Debug("Sending stop requests", "core", cmd.Core.String(), "region", cmd.Region)
		payloads = append(payloads, eieio.Encode(eieio.StopRequests{}))
	}

	for _, s := range w.Messages() {
		payloads = append(payloads, eieio.Encode(eieio.SequencedData{
			Region:  cmd.Region,
			SeqNo:   s.Seq,
			Message: s.Message,
			Stop:    s.IsStop,
		}))
	}
	m.metrics.sent(w.Len()-resent, resent, w.Len())
	return payloads, nil
}

// send frames payload for port on core and records it.
func (m *Manager) send(ctx context.Context, core machine.Core, port uint8, payload []byte, kind string) error {
	if err := m.transceiver.SendSDP(ctx, core, port, payload); err != nil {
		return errors.Wrap(err, "Manager", "send", fmt.Sprintf("send %s to core %s", kind, core))
	}
	return nil
}
