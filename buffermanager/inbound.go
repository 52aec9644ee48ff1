package buffermanager

import (
	"context"
	"fmt"

	"github.com/c360/bufferlink/eieio"
	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/sdp"
	"github.com/c360/bufferlink/storage"
)

// ReceiveCommand handles one datagram from a core. It is the handler given to
// every listener. Nothing escapes it: failures are logged and the core's own
// timeouts make it ask again.
func (m *Manager) ReceiveCommand(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			m.recordError(err)
			m.logger.Error("Panic while handling command", "error", err)
		}
	}()

	cmd, err := eieio.DecodeCommand(data)
	if err != nil {
		m.recordError(err)
		m.logger.Warn("Dropping datagram", "size", len(data), "error", err)
		return
	}

	switch c := cmd.(type) {
	case eieio.SpaceAvailable:
		if err := m.spaceAvailable(ctx, c); err != nil {
			m.recordError(err)
			m.logger.Error("Problem when sending messages", "core", c.Core.String(),
				"region", c.Region, "seq", c.SeqNo, "error", err)
		}
	case eieio.ReadRequest:
		if err := m.readRequest(ctx, c); err != nil {
			m.recordError(err)
			m.logger.Error("Problem when handling data", "core", c.Core.String(),
				"seq", c.SeqNo, "error", err)
		}
	default:
		m.logger.Error("Command is invalid for buffer management", "command", cmd.ID().String())
	}
}

// readRequest queues the read for the drain worker and then acknowledges the
// request so the core stops repeating it. A request the queue refuses is not
// acknowledged: the core's timeout brings it back. inMu keeps the worker from
// sending the read ack ahead of the lightweight one.
func (m *Manager) readRequest(ctx context.Context, req eieio.ReadRequest) error {
	if m.finished.Load() {
		return nil
	}
	m.inMu.Lock()
	defer m.inMu.Unlock()
	if err := m.pool.Submit(req); err != nil {
		return errors.WrapTransient(err, "Manager", "readRequest",
			fmt.Sprintf("queue read request %d from core %s", req.SeqNo, req.Core))
	}
	ack := eieio.Encode(eieio.LightweightAck{SeqNo: req.SeqNo})
	return m.send(ctx, req.Core, sdp.PortOutputBuffering, ack, "lightweight_ack")
}

// processReadRequest runs on the drain worker. A request that does not follow
// the last accepted one is a repeat: the last ack goes out again unchanged and
// nothing is read.
func (m *Manager) processReadRequest(ctx context.Context, req eieio.ReadRequest) error {
	m.inMu.Lock()
	defer m.inMu.Unlock()

	if m.finished.Load() {
		return nil
	}

	last, err := m.store.LastSequenceNo(ctx, req.Core)
	if err != nil {
		return err
	}
	if req.SeqNo != last+1 {
		m.metrics.readRequest(true)
		return m.resendLastAck(ctx, req, last)
	}
	m.metrics.readRequest(false)

	// Read every range before storing any, so a failed read leaves nothing
	// behind for the repeat to duplicate.
	ack := eieio.ReadAck{SeqNo: req.SeqNo}
	chunks := make([][]byte, 0, len(req.Entries))
	for _, e := range req.Entries {
		if e.Length == 0 {
			continue
		}
		m.logger.Debug("Reading recorded data", "x", req.Core.X, "y", req.Core.Y, "p", req.Core.P,
			"address", fmt.Sprintf("0x%x", e.Start), "length", e.Length, "region", e.Region, "channel", e.Channel)
		data, err := m.transceiver.ReadMemory(ctx, req.Core.Chip(), e.Start, int(e.Length))
		if err != nil {
			return errors.WrapTransient(err, "Manager", "processReadRequest",
				fmt.Sprintf("read region %d of core %s", e.Region, req.Core))
		}
		chunks = append(chunks, data)
		ack.Entries = append(ack.Entries, eieio.AckEntry{Channel: e.Channel, Region: e.Region, SpaceRead: e.Length})
	}

	for i, e := range ack.Entries {
		key := storage.RegionKey{Core: req.Core, Region: int(e.Region)}
		if err := m.store.StoreData(ctx, key, chunks[i]); err != nil {
			return err
		}
		m.metrics.recovered("run", len(chunks[i]))
	}

	if err := m.store.StoreLastReceived(ctx, req); err != nil {
		return err
	}
	if err := m.store.UpdateSequenceNo(ctx, req.Core, req.SeqNo); err != nil {
		return err
	}
	if err := m.store.StoreLastSent(ctx, req.Core, ack); err != nil {
		return err
	}
	return m.send(ctx, req.Core, sdp.PortOutputBuffering, eieio.Encode(ack), "read_ack")
}

func (m *Manager) resendLastAck(ctx context.Context, req eieio.ReadRequest, last uint8) error {
	_, raw, ok, err := m.store.LastSent(ctx, req.Core)
	if err != nil {
		return err
	}
	if !ok {
		return errors.WrapFatal(errors.ErrMissingAck, "Manager", "processReadRequest",
			fmt.Sprintf("core %s sent sequence %d after %d but no ack was ever sent", req.Core, req.SeqNo, last))
	}
	m.logger.Debug("Resending last ack", "core", req.Core.String(), "seq", req.SeqNo, "last", last)
	return m.send(ctx, req.Core, sdp.PortOutputBuffering, raw, "read_ack")
}

func (m *Manager) onDrainError(req eieio.ReadRequest, err error) {
	m.recordError(err)
	m.logger.Error("Problem when handling data", "core", req.Core.String(), "seq", req.SeqNo,
		"class", errors.Classify(err).String(), "error", err)
}
