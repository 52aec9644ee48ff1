package buffermanager

import (
	"context"

	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/vertex"
)

// addListeners makes sure buffer traffic for the tags of v reaches
// ReceiveCommand. Tags without a port share one listener, bound on first use;
// each board is told about each port once. Tags with a port get a listener
// each unless one is already bound there.
func (m *Manager) addListeners(ctx context.Context, v vertex.Vertex) error {
	tagged, ok := v.(vertex.Tagged)
	if !ok || m.listeners == nil {
		return nil
	}

	m.tagMu.Lock()
	defer m.tagMu.Unlock()

	for _, tag := range tagged.IPTags() {
		if tag.TrafficID != machine.BufferTraffic {
			continue
		}
		switch {
		case tag.Port == 0 && m.listenerPort == 0:
			port, err := m.createListener(ctx, tag)
			if err != nil {
				return err
			}
			m.listenerPort = port

		case tag.Port == 0:
			if err := m.triggerBoard(ctx, tag, m.listenerPort); err != nil {
				return err
			}

		case !m.seenTags[hostPort{tag.Host, tag.Port}]:
			if _, err := m.createListener(ctx, tag); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListenerPort is the port shared by tags that did not name one, or 0.
func (m *Manager) ListenerPort() int {
	m.tagMu.Lock()
	defer m.tagMu.Unlock()
	return m.listenerPort
}

// createListener binds a listener for tag and tells its board. Caller holds tagMu.
func (m *Manager) createListener(ctx context.Context, tag machine.IPTag) (int, error) {
	l, err := m.listeners.Listen(ctx, tag.Host, tag.Port, m.ReceiveCommand)
	if err != nil {
		return 0, errors.Wrap(err, "Manager", "createListener", "listen for "+tag.String())
	}
	port := l.LocalPort()
	m.open = append(m.open, l)
	m.seenTags[hostPort{tag.Host, port}] = true

	if err := m.triggerBoard(ctx, tag, port); err != nil {
		return port, err
	}
	m.logger.Info("Listening for packets", "tag", tag.Tag, "host", tag.Host, "port", port,
		"board", tag.BoardAddress)
	return port, nil
}

// triggerBoard tells the board of tag about port, once per board and port.
// Caller holds tagMu.
func (m *Manager) triggerBoard(ctx context.Context, tag machine.IPTag, port int) error {
	board := hostPort{tag.BoardAddress, port}
	if m.trigger == nil || tag.BoardAddress == "" || m.triggered[board] {
		return nil
	}
	if err := m.trigger.TriggerPort(ctx, tag, port); err != nil {
		return errors.Wrap(err, "Manager", "triggerBoard", "trigger "+tag.BoardAddress)
	}
	m.triggered[board] = true
	return nil
}
