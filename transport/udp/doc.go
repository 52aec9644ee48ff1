// Package udp binds the host-side sockets that the board's IP tags point at.
//
// A Factory binds one Listener per host address. Each listener runs a read
// loop with a short deadline so that Close takes effect promptly, and hands
// every datagram to its transport.Handler in arrival order. The handler's
// slice is reused by the next read.
//
// When a listener is bound to an ephemeral port, the board has to be told
// where to send traffic. Factory.TriggerPort sends a datagram from the
// listener's own socket to the board so that the path back is open:
//
//	f := udp.NewFactory(udp.DefaultConfig())
//	l, err := f.Listen(ctx, "0.0.0.0", 0, manager.ReceiveCommand)
//	if err != nil {
//	    return err
//	}
//	err = f.TriggerPort(ctx, tag, l.LocalPort())
package udp
