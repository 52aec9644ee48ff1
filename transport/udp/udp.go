package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/metric"
	"github.com/c360/bufferlink/pkg/retry"
	"github.com/c360/bufferlink/sdp"
	"github.com/c360/bufferlink/transport"
)

const (
	// ScampPort is where the board's monitor listens for SCP and SDP.
	ScampPort = 17893

	// maxDatagram covers any UDP payload.
	maxDatagram = 65536

	// readDeadline bounds each read so the loop notices shutdown.
	readDeadline = 100 * time.Millisecond

	socketBufferSize = 2 * 1024 * 1024
)

// Config holds the settings shared by every listener a Factory binds.
type Config struct {
	// BindRetry controls retries when binding a socket fails.
	BindRetry retry.Config
	// StopTimeout bounds how long Close waits for the read loop.
	StopTimeout time.Duration
	Logger      *slog.Logger
	Metrics     *metric.Metrics
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		BindRetry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
		},
		StopTimeout: 5 * time.Second,
	}
}

// Factory binds UDP listeners and sends port-trigger messages from them.
type Factory struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[int]*Listener
}

// NewFactory creates a Factory.
func NewFactory(cfg Config) *Factory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultConfig().StopTimeout
	}
	return &Factory{
		cfg:       cfg,
		logger:    logger.With("component", "udp-listener"),
		listeners: make(map[int]*Listener),
	}
}

// Listen binds host:port and starts delivering datagrams to handler. Port 0
// binds an ephemeral port, reported by LocalPort.
func (f *Factory) Listen(ctx context.Context, host string, port int, handler transport.Handler) (transport.Listener, error) {
	if port < 0 || port > 65535 {
		return nil, errors.WrapInvalid(fmt.Errorf("invalid port %d", port), "udp-listener", "Listen", "port validation")
	}
	if handler == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "udp-listener", "Listen", "handler validation")
	}

	var conn *net.UDPConn
	err := retry.Do(ctx, f.cfg.BindRetry, func() error {
		c, err := bindSocket(host, port, f.logger)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "udp-listener", "Listen", "socket binding")
	}

	l := &Listener{
		conn:    conn,
		handler: handler,
		factory: f,
		logger:  f.logger,
		metrics: f.cfg.Metrics,
		timeout: f.cfg.StopTimeout,
		name:    net.JoinHostPort(host, strconv.Itoa(conn.LocalAddr().(*net.UDPAddr).Port)),
		done:    make(chan struct{}),
	}
	l.running.Store(true)

	f.mu.Lock()
	f.listeners[l.LocalPort()] = l
	f.mu.Unlock()

	// Cancelling ctx also stops the loop; the socket stays bound until Close.
	go l.readLoop(ctx)

	f.logger.Info("Listening for datagrams", "address", conn.LocalAddr().String())
	return l, nil
}

// TriggerPort sends the port-trigger message from the listener bound on
// localPort to the board named by tag, so any NAT or firewall on the way
// lets the board's traffic back in. The board drops the message without a
// reply.
func (f *Factory) TriggerPort(ctx context.Context, tag machine.IPTag, localPort int) error {
	f.mu.Lock()
	l, ok := f.listeners[localPort]
	f.mu.Unlock()
	if !ok {
		return errors.WrapInvalid(errors.ErrNoConnection, "udp-listener", "TriggerPort",
			fmt.Sprintf("no listener on port %d", localPort))
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(tag.BoardAddress, strconv.Itoa(ScampPort)))
	if err != nil {
		return errors.WrapInvalid(err, "udp-listener", "TriggerPort", "resolve board address")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Port 3 on the monitor of chip 0,0 is not a port the monitor serves.
	msg := sdp.Frame(sdp.Header{Flags: sdp.ReplyNotExpected, DestPort: 3}, nil)
	if _, err := l.conn.WriteToUDP(msg, addr); err != nil {
		return errors.WrapTransient(err, "udp-listener", "TriggerPort", "send trigger")
	}
	if f.cfg.Metrics != nil {
		f.cfg.Metrics.RecordDatagramSent("trigger")
	}
	f.logger.Debug("Sent port trigger", "tag", tag.Tag, "board", tag.BoardAddress, "port", localPort)
	return nil
}

func (f *Factory) forget(port int) {
	f.mu.Lock()
	delete(f.listeners, port)
	f.mu.Unlock()
}

// bindSocket creates and binds the UDP socket
func bindSocket(host string, port int, logger *slog.Logger) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address %s:%d: %w", host, port, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP port %d: %w", port, err)
	}

	// Some systems limit the buffer size; a smaller one still works.
	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		logger.Warn("Could not set UDP buffer size",
			"buffer_size", socketBufferSize,
			"port", port,
			"error", err)
	}
	return conn, nil
}

// Listener is one bound socket and the goroutine reading it.
type Listener struct {
	conn    *net.UDPConn
	handler transport.Handler
	factory *Factory
	logger  *slog.Logger
	metrics *metric.Metrics
	timeout time.Duration
	name    string

	running  atomic.Bool
	received atomic.Int64
	errs     atomic.Int64
	done     chan struct{}
	once     sync.Once
}

// LocalPort returns the bound port.
func (l *Listener) LocalPort() int {
	return l.conn.LocalAddr().(*net.UDPAddr).Port
}

// Received returns the number of datagrams delivered so far.
func (l *Listener) Received() int64 {
	return l.received.Load()
}

// Errors returns the number of socket read errors seen so far.
func (l *Listener) Errors() int64 {
	return l.errs.Load()
}

// Close stops the read loop and closes the socket. It is idempotent.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		l.running.Store(false)
		l.factory.forget(l.LocalPort())
		closeErr := l.conn.Close()

		select {
		case <-l.done:
		case <-time.After(l.timeout):
			err = errors.WrapTransient(fmt.Errorf("stop timeout after %v", l.timeout),
				"udp-listener", "Close", "graceful shutdown")
			return
		}
		if closeErr != nil {
			err = errors.Wrap(closeErr, "udp-listener", "Close", "close socket")
		}
	})
	return err
}

// readLoop reads datagrams and hands each to the handler in arrival order.
func (l *Listener) readLoop(ctx context.Context) {
	defer close(l.done)
	buf := make([]byte, maxDatagram)

	for l.running.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = l.conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if !l.running.Load() {
				return
			}
			l.errs.Add(1)
			if l.metrics != nil {
				l.metrics.RecordError("udp-listener", errors.Classify(err).String())
			}
			if !errors.IsTransient(err) {
				l.logger.Error("Datagram listener stopped", "address", l.name, "error", err)
				return
			}
			continue
		}

		l.received.Add(1)
		if l.metrics != nil {
			l.metrics.RecordDatagramReceived(l.name)
		}
		l.deliver(ctx, buf[:n])
	}
}

// deliver calls the handler, keeping the loop alive if it panics.
func (l *Listener) deliver(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Datagram handler panicked", "address", l.name, "panic", r)
		}
	}()
	l.handler(ctx, data)
}
