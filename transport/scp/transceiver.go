// Package scp talks to a board over UDP: framed datagrams to cores, and memory
// reads and writes through the monitor of each chip.
package scp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/metric"
	"github.com/c360/bufferlink/pkg/retry"
	"github.com/c360/bufferlink/sdp"
)

// DefaultPort is the board's SCP port.
const DefaultPort = 17893

// Config configures a Transceiver.
type Config struct {
	Host string
	Port int

	// Timeout bounds the wait for one reply.
	Timeout time.Duration
	Retry   retry.Config

	// SendRate caps datagrams per second; zero leaves sends unpaced.
	SendRate float64
	Burst    int

	Logger  *slog.Logger
	Metrics *metric.Metrics
}

// DefaultConfig returns the settings used for a board at host.
func DefaultConfig(host string) Config {
	return Config{
		Host:     host,
		Port:     DefaultPort,
		Timeout:  time.Second,
		Retry:    retry.Transfer(),
		SendRate: 0,
		Burst:    1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Host == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "scp", "Validate", "board host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "scp", "Validate", fmt.Sprintf("port %d", c.Port))
	}
	if c.Timeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "scp", "Validate", "timeout must be positive")
	}
	if c.SendRate < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "scp", "Validate", "send rate must not be negative")
	}
	return nil
}

// Transceiver implements transport.Transceiver over one connected UDP socket.
// Memory commands are serialised; datagrams to cores may be sent concurrently.
type Transceiver struct {
	cfg     Config
	conn    *net.UDPConn
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *metric.Metrics

	mu  sync.Mutex
	seq uint16
	buf []byte

	closeOnce sync.Once
}

// Dial connects to the board named in cfg.
func Dial(ctx context.Context, cfg Config) (*Transceiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, errors.WrapInvalid(err, "scp", "Dial", "resolve board address")
	}
	conn, err := retry.DoWithResult(ctx, cfg.Retry, func() (*net.UDPConn, error) {
		return net.DialUDP("udp", nil, addr)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "scp", "Dial", "open socket")
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.SendRate > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}

	t := &Transceiver{
		cfg:     cfg,
		conn:    conn,
		limiter: limiter,
		logger:  logger.With("component", "scp", "board", addr.String()),
		metrics: cfg.Metrics,
		buf:     make([]byte, 65536),
	}
	t.logger.Info("Connected to board", "local", conn.LocalAddr().String())
	return t, nil
}

// Close closes the socket.
func (t *Transceiver) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})
	return err
}

func (t *Transceiver) write(ctx context.Context, kind string, b []byte) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := t.conn.Write(b); err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.RecordDatagramSent(kind)
	}
	return nil
}

// SendSDP sends payload to port on core without waiting for a reply.
func (t *Transceiver) SendSDP(ctx context.Context, core machine.Core, port uint8, payload []byte) error {
	h := sdp.ToCore(core, port, sdp.ReplyNotExpected)
	h.Tag = replyTag
	if err := t.write(ctx, "sdp", sdp.Frame(h, payload)); err != nil {
		t.recordError(err)
		return errors.WrapTransient(err, "scp", "SendSDP", "send to core "+core.String())
	}
	return nil
}

// ReadMemory reads n bytes at addr on chip.
func (t *Transceiver) ReadMemory(ctx context.Context, chip machine.Chip, addr uint32, n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.WrapInvalid(errors.ErrNegativeLength, "scp", "ReadMemory", fmt.Sprintf("length %d", n))
	}
	start := time.Now()
	out := make([]byte, 0, n)
	for off := 0; off < n; off += MaxChunk {
		size := min(MaxChunk, n-off)
		a := addr + uint32(off)
		data, err := t.call(ctx, Request{
			Chip:    chip,
			Command: CmdRead,
			Arg1:    a,
			Arg2:    uint32(size),
			Arg3:    accessSize(a, size),
		})
		if err != nil {
			return nil, errors.Wrap(err, "scp", "ReadMemory", fmt.Sprintf("read 0x%08x+%d on %s", a, size, chip))
		}
		if len(data) < size {
			return nil, errors.WrapTransient(errors.ErrShortPacket, "scp", "ReadMemory",
				fmt.Sprintf("wanted %d bytes, got %d", size, len(data)))
		}
		out = append(out, data[:size]...)
	}
	if t.metrics != nil {
		t.metrics.RecordTransfer("read", n, time.Since(start))
	}
	return out, nil
}

// WriteMemory writes data at addr on chip.
func (t *Transceiver) WriteMemory(ctx context.Context, chip machine.Chip, addr uint32, data []byte) error {
	start := time.Now()
	for off := 0; off < len(data); off += MaxChunk {
		chunk := data[off:min(off+MaxChunk, len(data))]
		a := addr + uint32(off)
		_, err := t.call(ctx, Request{
			Chip:    chip,
			Command: CmdWrite,
			Arg1:    a,
			Arg2:    uint32(len(chunk)),
			Arg3:    accessSize(a, len(chunk)),
			Data:    chunk,
		})
		if err != nil {
			return errors.Wrap(err, "scp", "WriteMemory", fmt.Sprintf("write 0x%08x+%d on %s", a, len(chunk), chip))
		}
	}
	if t.metrics != nil {
		t.metrics.RecordTransfer("write", len(data), time.Since(start))
	}
	return nil
}

// call sends req and waits for the reply with the same sequence number,
// resending on timeouts and retryable result codes. The returned data is a
// copy.
func (t *Transceiver) call(ctx context.Context, req Request) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	req.Seq = t.seq
	packet := req.Encode()

	return retry.DoWithResult(ctx, t.cfg.Retry, func() ([]byte, error) {
		if err := t.write(ctx, "scp", packet); err != nil {
			t.recordError(err)
			return nil, err
		}
		data, err := t.await(ctx, req.Seq)
		if err != nil {
			t.recordError(err)
			t.logger.Debug("SCP attempt failed", "command", req.Command, "seq", req.Seq, "error", err)
		}
		return data, err
	})
}

// await reads replies until the one for seq arrives. Replies to earlier
// attempts are dropped.
func (t *Transceiver) await(ctx context.Context, seq uint16) ([]byte, error) {
	deadline := time.Now().Add(t.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	for {
		n, err := t.conn.Read(t.buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, errors.WrapTransient(errors.ErrConnectionTimeout, "scp", "await",
					fmt.Sprintf("reply to seq %d", seq))
			}
			return nil, err
		}
		resp, err := DecodeResponse(t.buf[:n])
		if err != nil || resp.Seq != seq {
			continue
		}
		switch {
		case resp.RC == RCOK:
			return append([]byte(nil), resp.Data...), nil
		case resp.RC.Retryable():
			return nil, errors.WrapTransient(fmt.Errorf("result code %s", resp.RC), "scp", "await", "command")
		default:
			return nil, retry.NonRetryable(
				errors.WrapFatal(fmt.Errorf("result code %s", resp.RC), "scp", "await", "command"))
		}
	}
}

func (t *Transceiver) recordError(err error) {
	if t.metrics != nil {
		t.metrics.RecordError("scp", errors.Classify(err).String())
	}
}
