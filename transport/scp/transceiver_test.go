package scp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/metric"
	"github.com/c360/bufferlink/pkg/retry"
	"github.com/c360/bufferlink/sdp"
)

// fakeBoard answers SCP reads and writes from a sparse memory per chip and
// records every framed datagram sent to a core.
type fakeBoard struct {
	conn *net.UDPConn

	mu       sync.Mutex
	memory   map[machine.Chip]map[uint32]byte
	requests []Request
	sdp      [][]byte
	drop     int        // requests to ignore before answering
	failWith ResultCode // answer every request with this code when set
}

func newFakeBoard(t *testing.T) *fakeBoard {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	b := &fakeBoard{conn: conn, memory: make(map[machine.Chip]map[uint32]byte)}
	go b.serve()
	t.Cleanup(func() { _ = conn.Close() })
	return b
}

func (b *fakeBoard) port() int {
	return b.conn.LocalAddr().(*net.UDPAddr).Port
}

func (b *fakeBoard) serve() {
	buf := make([]byte, 65536)
	for {
		n, from, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt := append([]byte(nil), buf[:n]...)
		h, _, err := sdp.Unframe(pkt)
		if err != nil {
			continue
		}
		if h.Flags == sdp.ReplyNotExpected {
			b.mu.Lock()
			b.sdp = append(b.sdp, pkt)
			b.mu.Unlock()
			continue
		}
		req, err := DecodeRequest(pkt)
		if err != nil {
			continue
		}
		if resp, ok := b.handle(req); ok {
			_, _ = b.conn.WriteToUDP(resp.Encode(), from)
		}
	}
}

func (b *fakeBoard) handle(req Request) (Response, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if b.drop > 0 {
		b.drop--
		return Response{}, false
	}
	if b.failWith != 0 {
		return Response{RC: b.failWith, Seq: req.Seq}, true
	}
	mem, ok := b.memory[req.Chip]
	if !ok {
		mem = make(map[uint32]byte)
		b.memory[req.Chip] = mem
	}
	switch req.Command {
	case CmdRead:
		data := make([]byte, req.Arg2)
		for i := range data {
			data[i] = mem[req.Arg1+uint32(i)]
		}
		return Response{RC: RCOK, Seq: req.Seq, Data: data}, true
	case CmdWrite:
		for i, v := range req.Data {
			mem[req.Arg1+uint32(i)] = v
		}
		return Response{RC: RCOK, Seq: req.Seq}, true
	}
	return Response{RC: RCCmd, Seq: req.Seq}, true
}

func (b *fakeBoard) set(f func(b *fakeBoard)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(b)
}

func (b *fakeBoard) requestCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func dial(t *testing.T, b *fakeBoard, m *metric.Metrics) *Transceiver {
	t.Helper()
	cfg := DefaultConfig("127.0.0.1")
	cfg.Port = b.port()
	cfg.Timeout = 50 * time.Millisecond
	cfg.Retry = retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cfg.Metrics = m
	tr, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestTransceiver_WriteThenRead(t *testing.T) {
	b := newFakeBoard(t)
	tr := dial(t, b, nil)
	ctx := context.Background()
	chip := machine.Chip{X: 1, Y: 2}

	data := make([]byte, 600)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, tr.WriteMemory(ctx, chip, 0x70000000, data))

	got, err := tr.ReadMemory(ctx, chip, 0x70000000, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// 600 bytes is three chunks each way.
	assert.Equal(t, 6, b.requestCount())

	// Other chips have their own memory.
	other, err := tr.ReadMemory(ctx, machine.Chip{}, 0x70000000, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, other)
}

func TestTransceiver_ChunkArguments(t *testing.T) {
	b := newFakeBoard(t)
	tr := dial(t, b, nil)

	_, err := tr.ReadMemory(context.Background(), machine.Chip{}, 0x1002, 258)
	require.NoError(t, err)

	b.mu.Lock()
	defer b.mu.Unlock()
	require.Len(t, b.requests, 2)
	assert.Equal(t, uint32(0x1002), b.requests[0].Arg1)
	assert.Equal(t, uint32(256), b.requests[0].Arg2)
	assert.Equal(t, sizeHalf, b.requests[0].Arg3)
	assert.Equal(t, uint32(0x1102), b.requests[1].Arg1)
	assert.Equal(t, uint32(2), b.requests[1].Arg2)
	assert.NotEqual(t, b.requests[0].Seq, b.requests[1].Seq)
}

func TestTransceiver_RetriesLostReply(t *testing.T) {
	b := newFakeBoard(t)
	tr := dial(t, b, nil)
	b.set(func(b *fakeBoard) { b.drop = 2 })

	got, err := tr.ReadMemory(context.Background(), machine.Chip{}, 0, 4)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Equal(t, 3, b.requestCount())
}

func TestTransceiver_GivesUpAfterRetries(t *testing.T) {
	b := newFakeBoard(t)
	tr := dial(t, b, nil)
	b.set(func(b *fakeBoard) { b.drop = 10 })

	_, err := tr.ReadMemory(context.Background(), machine.Chip{}, 0, 4)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, 3, b.requestCount())
}

func TestTransceiver_ResultCodes(t *testing.T) {
	tests := []struct {
		name     string
		rc       ResultCode
		attempts int
		fatal    bool
	}{
		{"retryable timeout", RCTimeout, 3, false},
		{"retryable p2p busy", RCP2PBusy, 3, false},
		{"bad argument", RCArg, 1, true},
		{"dead core", RCDead, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBoard(t)
			tr := dial(t, b, nil)
			b.set(func(b *fakeBoard) { b.failWith = tt.rc })

			err := tr.WriteMemory(context.Background(), machine.Chip{}, 0, []byte{1, 2, 3, 4})
			require.Error(t, err)
			assert.Equal(t, tt.fatal, errors.IsFatal(err))
			assert.Equal(t, tt.attempts, b.requestCount())
		})
	}
}

func TestTransceiver_SendSDP(t *testing.T) {
	b := newFakeBoard(t)
	m := metric.NewMetrics()
	tr := dial(t, b, m)
	core := machine.Core{X: 3, Y: 4, P: 5}

	require.NoError(t, tr.SendSDP(context.Background(), core, sdp.PortOutputBuffering, []byte{0xAA, 0xBB}))

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.sdp) == 1
	}, 2*time.Second, 5*time.Millisecond)

	b.mu.Lock()
	h, data, err := sdp.Unframe(b.sdp[0])
	b.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, data)
	assert.Equal(t, uint8(sdp.PortOutputBuffering), h.DestPort)
	assert.Equal(t, core, machine.Core{X: h.DestX, Y: h.DestY, P: h.DestCPU})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DatagramsSent.WithLabelValues("sdp")))
}

func TestTransceiver_RecordsTransfers(t *testing.T) {
	b := newFakeBoard(t)
	m := metric.NewMetrics()
	tr := dial(t, b, m)

	require.NoError(t, tr.WriteMemory(context.Background(), machine.Chip{}, 0, make([]byte, 10)))
	_, err := tr.ReadMemory(context.Background(), machine.Chip{}, 0, 10)
	require.NoError(t, err)

	assert.Equal(t, 10.0, testutil.ToFloat64(m.TransferBytes.WithLabelValues("write")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.TransferBytes.WithLabelValues("read")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DatagramsSent.WithLabelValues("scp")))
}

func TestTransceiver_RateLimitedSend(t *testing.T) {
	b := newFakeBoard(t)
	cfg := DefaultConfig("127.0.0.1")
	cfg.Port = b.port()
	cfg.SendRate = 20
	cfg.Burst = 1
	tr, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer tr.Close()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, tr.SendSDP(context.Background(), machine.Core{}, 1, []byte{byte(i)}))
	}
	// Two waits of 50ms each after the first send.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no host", func(c *Config) { c.Host = "" }, true},
		{"bad port", func(c *Config) { c.Port = 0 }, true},
		{"no timeout", func(c *Config) { c.Timeout = 0 }, true},
		{"negative rate", func(c *Config) { c.SendRate = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("10.0.0.1")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestAccessSize(t *testing.T) {
	assert.Equal(t, sizeWord, accessSize(0x1000, 8))
	assert.Equal(t, sizeHalf, accessSize(0x1002, 6))
	assert.Equal(t, sizeByte, accessSize(0x1001, 4))
	assert.Equal(t, sizeByte, accessSize(0x1000, 3))
}
