package udp

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/metric"
	"github.com/c360/bufferlink/sdp"
)

type collector struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *collector) handle(_ context.Context, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, append([]byte(nil), data...))
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) get() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.msgs...)
}

func send(t *testing.T, port int, payloads ...[]byte) {
	t.Helper()
	conn, err := net.Dial("udp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()
	for _, p := range payloads {
		_, err := conn.Write(p)
		require.NoError(t, err)
	}
}

func TestListen_EphemeralPortDeliversInOrder(t *testing.T) {
	f := NewFactory(DefaultConfig())
	c := &collector{}

	l, err := f.Listen(context.Background(), "127.0.0.1", 0, c.handle)
	require.NoError(t, err)
	defer l.Close()
	require.NotZero(t, l.LocalPort())

	send(t, l.LocalPort(), []byte{1}, []byte{2, 2}, []byte{3, 3, 3})

	require.Eventually(t, func() bool { return c.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]byte{{1}, {2, 2}, {3, 3, 3}}, c.get())
	assert.Equal(t, int64(3), l.(*Listener).Received())
}

func TestListen_Validation(t *testing.T) {
	f := NewFactory(DefaultConfig())
	ctx := context.Background()

	tests := []struct {
		name    string
		port    int
		handler func(context.Context, []byte)
	}{
		{"negative port", -1, func(context.Context, []byte) {}},
		{"port too large", 70000, func(context.Context, []byte) {}},
		{"nil handler", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Listen(ctx, "127.0.0.1", tt.port, tt.handler)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestListen_BindFailureIsTransient(t *testing.T) {
	taken, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer taken.Close()

	cfg := DefaultConfig()
	cfg.BindRetry.MaxAttempts = 2
	cfg.BindRetry.InitialDelay = time.Millisecond
	cfg.BindRetry.MaxDelay = time.Millisecond
	f := NewFactory(cfg)

	_, err = f.Listen(context.Background(), "127.0.0.1", taken.LocalAddr().(*net.UDPAddr).Port,
		func(context.Context, []byte) {})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestListener_CloseIsIdempotent(t *testing.T) {
	f := NewFactory(DefaultConfig())
	l, err := f.Listen(context.Background(), "127.0.0.1", 0, func(context.Context, []byte) {})
	require.NoError(t, err)
	port := l.LocalPort()

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	// A closed listener can no longer trigger.
	err = f.TriggerPort(context.Background(), machine.IPTag{BoardAddress: "127.0.0.1"}, port)
	require.Error(t, err)
}

func TestListener_HandlerPanicKeepsLoopAlive(t *testing.T) {
	f := NewFactory(DefaultConfig())
	c := &collector{}
	handler := func(ctx context.Context, data []byte) {
		if data[0] == 0xFF {
			panic("bad datagram")
		}
		c.handle(ctx, data)
	}
	l, err := f.Listen(context.Background(), "127.0.0.1", 0, handler)
	require.NoError(t, err)
	defer l.Close()

	send(t, l.LocalPort(), []byte{0xFF}, []byte{7})

	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, [][]byte{{7}}, c.get())
}

func TestListener_RecordsMetrics(t *testing.T) {
	m := metric.NewMetrics()
	cfg := DefaultConfig()
	cfg.Metrics = m
	f := NewFactory(cfg)
	c := &collector{}

	l, err := f.Listen(context.Background(), "127.0.0.1", 0, c.handle)
	require.NoError(t, err)
	defer l.Close()

	send(t, l.LocalPort(), []byte{1}, []byte{2})
	require.Eventually(t, func() bool { return c.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	name := net.JoinHostPort("127.0.0.1", strconv.Itoa(l.LocalPort()))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DatagramsReceived.WithLabelValues(name)))
}

func TestTriggerPort_SendsFromListenerSocket(t *testing.T) {
	// The board side is played by a socket bound on the monitor port when it
	// is free; otherwise the test is skipped.
	board, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: ScampPort})
	if err != nil {
		t.Skipf("port %d unavailable: %v", ScampPort, err)
	}
	defer board.Close()

	f := NewFactory(DefaultConfig())
	l, err := f.Listen(context.Background(), "127.0.0.1", 0, func(context.Context, []byte) {})
	require.NoError(t, err)
	defer l.Close()

	tag := machine.IPTag{Tag: 1, Host: "127.0.0.1", BoardAddress: "127.0.0.1"}
	require.NoError(t, f.TriggerPort(context.Background(), tag, l.LocalPort()))

	buf := make([]byte, 64)
	require.NoError(t, board.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, from, err := board.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, l.LocalPort(), from.Port)

	h, data, err := sdp.Unframe(buf[:n])
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, sdp.ReplyNotExpected, h.Flags)
	assert.Equal(t, uint8(3), h.DestPort)
}

func TestTriggerPort_UnknownPort(t *testing.T) {
	f := NewFactory(DefaultConfig())
	err := f.TriggerPort(context.Background(), machine.IPTag{BoardAddress: "127.0.0.1"}, 1)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
