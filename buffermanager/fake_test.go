package buffermanager

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360/bufferlink/eieio"
	"github.com/c360/bufferlink/events"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/storage"
	"github.com/c360/bufferlink/storage/memstore"
	"github.com/c360/bufferlink/transport"
)

type sentSDP struct {
	core    machine.Core
	port    uint8
	payload []byte
}

// fakeMachine is a board with sparse byte-addressed memory per chip. It
// records every datagram sent to it.
type fakeMachine struct {
	mu     sync.Mutex
	memory map[machine.Chip]map[uint32]byte
	sent   []sentSDP
	reads  int
	writes int

	sendErr error
	readErr error
	// failOnce maps an address to an error returned by the next read there.
	failOnce map[uint32]error
}

func newFakeMachine() *fakeMachine {
	return &fakeMachine{memory: make(map[machine.Chip]map[uint32]byte)}
}

func (f *fakeMachine) SendSDP(_ context.Context, core machine.Core, port uint8, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentSDP{core: core, port: port, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeMachine) ReadMemory(_ context.Context, chip machine.Chip, addr uint32, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	if err, ok := f.failOnce[addr]; ok {
		delete(f.failOnce, addr)
		return nil, err
	}
	f.reads++
	out := make([]byte, n)
	for i := range out {
		out[i] = f.memory[chip][addr+uint32(i)]
	}
	return out, nil
}

func (f *fakeMachine) WriteMemory(_ context.Context, chip machine.Chip, addr uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	mem, ok := f.memory[chip]
	if !ok {
		mem = make(map[uint32]byte)
		f.memory[chip] = mem
	}
	for i, b := range data {
		mem[addr+uint32(i)] = b
	}
	return nil
}

// mem returns n bytes at addr without counting a read.
func (f *fakeMachine) mem(chip machine.Chip, addr uint32, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = f.memory[chip][addr+uint32(i)]
	}
	return out
}

// sentTo returns the commands sent to port, decoded.
func (f *fakeMachine) sentTo(t *testing.T, port uint8) []eieio.Command {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []eieio.Command
	for _, s := range f.sent {
		if s.port != port {
			continue
		}
		cmd, err := eieio.DecodeCommand(s.payload)
		require.NoError(t, err)
		out = append(out, cmd)
	}
	return out
}

func (f *fakeMachine) rawSentTo(port uint8) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, s := range f.sent {
		if s.port == port {
			out = append(out, s.payload)
		}
	}
	return out
}

func (f *fakeMachine) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeMachine) resetSent() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type fakeListener struct {
	port    int
	handler transport.Handler
	closed  bool
}

func (l *fakeListener) LocalPort() int { return l.port }
func (l *fakeListener) Close() error {
	l.closed = true
	return nil
}

type trigger struct {
	board string
	port  int
}

// fakeNetwork binds listeners on made-up ports and records port triggers.
type fakeNetwork struct {
	mu        sync.Mutex
	nextPort  int
	listeners []*fakeListener
	triggers  []trigger
}

func (n *fakeNetwork) Listen(_ context.Context, _ string, port int, handler transport.Handler) (transport.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if port == 0 {
		n.nextPort++
		port = 40000 + n.nextPort
	}
	l := &fakeListener{port: port, handler: handler}
	n.listeners = append(n.listeners, l)
	return l, nil
}

func (n *fakeNetwork) TriggerPort(_ context.Context, tag machine.IPTag, localPort int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.triggers = append(n.triggers, trigger{board: tag.BoardAddress, port: localPort})
	return nil
}

// fakeExtractors serves reads from the same machine and counts its use.
type fakeExtractors struct {
	machine  *fakeMachine
	chips    map[machine.Chip]bool
	prepared int
	finished int
	reads    int
}

func (e *fakeExtractors) Prepare(context.Context) error {
	e.prepared++
	return nil
}

func (e *fakeExtractors) Finish(context.Context) error {
	e.finished++
	return nil
}

func (e *fakeExtractors) Extractor(chip machine.Chip) (transport.MemoryReader, bool) {
	if !e.chips[chip] {
		return nil, false
	}
	return e, true
}

func (e *fakeExtractors) ReadMemory(ctx context.Context, chip machine.Chip, addr uint32, n int) ([]byte, error) {
	e.reads++
	return e.machine.ReadMemory(ctx, chip, addr, n)
}

// scheduleOf builds a source with counts[i] keys at timestamp i.
func scheduleOf(counts ...int) *events.Schedule {
	m := make(map[uint32][]uint32)
	key := uint32(0)
	for ts, n := range counts {
		for i := 0; i < n; i++ {
			m[uint32(ts)] = append(m[uint32(ts)], key)
			key++
		}
	}
	return events.FromMap(m)
}

// oneEach gives n events on consecutive timestamps, so each message holds one.
func oneEach(n int) *events.Schedule {
	counts := make([]int, n)
	for i := range counts {
		counts[i] = 1
	}
	return scheduleOf(counts...)
}

type fixture struct {
	m       *Manager
	machine *fakeMachine
	regions *transport.StaticRegionTable
	net     *fakeNetwork
	ctx     context.Context
}

func newFixture(t *testing.T, cfg Config, mod func(*Deps)) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{
		machine: newFakeMachine(),
		regions: transport.NewStaticRegionTable(),
		net:     &fakeNetwork{},
		ctx:     ctx,
	}
	deps := Deps{
		Transceiver: f.machine,
		Regions:     f.regions,
		NewBackend: func(context.Context, string) (storage.Backend, error) {
			return memstore.New(), nil
		},
		Listeners: f.net,
		Trigger:   f.net,
		Logger:    slog.New(slog.DiscardHandler),
	}
	if mod != nil {
		mod(&deps)
	}
	m, err := New(ctx, cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	f.m = m
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.m.Start(f.ctx))
}

func (f *fixture) receive(c eieio.Command) {
	f.m.ReceiveCommand(f.ctx, eieio.Encode(c))
}
