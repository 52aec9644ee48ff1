package buffermanager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/c360/bufferlink/eieio"
	"github.com/c360/bufferlink/errors"
	"github.com/c360/bufferlink/health"
	"github.com/c360/bufferlink/machine"
	"github.com/c360/bufferlink/metric"
	"github.com/c360/bufferlink/pkg/worker"
	"github.com/c360/bufferlink/receiving"
	"github.com/c360/bufferlink/sending"
	"github.com/c360/bufferlink/storage"
	"github.com/c360/bufferlink/transport"
	"github.com/c360/bufferlink/vertex"
)

// BackendFactory opens a fresh storage backend. session is unique per store
// generation, so a backend can use it to keep runs apart.
type BackendFactory func(ctx context.Context, session string) (storage.Backend, error)

// Config tunes the manager.
type Config struct {
	// WindowSize bounds the messages in flight per receive region.
	WindowSize int
	// DrainQueueSize bounds the read requests waiting for the drain worker.
	DrainQueueSize int
	// UseExtractors reads end-of-run data through Deps.Extractors.
	UseExtractors bool
	// StopTimeout bounds how long Close waits for the drain worker.
	StopTimeout time.Duration
}

// DefaultConfig returns the settings used when a field is zero.
func DefaultConfig() Config {
	return Config{
		WindowSize:     sending.DefaultCapacity,
		DrainQueueSize: 256,
		StopTimeout:    5 * time.Second,
	}
}

// Deps are the collaborators of a Manager. Transceiver, Regions and NewBackend
// are required.
type Deps struct {
	Transceiver transport.Transceiver
	Regions     transport.RegionLocator
	NewBackend  BackendFactory

	// Listeners and Trigger open the sockets that receive buffer traffic for
	// tagged vertices. Without Listeners, tags are ignored.
	Listeners transport.ListenerFactory
	Trigger   transport.PortTrigger

	// Extractors serve end-of-run reads when Config.UseExtractors is set.
	Extractors transport.ExtractorLocator

	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
	// Progress reports long operations. Nil logs through Logger.
	Progress ProgressFunc
}

type hostPort struct {
	host string
	port int
}

// Manager moves buffered events to cores and recorded data back to the host.
//
// Two locks split the traffic directions. outMu guards the send windows and
// cursors; inMu guards the inbound store and every drain. A path that needs
// both takes inMu first.
type Manager struct {
	cfg         Config
	transceiver transport.Transceiver
	regions     transport.RegionLocator
	newBackend  BackendFactory
	listeners   transport.ListenerFactory
	trigger     transport.PortTrigger
	extractors  transport.ExtractorLocator
	logger      *slog.Logger
	progress    ProgressFunc
	metrics     *managerMetrics
	core        *metric.Metrics

	outMu   sync.Mutex
	senders map[machine.Core]vertex.Sender
	cursors map[storage.RegionKey]*sending.Cursor
	windows map[storage.RegionKey]*sending.Window

	inMu      sync.Mutex
	receivers map[machine.Core]vertex.Receiver
	store     *receiving.Store
	session   string

	// finished is written under both locks and read without them by the
	// listener path.
	finished atomic.Bool

	tagMu        sync.Mutex
	listenerPort int
	seenTags     map[hostPort]bool
	triggered    map[hostPort]bool
	open         []transport.Listener

	pool      *worker.Pool[eieio.ReadRequest]
	started   atomic.Bool
	startTime time.Time
	errCount  atomic.Int64
	lastErr   atomic.Pointer[string]
}

// New creates a manager with an empty inbound store.
func New(ctx context.Context, cfg Config, deps Deps) (*Manager, error) {
	if deps.Transceiver == nil || deps.Regions == nil || deps.NewBackend == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "New",
			"transceiver, region locator and backend factory are required")
	}
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.DrainQueueSize <= 0 {
		cfg.DrainQueueSize = def.DrainQueueSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.UseExtractors && deps.Extractors == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "New",
			"extractors enabled without an extractor locator")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "buffermanager")

	m := &Manager{
		cfg:         cfg,
		transceiver: deps.Transceiver,
		regions:     deps.Regions,
		newBackend:  deps.NewBackend,
		listeners:   deps.Listeners,
		trigger:     deps.Trigger,
		extractors:  deps.Extractors,
		logger:      logger,
		progress:    deps.Progress,
		metrics:     newMetrics(deps.MetricsRegistry, logger),
		senders:     make(map[machine.Core]vertex.Sender),
		cursors:     make(map[storage.RegionKey]*sending.Cursor),
		windows:     make(map[storage.RegionKey]*sending.Window),
		receivers:   make(map[machine.Core]vertex.Receiver),
		seenTags:    make(map[hostPort]bool),
		triggered:   make(map[hostPort]bool),
	}
	if deps.MetricsRegistry != nil {
		m.core = deps.MetricsRegistry.CoreMetrics()
	}
	if m.progress == nil {
		m.progress = LogProgress(logger)
	}

	if err := m.openStore(ctx); err != nil {
		return nil, err
	}

	// One worker keeps inbound drains in arrival order and gives the store a
	// single writer.
	m.pool = worker.NewPool(1, cfg.DrainQueueSize, m.processReadRequest,
		worker.WithErrorHandler(m.onDrainError),
		worker.WithMetricsRegistry[eieio.ReadRequest](deps.MetricsRegistry, "drain"))
	return m, nil
}

// openStore creates a store over a new backend. Caller holds inMu or owns m.
func (m *Manager) openStore(ctx context.Context) error {
	session := uuid.NewString()
	backend, err := m.newBackend(ctx, session)
	if err != nil {
		return errors.WrapTransient(err, "Manager", "openStore", "open storage backend")
	}
	m.store = receiving.New(backend, m.logger)
	m.session = session
	m.logger.Info("Opened inbound store", "backend", backend.Name(), "session", session)
	return nil
}

// Session identifies the current store generation.
func (m *Manager) Session() string {
	m.inMu.Lock()
	defer m.inMu.Unlock()
	return m.session
}

// Start launches the drain worker. ctx bounds every drain it runs.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Manager", "Start", "start drain worker")
	}
	if err := m.pool.Start(ctx); err != nil {
		m.started.Store(false)
		return errors.Wrap(err, "Manager", "Start", "start drain worker")
	}
	m.startTime = time.Now()
	if m.core != nil {
		m.core.RecordServiceStatus("buffermanager", 2)
	}
	m.logger.Info("Buffer manager started", "window_size", m.cfg.WindowSize,
		"drain_queue", m.cfg.DrainQueueSize, "extractors", m.cfg.UseExtractors)
	return nil
}

// Close stops the drain worker, closes every listener and closes the store,
// keeping whatever it persisted.
func (m *Manager) Close() error {
	var result *multierror.Error
	if err := m.pool.Stop(m.cfg.StopTimeout); err != nil {
		result = multierror.Append(result, fmt.Errorf("drain worker: %w", err))
	}

	m.tagMu.Lock()
	for _, l := range m.open {
		if err := l.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("listener %d: %w", l.LocalPort(), err))
		}
	}
	m.open = nil
	m.tagMu.Unlock()

	m.inMu.Lock()
	if err := m.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("store: %w", err))
	}
	m.inMu.Unlock()

	if m.core != nil {
		m.core.RecordServiceStatus("buffermanager", 0)
	}
	return result.ErrorOrNil()
}

// Stop marks the run finished. Later notifications from cores are dropped and
// queued drains return without storing anything.
func (m *Manager) Stop() {
	m.inMu.Lock()
	defer m.inMu.Unlock()
	m.outMu.Lock()
	defer m.outMu.Unlock()
	m.finished.Store(true)
	m.logger.Info("Buffer manager stopped")
}

// Finished reports whether Stop has been called since the last Reset or Resume.
func (m *Manager) Finished() bool {
	return m.finished.Load()
}

// Reset discards everything received, opens an empty store, and rewinds every
// sender to its first event.
func (m *Manager) Reset(ctx context.Context) error {
	m.inMu.Lock()
	defer m.inMu.Unlock()
	m.outMu.Lock()
	defer m.outMu.Unlock()

	if err := m.store.Destroy(); err != nil {
		m.logger.Warn("Failed to destroy inbound store", "session", m.session, "error", err)
	}
	if err := m.openStore(ctx); err != nil {
		return err
	}

	for _, c := range m.cursors {
		c.Rewind()
	}
	clear(m.windows)
	m.finished.Store(false)
	m.logger.Info("Buffer manager reset", "session", m.session)
	return nil
}

// Resume prepares for another run on the same cores. Received data is kept;
// sequence tracking starts over.
func (m *Manager) Resume(ctx context.Context) error {
	m.inMu.Lock()
	defer m.inMu.Unlock()
	m.outMu.Lock()
	defer m.outMu.Unlock()

	if err := m.store.Resume(ctx); err != nil {
		return err
	}
	m.finished.Store(false)
	m.logger.Info("Buffer manager resumed")
	return nil
}

// AddSender registers a vertex whose regions the host fills. ctx bounds the
// lifetime of any listener opened for its tags.
func (m *Manager) AddSender(ctx context.Context, core machine.Core, v vertex.Sender) error {
	m.outMu.Lock()
	if _, ok := m.senders[core]; ok {
		m.outMu.Unlock()
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "AddSender",
			"core "+core.String()+" already has a sender")
	}
	m.senders[core] = v
	for _, region := range v.SendRegions() {
		key := storage.RegionKey{Core: core, Region: region}
		m.cursors[key] = sending.NewCursor(v.Source(region), v.RegionBufferSize(region))
	}
	m.outMu.Unlock()

	m.logger.Debug("Added sender", "vertex", v.Label(), "core", core.String(), "regions", v.SendRegions())
	return m.addListeners(ctx, v)
}

// AddReceiver registers a vertex whose recordings the host drains.
func (m *Manager) AddReceiver(ctx context.Context, core machine.Core, v vertex.Receiver) error {
	m.inMu.Lock()
	m.receivers[core] = v
	m.inMu.Unlock()

	m.logger.Debug("Added receiver", "vertex", v.Label(), "core", core.String(), "regions", v.RecordedRegionIDs())
	return m.addListeners(ctx, v)
}

// Receivers returns the registered receiving cores in order.
func (m *Manager) Receivers() []machine.Core {
	m.inMu.Lock()
	defer m.inMu.Unlock()
	cores := make([]machine.Core, 0, len(m.receivers))
	for c := range m.receivers {
		cores = append(cores, c)
	}
	sortCores(cores)
	return cores
}

func sortCores(cores []machine.Core) {
	sort.Slice(cores, func(i, j int) bool { return coreLess(cores[i], cores[j]) })
}

func coreLess(a, b machine.Core) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.P < b.P
}

// Health reports the drain worker and the run state.
func (m *Manager) Health() health.Status {
	stats := m.pool.Stats()
	var status health.Status
	switch {
	case !m.started.Load():
		status = health.NewUnhealthy("buffermanager", "not started")
	case stats.Dropped > 0:
		status = health.NewDegraded("buffermanager",
			fmt.Sprintf("drain queue dropped %d read requests", stats.Dropped))
	case m.finished.Load():
		status = health.NewHealthy("buffermanager", "run finished")
	case m.lastErr.Load() != nil:
		status = health.NewDegraded("buffermanager", health.Redact(*m.lastErr.Load()))
	default:
		status = health.NewHealthy("buffermanager", "streaming")
	}

	var uptime time.Duration
	if !m.startTime.IsZero() {
		uptime = time.Since(m.startTime)
	}
	return status.WithMetrics(&health.Metrics{
		Uptime:            uptime,
		ErrorCount:        int(m.errCount.Load()),
		MessagesProcessed: stats.Processed,
		QueueDepth:        stats.QueueDepth,
	})
}

// recordError counts err and keeps its text for Health. The exchange carries
// on since the core repeats whatever request failed.
func (m *Manager) recordError(err error) {
	m.errCount.Add(1)
	msg := err.Error()
	m.lastErr.Store(&msg)
	if m.core != nil {
		m.core.RecordError("buffermanager", errors.Classify(err).String())
	}
}
