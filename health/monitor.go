package health

import (
	"sort"
	"sync"
	"time"
)

// Monitor holds the last reported status of each named part, plus probes that
// are asked for a fresh status on every aggregation.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	probes   map[string]func() Status
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		probes:   make(map[string]func() Status),
	}
}

// Update records status under name.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// UpdateHealthy records name as healthy.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// Register installs a probe polled by Get and AggregateHealth. A probe
// replaces any status recorded under the same name.
func (m *Monitor) Register(name string, probe func() Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	m.probes[name] = probe
}

// Get returns the status of name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	probe, ok := m.probes[name]
	status, exists := m.statuses[name]
	m.mu.RUnlock()

	if ok {
		s := probe()
		s.Component = name
		return s, true
	}
	return status, exists
}

// AggregateHealth folds every part into one status, sorted by name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.statuses)+len(m.probes))
	for name := range m.statuses {
		names = append(names, name)
	}
	for name := range m.probes {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	subStatuses := make([]Status, 0, len(names))
	for _, name := range names {
		if s, ok := m.Get(name); ok {
			subStatuses = append(subStatuses, s)
		}
	}
	return Aggregate(systemName, subStatuses)
}

// Check returns a function suitable for an HTTP health handler: nil unless the
// aggregate is unhealthy.
func (m *Monitor) Check(systemName string) func() error {
	return func() error {
		return m.AggregateHealth(systemName).Err()
	}
}
