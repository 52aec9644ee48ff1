package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name       string
		parts      []Status
		wantStatus string
		wantMsg    string
	}{
		{"no parts", nil, "healthy", "Nothing to report"},
		{"all healthy", []Status{NewHealthy("board", ""), NewHealthy("buffers", "")}, "healthy", "All parts healthy"},
		{"degraded wins over healthy",
			[]Status{NewHealthy("board", ""), NewDegraded("buffers", "drain queue dropped 2")},
			"degraded", "Degraded: buffers"},
		{"unhealthy wins over degraded",
			[]Status{NewUnhealthy("storage", ""), NewDegraded("buffers", ""), NewUnhealthy("board", "")},
			"unhealthy", "Unhealthy: storage, board"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("bufferd", tt.parts)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantMsg, got.Message)
			assert.Len(t, got.SubStatuses, len(tt.parts))
		})
	}
}

func TestStatus_Err(t *testing.T) {
	assert.NoError(t, NewHealthy("board", "").Err())
	assert.NoError(t, NewDegraded("board", "").Err())
	err := NewUnhealthy("board", "no reply").Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "board unhealthy: no reply")
}

func TestRedact(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"open /var/lib/bufferd/0_0_1_2.bin", "open [PATH]"},
		{"no reply from 192.168.240.1", "no reply from [IP]"},
		{"bind to :17893", "bind to [PORT]"},
		{"auth failed with password:hunter2", "auth failed with [REDACTED]"},
		{"GET https://board.local/status refused", "GET [URL] refused"},
		{"connect nats://user:pw@10.0.0.5:4222 failed", "connect [URL] failed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Redact(tt.input), tt.input)
	}
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("board", "transceiver connected")

	calls := 0
	m.Register("buffers", func() Status {
		calls++
		return NewDegraded("ignored", "queue dropped")
	})

	s, ok := m.Get("buffers")
	require.True(t, ok)
	assert.Equal(t, "buffers", s.Component)
	assert.Equal(t, 1, calls)

	agg := m.AggregateHealth("bufferd")
	assert.True(t, agg.IsDegraded())
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "board", agg.SubStatuses[0].Component)
	assert.Equal(t, 2, calls)
	assert.NoError(t, m.Check("bufferd")())

	m.Update("board", NewUnhealthy("board", "timeout"))
	assert.Error(t, m.Check("bufferd")())

	_, ok = m.Get("storage")
	assert.False(t, ok)
}
