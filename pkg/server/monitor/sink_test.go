package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(m *SinkMonitor)
		expected bool
	}{
		{
			name:     "no sinks",
			setup:    func(m *SinkMonitor) {},
			expected: true,
		},
		{
			name:     "registered, never written",
			setup:    func(m *SinkMonitor) { m.Register("storage") },
			expected: true,
		},
		{
			name: "recent success",
			setup: func(m *SinkMonitor) {
				m.RecordSuccess("storage")
			},
			expected: true,
		},
		{
			name: "a few retried failures",
			setup: func(m *SinkMonitor) {
				m.RecordSuccess("storage")
				m.RecordFailure("storage", errors.New("error 1"))
				m.RecordFailure("storage", errors.New("error 2"))
			},
			expected: true,
		},
		{
			name: "too many consecutive errors",
			setup: func(m *SinkMonitor) {
				m.RecordSuccess("storage")
				m.RecordFailure("postgres", errors.New("error 1"))
				m.RecordFailure("postgres", errors.New("error 2"))
				m.RecordFailure("postgres", errors.New("error 3"))
				m.RecordFailure("postgres", errors.New("error 4"))
			},
			expected: false,
		},
		{
			name: "recovered",
			setup: func(m *SinkMonitor) {
				for i := 0; i < 5; i++ {
					m.RecordFailure("postgres", errors.New("down"))
				}
				m.RecordSuccess("postgres")
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewSinkMonitor()
			tt.setup(m)
			if got := m.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSinkMonitor_Status(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewSinkMonitor()
	m.now = func() time.Time { return now }

	m.Register("websocket")
	m.RecordSuccess("storage")
	m.RecordFailure("postgres", errors.New("connection refused"))

	status := m.Status()
	require.Len(t, status, 3)
	assert.Equal(t, "postgres", status[0].Name)
	assert.Equal(t, "storage", status[1].Name)
	assert.Equal(t, "websocket", status[2].Name)

	pg := status[0]
	assert.True(t, pg.Healthy)
	assert.Equal(t, uint64(1), pg.Failures)
	assert.Equal(t, 1, pg.ConsecutiveErrors)
	assert.Equal(t, "connection refused", pg.LastError)
	assert.Empty(t, pg.LastSuccess)
	assert.Equal(t, now.Format(time.RFC3339), pg.LastAttempt)

	st := status[1]
	assert.Equal(t, uint64(1), st.Writes)
	assert.Equal(t, now.Format(time.RFC3339), st.LastSuccess)
	assert.Equal(t, "0s", st.TimeSinceSuccess)
	assert.Zero(t, st.ConsecutiveErrors)

	ws := status[2]
	assert.True(t, ws.Healthy)
	assert.Empty(t, ws.LastAttempt)
}
