package monitor

import (
	"sort"
	"sync"
	"time"
)

// MaxConsecutiveErrors is the number of failed writes in a row after which
// a sink is reported unhealthy.
const MaxConsecutiveErrors = 3

// SinkMonitor tracks delivery health per sink. It satisfies
// rollup.DeliveryRecorder.
type SinkMonitor struct {
	mu    sync.RWMutex
	sinks map[string]*sinkHealth
	now   func() time.Time
}

type sinkHealth struct {
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	writes            uint64
	failures          uint64
}

// NewSinkMonitor creates an empty monitor.
func NewSinkMonitor() *SinkMonitor {
	return &SinkMonitor{
		sinks: make(map[string]*sinkHealth),
		now:   time.Now,
	}
}

func (m *SinkMonitor) entry(name string) *sinkHealth {
	h, ok := m.sinks[name]
	if !ok {
		h = &sinkHealth{}
		m.sinks[name] = h
	}
	return h
}

// Register makes a sink visible in Status before its first write.
func (m *SinkMonitor) Register(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entry(name)
}

// RecordSuccess records a successful batch write.
func (m *SinkMonitor) RecordSuccess(sink string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	h := m.entry(sink)
	h.lastSuccess = now
	h.lastAttempt = now
	h.consecutiveErrors = 0
	h.lastError = ""
	h.writes++
}

// RecordFailure records a failed write attempt.
func (m *SinkMonitor) RecordFailure(sink string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.entry(sink)
	h.lastAttempt = m.now()
	h.consecutiveErrors++
	h.failures++
	if err != nil {
		h.lastError = err.Error()
	}
}

func (h *sinkHealth) healthy() bool {
	return h.consecutiveErrors <= MaxConsecutiveErrors
}

// IsHealthy returns true if every sink is delivering. A sink that has not
// been handed a batch yet counts as healthy.
func (m *SinkMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.sinks {
		if !h.healthy() {
			return false
		}
	}
	return true
}

// SinkStatus is the health of one sink.
type SinkStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	Writes            uint64 `json:"writes"`
	Failures          uint64 `json:"failures"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the health of every known sink, sorted by name.
func (m *SinkMonitor) Status() []SinkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	out := make([]SinkStatus, 0, len(m.sinks))
	for name, h := range m.sinks {
		s := SinkStatus{
			Name:     name,
			Healthy:  h.healthy(),
			Writes:   h.writes,
			Failures: h.failures,
		}
		if !h.lastSuccess.IsZero() {
			s.LastSuccess = h.lastSuccess.Format(time.RFC3339)
			s.TimeSinceSuccess = now.Sub(h.lastSuccess).Round(time.Millisecond).String()
		}
		if !h.lastAttempt.IsZero() {
			s.LastAttempt = h.lastAttempt.Format(time.RFC3339)
		}
		if h.consecutiveErrors > 0 {
			s.ConsecutiveErrors = h.consecutiveErrors
			s.LastError = h.lastError
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
