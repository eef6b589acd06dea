package transport

import (
	"sync"
	"time"
)

// Stats is a snapshot of a transport's request accounting.
type Stats struct {
	RequestsSent      int64         `json:"requests_sent"`
	NotificationsSent int64         `json:"notifications_sent"`
	Failures          int64         `json:"failures"`
	AvgLatency        time.Duration `json:"avg_latency"`
	ErrorRate         float64       `json:"error_rate"`
	LastError         string        `json:"last_error,omitempty"`
	LastErrorAt       time.Time     `json:"last_error_at,omitzero"`
	ConnectedAt       time.Time     `json:"connected_at,omitzero"`
}

// statsRecorder accumulates per-transport counters and a rolling average
// latency over completed requests.
type statsRecorder struct {
	mu            sync.Mutex
	requests      int64
	notifications int64
	failures      int64
	totalLatency  time.Duration
	lastError     string
	lastErrorAt   time.Time
	connectedAt   time.Time
}

func (s *statsRecorder) recordRequest(latency time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	s.totalLatency += latency
	if err != nil {
		s.failures++
		s.lastError = err.Error()
		s.lastErrorAt = time.Now()
	}
}

func (s *statsRecorder) recordNotification(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications++
	if err != nil {
		s.failures++
		s.lastError = err.Error()
		s.lastErrorAt = time.Now()
	}
}

func (s *statsRecorder) markConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectedAt = time.Now()
}

func (s *statsRecorder) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		RequestsSent:      s.requests,
		NotificationsSent: s.notifications,
		Failures:          s.failures,
		LastError:         s.lastError,
		LastErrorAt:       s.lastErrorAt,
		ConnectedAt:       s.connectedAt,
	}
	if s.requests > 0 {
		stats.AvgLatency = s.totalLatency / time.Duration(s.requests)
		stats.ErrorRate = float64(s.failures) / float64(s.requests)
	}
	return stats
}

func (s *statsRecorder) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = 0
	s.notifications = 0
	s.failures = 0
	s.totalLatency = 0
	s.lastError = ""
	s.lastErrorAt = time.Time{}
}
