package services

import (
	"sync"
	"time"
)

// DirectoryCollector receives the same facts the in-memory aggregates track,
// so an external metrics backend stays in step with the stats endpoint.
type DirectoryCollector interface {
	RecordSessionCreated()
	RecordSessionEnded(duration time.Duration)
	RecordPeerRegistered(role string)
}

// MetricsService keeps in-memory aggregates of directory activity and
// optionally mirrors them to a DirectoryCollector. It backs the stats
// endpoint and health reporting.
type MetricsService struct {
	mu        sync.RWMutex
	collector DirectoryCollector

	sessionsCreated int64
	sessionsEnded   int64
	peersByRole     map[string]int64
	totalDuration   time.Duration
}

// DirectoryStats is a point-in-time snapshot of directory activity.
type DirectoryStats struct {
	SessionsCreated int64            `json:"sessions_created"`
	SessionsActive  int64            `json:"sessions_active"`
	SessionsEnded   int64            `json:"sessions_ended"`
	PeersByRole     map[string]int64 `json:"peers_by_role"`
	AverageDuration time.Duration    `json:"average_duration"`
}

func NewMetricsService() *MetricsService {
	return &MetricsService{
		peersByRole: make(map[string]int64),
	}
}

// SetCollector installs an external collector. Call before serving traffic;
// the field is not guarded against concurrent replacement.
func (m *MetricsService) SetCollector(c DirectoryCollector) {
	m.collector = c
}

func (m *MetricsService) RecordSessionCreated() {
	m.mu.Lock()
	m.sessionsCreated++
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.RecordSessionCreated()
	}
}

func (m *MetricsService) RecordSessionEnded(duration time.Duration) {
	m.mu.Lock()
	m.sessionsEnded++
	m.totalDuration += duration
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.RecordSessionEnded(duration)
	}
}

func (m *MetricsService) RecordPeerRegistered(role string) {
	m.mu.Lock()
	m.peersByRole[role]++
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.RecordPeerRegistered(role)
	}
}

func (m *MetricsService) Stats() DirectoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byRole := make(map[string]int64, len(m.peersByRole))
	for role, n := range m.peersByRole {
		byRole[role] = n
	}

	avg := time.Duration(0)
	if m.sessionsEnded > 0 {
		avg = m.totalDuration / time.Duration(m.sessionsEnded)
	}

	return DirectoryStats{
		SessionsCreated: m.sessionsCreated,
		SessionsActive:  m.sessionsCreated - m.sessionsEnded,
		SessionsEnded:   m.sessionsEnded,
		PeersByRole:     byRole,
		AverageDuration: avg,
	}
}
