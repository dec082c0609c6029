// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package session manages the table of live client sessions: activity
// tracking, idle expiry, a capacity cap, and a periodic sweep that removes
// stale entries.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/exai-toolbridge/internal/daemonerr"
	"github.com/tombee/exai-toolbridge/internal/metrics"
	"github.com/tombee/exai-toolbridge/internal/obslog"
)

// Session is one client connection's bookkeeping record.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	Closed       bool
}

// Config controls the table's timeout/capacity/sweep behavior. Zero values
// fall back to spec defaults.
type Config struct {
	SessionTimeout        time.Duration
	MaxConcurrentSessions int
	CleanupInterval       time.Duration
	Logger                *slog.Logger
}

// Metrics is an aggregate snapshot of the session table.
type Metrics struct {
	Total            int
	Active           int
	OldestSessionAge time.Duration
	NewestSessionAge time.Duration
	AvgSessionAge    time.Duration
}

// Manager owns the session table. All mutations are serialized by one mutex.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	timeout  time.Duration
	capacity int
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New creates a Manager. A zero Config uses spec defaults (1h timeout, 100
// session cap, 300s sweep interval).
func New(cfg Config) *Manager {
	timeout := cfg.SessionTimeout
	if timeout == 0 {
		timeout = 3600 * time.Second
	}
	capacity := cfg.MaxConcurrentSessions
	if capacity == 0 {
		capacity = 100
	}
	interval := cfg.CleanupInterval
	if interval == 0 {
		interval = 300 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		sessions:  make(map[string]*Session),
		timeout:   timeout,
		capacity:  capacity,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
		stopSweep: make(chan struct{}),
	}
}

// Ensure returns the session for id, creating it if absent. If id is empty a
// UUID is minted. A full table rejects brand-new ids with
// SessionLimitExceeded; an id already present in the table is returned
// regardless of capacity.
func (m *Manager) Ensure(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id == "" {
		id = uuid.NewString()
	}

	if existing, ok := m.sessions[id]; ok {
		return existing, nil
	}

	if len(m.sessions) >= m.capacity {
		return nil, daemonerr.SessionLimitExceeded(m.capacity)
	}

	now := m.now()
	s := &Session{ID: id, CreatedAt: now, LastActivity: now}
	m.sessions[id] = s
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	return s, nil
}

// Get returns the session for id, if present.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// UpdateActivity bumps last_activity for id. No-op if id is absent.
func (m *Manager) UpdateActivity(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastActivity = m.now()
	}
}

// Remove marks id closed and deletes it from the table.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.Closed = true
		delete(m.sessions, id)
		metrics.SessionsActive.Set(float64(len(m.sessions)))
	}
}

// ListIDs returns every session id currently in the table.
func (m *Manager) ListIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// IsTimedOut reports whether s is closed or has been idle past the
// configured session timeout.
func (m *Manager) IsTimedOut(s *Session) bool {
	if s.Closed {
		return true
	}
	return m.now().Sub(s.LastActivity) >= m.timeout
}

// CleanupStale removes every timed-out session and returns the count
// removed.
func (m *Manager) CleanupStale() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if m.IsTimedOut(s) {
			s.Closed = true
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("session sweep removed stale sessions", obslog.Int("count", removed))
		metrics.SessionsExpired.Add(float64(removed))
		metrics.SessionsActive.Set(float64(len(m.sessions)))
	}
	return removed
}

// Metrics returns an aggregate snapshot of the table.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	met := Metrics{Total: len(m.sessions)}
	if len(m.sessions) == 0 {
		return met
	}

	now := m.now()
	var oldest, newest, sum time.Duration
	first := true
	for _, s := range m.sessions {
		age := now.Sub(s.CreatedAt)
		if !m.IsTimedOut(s) {
			met.Active++
		}
		if first {
			oldest, newest = age, age
			first = false
		}
		if age > oldest {
			oldest = age
		}
		if age < newest {
			newest = age
		}
		sum += age
	}
	met.OldestSessionAge = oldest
	met.NewestSessionAge = newest
	met.AvgSessionAge = sum / time.Duration(len(m.sessions))
	return met
}

// StartSweep launches the periodic stale-session sweep. It runs until Stop
// is called.
func (m *Manager) StartSweep() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CleanupStale()
			case <-m.stopSweep:
				return
			}
		}
	}()
}

// Stop halts the periodic sweep. Safe to call more than once.
func (m *Manager) Stop() {
	m.sweepOnce.Do(func() {
		close(m.stopSweep)
	})
}
