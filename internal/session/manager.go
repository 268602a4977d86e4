// Package session owns monitoring-session lifecycle: creation on device
// connect, idempotent termination on disconnect or explicit stop.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vitaltrace/internal/storage"
	"vitaltrace/internal/telemetry"
)

type Manager struct {
	repo   storage.Repository
	logger *slog.Logger

	mu sync.Mutex
}

func NewManager(repo storage.Repository, logger *slog.Logger) *Manager {
	return &Manager{repo: repo, logger: logger}
}

// CreateSession allocates a new session id, persists the row and returns it
// active. Any session still marked active is ended first; the system models
// one connected device, so at most one session is active at a time.
func (m *Manager) CreateSession(deviceLabel, notes string) (telemetry.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, err := m.repo.GetActiveSessions()
	if err != nil {
		return telemetry.Session{}, fmt.Errorf("check active sessions: %w", err)
	}
	for _, s := range active {
		m.logger.Warn("ending stale active session", "session_id", s.ID)
		if err := m.repo.EndSession(s.ID, time.Now().UTC()); err != nil {
			return telemetry.Session{}, fmt.Errorf("end stale session %s: %w", s.ID, err)
		}
	}

	s := telemetry.Session{
		ID:          uuid.NewString(),
		StartTime:   time.Now().UTC(),
		DeviceLabel: deviceLabel,
		Notes:       notes,
		IsActive:    true,
	}
	if err := m.repo.CreateSession(s); err != nil {
		return telemetry.Session{}, err
	}
	m.logger.Info("session started", "session_id", s.ID, "device_label", deviceLabel)
	return s, nil
}

// EndSession closes the session. Ending an already-ended session is a no-op,
// not an error.
func (m *Manager) EndSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.repo.EndSession(id, time.Now().UTC()); err != nil {
		return err
	}
	m.logger.Info("session ended", "session_id", id)
	return nil
}

func (m *Manager) GetSession(id string) (*telemetry.Session, error) {
	return m.repo.GetSession(id)
}

func (m *Manager) GetAllSessions() ([]telemetry.Session, error) {
	return m.repo.GetAllSessions()
}

func (m *Manager) GetActiveSessions() ([]telemetry.Session, error) {
	return m.repo.GetActiveSessions()
}
