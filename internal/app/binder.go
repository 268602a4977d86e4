package app

import (
	"log/slog"
	"sync"

	"vitaltrace/internal/ble"
	"vitaltrace/internal/session"
	"vitaltrace/internal/storage"
	"vitaltrace/internal/telemetry"
)

// sessionBinder ties transport connect/disconnect events to session
// lifecycle and pipeline scoping. Disconnect drains the partial cycle into
// the write queue before the session end is enqueued, so the last row always
// lands before the session closes.
type sessionBinder struct {
	mu       sync.Mutex
	sessions *session.Manager
	pipeline *telemetry.Pipeline
	queue    *storage.WriteQueue
	label    string

	current string // active session id, "" when idle
}

func newSessionBinder(sessions *session.Manager, pipeline *telemetry.Pipeline, queue *storage.WriteQueue, label string) *sessionBinder {
	return &sessionBinder{
		sessions: sessions,
		pipeline: pipeline,
		queue:    queue,
		label:    label,
	}
}

func (b *sessionBinder) hooks() ble.Hooks {
	return ble.Hooks{
		OnConnect:      b.onConnect,
		OnNotification: b.pipeline.HandleNotification,
		OnDisconnect:   b.onDisconnect,
	}
}

func (b *sessionBinder) onConnect(peripheralID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Missed disconnect: drain the previous session's partial cycle into the
	// queue before anything ends it, so its last row precedes its close.
	if b.current != "" {
		b.pipeline.EndSession()
		b.queue.EnqueueSessionEnd(b.current)
		b.current = ""
	}

	label := b.label
	if label == "" {
		label = peripheralID
	}
	s, err := b.sessions.CreateSession(label, "")
	if err != nil {
		slog.Error("session create failed; readings will be discarded until reconnect",
			"peripheral", peripheralID,
			"error", err,
		)
		return
	}
	b.current = s.ID
	b.pipeline.StartSession(s.ID, peripheralID)
}

func (b *sessionBinder) onDisconnect(peripheralID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == "" {
		return
	}
	b.pipeline.EndSession()
	b.queue.EnqueueSessionEnd(b.current)
	b.current = ""
}

// CloseSession handles an explicit stop from the API. Stopping the active
// session drains the pipeline first; stopping any other id is the manager's
// idempotent end.
func (b *sessionBinder) CloseSession(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id == b.current {
		b.pipeline.EndSession()
		b.queue.EnqueueSessionEnd(id)
		b.current = ""
		return nil
	}
	return b.sessions.EndSession(id)
}
