package telemetry

import (
	"errors"
	"log/slog"
	"sync"

	"vitaltrace/internal/ble"
	"vitaltrace/internal/utils"
)

// Writer is the asynchronous storage boundary. Enqueue calls must not block
// the notification path; ordering is preserved by the queue.
type Writer interface {
	EnqueueVitals(row VitalsRow)
	EnqueueMotion(sessionID string, samples []ble.MotionSample)
}

// Pipeline turns raw characteristic notifications into storage writes for
// the currently active session. In-memory cycle state is mutated
// synchronously in strict arrival order under the mutex; only the storage
// write itself is asynchronous. A corrupt frame never stops processing of
// subsequent notifications.
type Pipeline struct {
	mu     sync.Mutex
	logger *slog.Logger
	writer Writer
	motion *MotionBatchHandler

	sessionID string
	deviceID  string
	buf       *CycleBuffer
}

func NewPipeline(writer Writer, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		logger: logger,
		writer: writer,
		motion: NewMotionBatchHandler(writer, logger),
	}
}

// StartSession scopes subsequent notifications to the given session. Any
// previous session's partial cycle is drained first.
func (p *Pipeline) StartSession(sessionID, deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainLocked()
	p.sessionID = sessionID
	p.deviceID = deviceID
	p.buf = NewCycleBuffer(sessionID, deviceID)
}

// EndSession flushes the buffered partial cycle and stops accepting
// readings. Safe to call when no session is active.
func (p *Pipeline) EndSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainLocked()
	p.sessionID = ""
	p.deviceID = ""
	p.buf = nil
}

func (p *Pipeline) drainLocked() {
	if p.buf == nil {
		return
	}
	if f := p.buf.Drain(); f != nil {
		p.writer.EnqueueVitals(f.Row)
	}
}

// HandleNotification is the single entry point for all transports.
func (p *Pipeline) HandleNotification(n ble.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sessionID == "" {
		// Reading with no active session: discarded, not surfaced as an error.
		p.logger.Debug("notification discarded, no active session",
			"peripheral", n.PeripheralID,
			"characteristic", n.CharacteristicUUID,
		)
		return
	}

	kind := ble.KindFor(n.CharacteristicUUID)
	switch kind {
	case ble.KindHeartRate:
		r, err := ble.ParseHeartRate(n.PeripheralID, n.Payload)
		if err != nil {
			p.logMalformed(kind, n, err)
			return
		}
		p.emit(p.buf.AddHeartRate(r))

	case ble.KindSpO2:
		r, err := ble.ParseSpO2(n.PeripheralID, n.Payload)
		if err != nil {
			p.logMalformed(kind, n, err)
			return
		}
		p.emit(p.buf.AddSpO2(r))

	case ble.KindBattery:
		r, err := ble.ParseBattery(n.PeripheralID, n.Payload)
		if err != nil {
			p.logMalformed(kind, n, err)
			return
		}
		p.emit(p.buf.AddBattery(r))

	case ble.KindStatus:
		r, err := ble.ParseStatus(n.PeripheralID, n.Payload)
		if err != nil {
			p.logMalformed(kind, n, err)
			return
		}
		p.buf.AddStatus(r)

	case ble.KindMotion:
		samples, err := ble.ParseMotionBatch(n.Payload)
		if err != nil {
			if errors.Is(err, ble.ErrLegacyMotionFrame) {
				p.logger.Warn("motion frame in legacy single-sample size; check negotiated payload size",
					"peripheral", n.PeripheralID,
					"bytes", len(n.Payload),
				)
			} else {
				p.logMalformed(kind, n, err)
			}
			return
		}
		p.motion.Handle(p.sessionID, samples)

	default:
		p.logger.Debug("notification for unknown characteristic",
			"characteristic", n.CharacteristicUUID,
		)
	}
}

func (p *Pipeline) emit(flushes []Flush) {
	for _, f := range flushes {
		if len(f.Missed) > 0 {
			p.logger.Warn("cycle flushed with missed notifications",
				"session_id", f.Row.SessionID,
				"missed", f.Missed,
			)
		}
		p.writer.EnqueueVitals(f.Row)
	}
}

func (p *Pipeline) logMalformed(kind ble.FrameKind, n ble.Notification, err error) {
	p.logger.Warn("malformed frame discarded",
		"kind", kind.String(),
		"peripheral", n.PeripheralID,
		"payload", utils.BytesToHex(n.Payload),
		"error", err,
	)
}
