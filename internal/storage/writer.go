package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vitaltrace/internal/ble"
	"vitaltrace/internal/telemetry"
)

// WriteQueue serializes all storage writes through a single goroutine in
// enqueue order. SQLite does not tolerate concurrent writers well and the
// row-count increment must not interleave, so the event path hands writes
// off here and keeps going. A failed write is logged and dropped, never
// retried: a retry could reorder against later readings and the instrument
// value is not recoverable anyway.
type WriteQueue struct {
	repo   Repository
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	ops    chan writeOp
	done   chan struct{}
}

type writeOp struct {
	row        *telemetry.VitalsRow
	session    string
	samples    []ble.MotionSample
	endSession string
	endAt      time.Time
}

const defaultQueueDepth = 256

func NewWriteQueue(repo Repository, logger *slog.Logger) *WriteQueue {
	return &WriteQueue{
		repo:   repo,
		logger: logger,
		ops:    make(chan writeOp, defaultQueueDepth),
		done:   make(chan struct{}),
	}
}

// Run consumes writes until the context is cancelled, then drains whatever
// is already enqueued. In-flight writes complete even after a disconnect.
func (q *WriteQueue) Run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case op := <-q.ops:
			q.execute(op)
		case <-ctx.Done():
			q.mu.Lock()
			q.closed = true
			close(q.ops)
			q.mu.Unlock()
			for op := range q.ops {
				q.execute(op)
			}
			return
		}
	}
}

// Wait blocks until Run has drained and returned.
func (q *WriteQueue) Wait() {
	<-q.done
}

func (q *WriteQueue) EnqueueVitals(row telemetry.VitalsRow) {
	q.enqueue(writeOp{row: &row})
}

func (q *WriteQueue) EnqueueMotion(sessionID string, samples []ble.MotionSample) {
	q.enqueue(writeOp{session: sessionID, samples: samples})
}

// EnqueueSessionEnd records the session end through the queue so it lands
// after every write enqueued before it, preserving flush-before-close order.
func (q *WriteQueue) EnqueueSessionEnd(sessionID string) {
	q.enqueue(writeOp{endSession: sessionID, endAt: time.Now().UTC()})
}

func (q *WriteQueue) enqueue(op writeOp) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Warn("write dropped, queue closed")
		return
	}
	select {
	case q.ops <- op:
	default:
		// Dropping beats blocking the notification path; the device does
		// not resend either way.
		q.logger.Error("write dropped, queue full")
	}
}

func (q *WriteQueue) execute(op writeOp) {
	if op.endSession != "" {
		if err := q.repo.EndSession(op.endSession, op.endAt); err != nil {
			q.logger.Error("session end write failed",
				"session_id", op.endSession,
				"error", err,
			)
		}
		return
	}
	if op.row != nil {
		if err := q.repo.InsertVitalsRow(*op.row); err != nil {
			q.logger.Error("vitals write failed, reading dropped",
				"session_id", op.row.SessionID,
				"error", err,
			)
		}
		return
	}
	if err := q.repo.InsertMotionBatch(op.session, op.samples); err != nil {
		q.logger.Error("motion batch write failed, batch dropped",
			"session_id", op.session,
			"samples", len(op.samples),
			"error", err,
		)
	}
}
