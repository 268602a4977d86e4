package telemetry

import (
	"log/slog"

	"vitaltrace/internal/ble"
)

// MotionBatchHandler forwards parsed motion batches straight to storage.
// Motion arrives at a much higher rate than vitals and every notification is
// already one complete, self-describing batch, so cycle coalescing is
// bypassed entirely.
type MotionBatchHandler struct {
	writer Writer
	logger *slog.Logger
}

func NewMotionBatchHandler(writer Writer, logger *slog.Logger) *MotionBatchHandler {
	return &MotionBatchHandler{writer: writer, logger: logger}
}

// Handle enqueues the whole batch as a single logical write.
func (h *MotionBatchHandler) Handle(sessionID string, samples []ble.MotionSample) {
	if len(samples) == 0 {
		return
	}
	h.writer.EnqueueMotion(sessionID, samples)
	h.logger.Debug("motion batch forwarded",
		"session_id", sessionID,
		"second_counter", samples[0].SecondCounter,
		"samples", len(samples),
	)
}
