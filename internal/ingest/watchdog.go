package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-live/backend/internal/streams"
)

// Watchdog supervises the liveness of active publishes. A live stream whose
// ingest stops sending keepalives within the window is treated as implicitly
// un-published and transitioned to ended. It is also the process's in-memory
// view of which sessions are currently live.
type Watchdog struct {
	mu        sync.Mutex
	lastSeen  map[uuid.UUID]time.Time
	lifecycle *streams.Lifecycle
	window    time.Duration
	logger    *zap.Logger
}

// NewWatchdog creates an ingest liveness watchdog.
func NewWatchdog(lifecycle *streams.Lifecycle, window time.Duration, logger *zap.Logger) *Watchdog {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Watchdog{
		lastSeen:  make(map[uuid.UUID]time.Time),
		lifecycle: lifecycle,
		window:    window,
		logger:    logger,
	}
}

// Track starts supervising a stream after its publish is accepted.
func (w *Watchdog) Track(streamID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen[streamID] = time.Now()
}

// Touch records a keepalive. Returns false when the stream is not tracked
// (ended or never published through this process).
func (w *Watchdog) Touch(streamID uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.lastSeen[streamID]; !ok {
		return false
	}
	w.lastSeen[streamID] = time.Now()
	return true
}

// Forget stops supervising a stream. Called on every transition to ended.
func (w *Watchdog) Forget(streamID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.lastSeen, streamID)
}

// LiveCount returns the number of sessions currently live in this process.
func (w *Watchdog) LiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.lastSeen)
}

// Run scans for expired publishes until ctx is done.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.window / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watchdog) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-w.window)

	w.mu.Lock()
	var expired []uuid.UUID
	for id, seen := range w.lastSeen {
		if seen.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(w.lastSeen, id)
	}
	w.mu.Unlock()

	for _, id := range expired {
		w.logger.Warn("ingest keepalive expired, ending stream",
			zap.String("stream_id", id.String()))
		if _, err := w.lifecycle.TransitionToEnded(ctx, id); err != nil {
			w.logger.Error("implicit un-publish failed",
				zap.Error(err), zap.String("stream_id", id.String()))
		}
	}
}
