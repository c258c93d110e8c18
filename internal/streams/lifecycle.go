package streams

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-live/backend/internal/models"
)

// Broadcaster delivers events to a stream's current viewer membership and
// clears that membership when a stream ends. The realtime hub implements it.
type Broadcaster interface {
	Broadcast(streamID uuid.UUID, event string, payload interface{})
	DropStream(streamID uuid.UUID)
}

// Lifecycle owns the session state machine: created -> live -> ended, plus
// created -> ended for cancellation. Transitions are serialized by the
// conditional updates in the registry, so a rejected transition never mutates
// state and an end event is broadcast exactly once.
type Lifecycle struct {
	store   *Store
	hub     Broadcaster
	logger  *zap.Logger
	onEnded func(streamID uuid.UUID)
}

// NewLifecycle creates the lifecycle controller.
func NewLifecycle(store *Store, hub Broadcaster, logger *zap.Logger) *Lifecycle {
	return &Lifecycle{store: store, hub: hub, logger: logger}
}

// SetEndedHook registers a callback invoked after every successful transition
// to ended (explicit, cancel, or implicit un-publish).
func (l *Lifecycle) SetEndedHook(fn func(streamID uuid.UUID)) {
	l.onEnded = fn
}

// TransitionToLive flips a session to live, stamps started_at and announces
// stream_started on the session's channel.
func (l *Lifecycle) TransitionToLive(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	sess, err := l.store.MarkLive(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			l.logger.Warn("rejected transition to live",
				zap.String("stream_id", id.String()), zap.Error(err))
		}
		return nil, err
	}
	l.hub.Broadcast(id, models.EventStreamStarted, models.StreamEvent{
		StreamID: id,
		Title:    sess.Title,
		At:       startedAt(sess),
	})
	l.logger.Info("stream live", zap.String("stream_id", id.String()))
	return sess, nil
}

// TransitionToEnded ends a live session: stamps ended_at, zeroes the viewer
// count, announces stream_ended and drops all viewer membership.
func (l *Lifecycle) TransitionToEnded(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	return l.end(ctx, id, models.StatusLive)
}

// Cancel ends a session that never went live. Valid only from created.
func (l *Lifecycle) Cancel(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	return l.end(ctx, id, models.StatusCreated)
}

func (l *Lifecycle) end(ctx context.Context, id uuid.UUID, from models.Status) (*models.StreamSession, error) {
	sess, err := l.store.MarkEnded(ctx, id, from)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			l.logger.Warn("rejected transition to ended",
				zap.String("stream_id", id.String()),
				zap.String("expected_status", string(from)))
		}
		return nil, err
	}
	l.hub.Broadcast(id, models.EventStreamEnded, models.StreamEvent{
		StreamID: id,
		Title:    sess.Title,
		At:       endedAt(sess),
	})
	l.hub.DropStream(id)
	if l.onEnded != nil {
		l.onEnded(id)
	}
	l.logger.Info("stream ended",
		zap.String("stream_id", id.String()),
		zap.String("from", string(from)))
	return sess, nil
}

func startedAt(s *models.StreamSession) time.Time {
	if s.StartedAt != nil {
		return *s.StartedAt
	}
	return time.Now().UTC()
}

func endedAt(s *models.StreamSession) time.Time {
	if s.EndedAt != nil {
		return *s.EndedAt
	}
	return time.Now().UTC()
}
