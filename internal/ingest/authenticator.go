// Package ingest authenticates inbound publish handshakes and supervises the
// liveness of active publishes.
package ingest

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-live/backend/internal/models"
	"github.com/lumen-live/backend/internal/streams"
)

// ErrRejected is returned for any publish handshake that must not start a
// session: unknown key, a key already live, or a key whose session has ended.
var ErrRejected = errors.New("publish rejected")

// Authenticator validates publish handshakes against stream keys and drives
// the created -> live transition on acceptance. Rejections are logged and
// never mutate registry state.
type Authenticator struct {
	store     *streams.Store
	lifecycle *streams.Lifecycle
	logger    *zap.Logger
}

// NewAuthenticator creates a publish authenticator.
func NewAuthenticator(store *streams.Store, lifecycle *streams.Lifecycle, logger *zap.Logger) *Authenticator {
	return &Authenticator{store: store, lifecycle: lifecycle, logger: logger}
}

// Authenticate validates a stream key and, on success, transitions the
// session to live, returning the stream ID.
func (a *Authenticator) Authenticate(ctx context.Context, streamKey string) (uuid.UUID, error) {
	if streamKey == "" {
		a.logger.Warn("publish rejected: empty stream key")
		return uuid.Nil, ErrRejected
	}

	sess, err := a.store.FindByKey(ctx, streamKey)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			a.logger.Warn("publish rejected: unknown stream key")
			return uuid.Nil, ErrRejected
		}
		return uuid.Nil, err
	}

	switch sess.Status {
	case models.StatusLive:
		// One publisher per key: a second handshake on a live key is refused.
		a.logger.Warn("publish rejected: stream already live",
			zap.String("stream_id", sess.ID.String()))
		return uuid.Nil, ErrRejected
	case models.StatusEnded:
		a.logger.Warn("publish rejected: stream already ended",
			zap.String("stream_id", sess.ID.String()))
		return uuid.Nil, ErrRejected
	}

	if _, err := a.lifecycle.TransitionToLive(ctx, sess.ID); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// Lost the race with another handshake on the same key.
			a.logger.Warn("publish rejected: concurrent transition",
				zap.String("stream_id", sess.ID.String()))
			return uuid.Nil, ErrRejected
		}
		return uuid.Nil, err
	}

	a.logger.Info("publish accepted", zap.String("stream_id", sess.ID.String()))
	return sess.ID, nil
}
