// Package chat fans chat messages out to a stream's viewers and persists
// them for history.
package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-live/backend/internal/models"
	"github.com/lumen-live/backend/pkg/queue"
)

var (
	// ErrEmptyMessage is returned for blank chat text.
	ErrEmptyMessage = errors.New("empty chat message")
	// ErrMessageTooLong is returned when text exceeds the length cap.
	ErrMessageTooLong = errors.New("chat message too long")
)

// Broadcaster delivers an event to a stream's current membership. The
// realtime hub implements it.
type Broadcaster interface {
	Broadcast(streamID uuid.UUID, event string, payload interface{})
}

// HistoryQueue accepts chat persistence jobs. *queue.Queue implements it.
type HistoryQueue interface {
	EnqueueChatMessage(ctx context.Context, payload queue.ChatMessagePayload) error
}

// Service accepts chat messages and broadcasts them in the order they are
// accepted by this process. Persistence is fire-and-forget: a failed enqueue
// never blocks the fanout.
type Service struct {
	hub     Broadcaster
	history HistoryQueue
	logger  *zap.Logger
}

// NewService creates the chat fanout service.
func NewService(hub Broadcaster, history HistoryQueue, logger *zap.Logger) *Service {
	return &Service{hub: hub, history: history, logger: logger}
}

// Send validates, persists (best effort) and broadcasts one chat message.
// Sender membership is enforced at the transport layer, not here.
func (s *Service) Send(ctx context.Context, streamID, senderID uuid.UUID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if len(text) > models.MaxChatMessageLength {
		return ErrMessageTooLong
	}

	msg := models.ChatMessage{
		ID:       uuid.New(),
		StreamID: streamID,
		SenderID: senderID,
		Text:     text,
		SentAt:   time.Now().UTC(),
	}

	if s.history != nil {
		if err := s.history.EnqueueChatMessage(ctx, queue.ChatMessagePayload{
			MessageID: msg.ID,
			StreamID:  msg.StreamID,
			SenderID:  msg.SenderID,
			Text:      msg.Text,
			SentAt:    msg.SentAt,
		}); err != nil {
			s.logger.Warn("chat history enqueue failed",
				zap.Error(err), zap.String("stream_id", streamID.String()))
		}
	}

	s.hub.Broadcast(streamID, models.EventChatMessage, msg)
	return nil
}
