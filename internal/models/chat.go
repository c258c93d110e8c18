package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxChatMessageLength caps the text of a single chat message.
const MaxChatMessageLength = 500

// ChatMessage is one chat line sent to a stream. Messages are immutable:
// created on send, broadcast immediately, persisted for history.
type ChatMessage struct {
	ID       uuid.UUID `json:"id"`
	StreamID uuid.UUID `json:"stream_id"`
	SenderID uuid.UUID `json:"sender_id"`
	Text     string    `json:"text"`
	SentAt   time.Time `json:"sent_at"`
}
