package models

import (
	"time"

	"github.com/google/uuid"
)

// Realtime channel event names (server -> client).
const (
	EventStreamStarted = "stream_started"
	EventStreamEnded   = "stream_ended"
	EventViewerJoined  = "viewer_joined"
	EventViewerLeft    = "viewer_left"
	EventChatMessage   = "chat_message"
)

// StreamEvent is the payload for stream_started / stream_ended.
type StreamEvent struct {
	StreamID uuid.UUID `json:"stream_id"`
	Title    string    `json:"title"`
	At       time.Time `json:"at"`
}

// ViewerEvent is the payload for viewer_joined / viewer_left.
type ViewerEvent struct {
	StreamID uuid.UUID `json:"stream_id"`
	ViewerID uuid.UUID `json:"viewer_id"`
	NewCount int       `json:"new_count"`
}
