package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a stream session.
// Valid transitions: created -> live -> ended, created -> ended (cancel).
type Status string

const (
	StatusCreated Status = "created"
	StatusLive    Status = "live"
	StatusEnded   Status = "ended"
)

var (
	// ErrNotFound is returned when a stream session does not exist.
	ErrNotFound = errors.New("stream not found")
	// ErrInvalidTransition is returned when a lifecycle transition is not
	// allowed from the session's current status.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// Categories a stream can be created under.
var Categories = map[string]bool{
	"general":   true,
	"gaming":    true,
	"music":     true,
	"education": true,
	"sports":    true,
	"tech":      true,
	"art":       true,
}

// ValidCategory reports whether c is an allowed stream category.
func ValidCategory(c string) bool {
	return Categories[c]
}

// StreamSession is one broadcast session: created by its owner, flipped to
// live by an authenticated publish, and ended by un-publish or an explicit
// end command.
type StreamSession struct {
	ID           uuid.UUID  `json:"id"`
	OwnerID      uuid.UUID  `json:"owner_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Category     string     `json:"category"`
	StreamKey    string     `json:"-"` // opaque publish secret, never serialized in listings
	IsPrivate    bool       `json:"is_private"`
	Status       Status     `json:"status"`
	ViewerCount  int        `json:"viewer_count"`
	ThumbnailURL *string    `json:"thumbnail_url,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// StreamDraft is the owner-supplied input for creating a session.
type StreamDraft struct {
	OwnerID     uuid.UUID
	Title       string
	Description string
	Category    string
	IsPrivate   bool
}

// StreamPatch is a partial metadata update. Nil fields are left unchanged.
type StreamPatch struct {
	Title       *string
	Description *string
	Category    *string
	IsPrivate   *bool
}

// PublicFilter narrows the public stream listing.
type PublicFilter struct {
	Category string
	Search   string
	Limit    int
	Offset   int
}
