// Package realtime maintains viewer presence and fans events out to stream
// channels over WebSocket connections.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-live/backend/internal/models"
)

// Envelope is the WebSocket message envelope.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Subscriber is one viewer connection as seen by the hub. *Client implements
// it; tests substitute fakes.
type Subscriber interface {
	ConnectionID() string
	ViewerID() uuid.UUID
	// Deliver enqueues a message without blocking. It returns false when the
	// subscriber's buffer is full and the message was dropped.
	Deliver(msg Envelope) bool
}

// ViewerCounter maintains the persisted viewer count. The stream store
// implements it with atomic increments at the storage layer.
type ViewerCounter interface {
	IncrementViewers(ctx context.Context, streamID uuid.UUID) (int, error)
	DecrementViewers(ctx context.Context, streamID uuid.UUID) (int, error)
}

// membership is one (stream, connection) presence entry.
type membership struct {
	sub      Subscriber
	joinedAt time.Time
}

// Hub is the sole owner of viewer membership state. Membership is keyed by
// (streamID, connectionID) with a reverse index per connection, and is only
// reachable through Join / Leave / DropConnection / DropStream. Everything is
// ephemeral: a process restart starts from empty membership.
type Hub struct {
	mu       sync.Mutex
	streams  map[uuid.UUID]map[string]*membership // streamID -> connectionID
	conns    map[string]map[uuid.UUID]struct{}    // connectionID -> streamIDs joined
	subs     map[uuid.UUID]func()                 // cancel of the backplane subscription per stream
	counter  ViewerCounter
	bridge   *RedisPubSub // nil disables the cross-instance bridge
	logger   *zap.Logger
	instance string
}

// NewHub creates the viewer presence hub.
func NewHub(counter ViewerCounter, bridge *RedisPubSub, logger *zap.Logger) *Hub {
	return &Hub{
		streams:  make(map[uuid.UUID]map[string]*membership),
		conns:    make(map[string]map[uuid.UUID]struct{}),
		subs:     make(map[uuid.UUID]func()),
		counter:  counter,
		bridge:   bridge,
		logger:   logger,
		instance: uuid.New().String(),
	}
}

// Join adds a subscriber to a stream's membership. Joining an already-joined
// (stream, connection) pair is a no-op: the count is incremented and
// viewer_joined broadcast only on first join.
func (h *Hub) Join(ctx context.Context, streamID uuid.UUID, sub Subscriber) {
	connID := sub.ConnectionID()

	h.mu.Lock()
	members := h.streams[streamID]
	if members == nil {
		members = make(map[string]*membership)
		h.streams[streamID] = members
		h.subscribeBackplane(streamID)
	}
	if _, exists := members[connID]; exists {
		h.mu.Unlock()
		return
	}
	members[connID] = &membership{sub: sub, joinedAt: time.Now()}
	if h.conns[connID] == nil {
		h.conns[connID] = make(map[uuid.UUID]struct{})
	}
	h.conns[connID][streamID] = struct{}{}
	local := len(members)
	h.mu.Unlock()

	count, err := h.counter.IncrementViewers(ctx, streamID)
	if err != nil {
		// Membership stays authoritative in memory; the persisted count may
		// lag until the registry recovers.
		h.logger.Error("viewer count increment failed",
			zap.Error(err), zap.String("stream_id", streamID.String()))
		count = local
	}
	h.Broadcast(streamID, models.EventViewerJoined, models.ViewerEvent{
		StreamID: streamID,
		ViewerID: sub.ViewerID(),
		NewCount: count,
	})
	h.logger.Debug("viewer joined",
		zap.String("stream_id", streamID.String()),
		zap.String("connection_id", connID),
		zap.Int("count", count))
}

// Leave removes a subscriber from a stream's membership. Absent membership is
// a no-op.
func (h *Hub) Leave(ctx context.Context, streamID uuid.UUID, connID string) {
	h.mu.Lock()
	members := h.streams[streamID]
	m, exists := members[connID]
	if !exists {
		h.mu.Unlock()
		return
	}
	delete(members, connID)
	local := len(members)
	if local == 0 {
		delete(h.streams, streamID)
		h.unsubscribeBackplane(streamID)
	}
	if set := h.conns[connID]; set != nil {
		delete(set, streamID)
		if len(set) == 0 {
			delete(h.conns, connID)
		}
	}
	h.mu.Unlock()

	count, err := h.counter.DecrementViewers(ctx, streamID)
	if err != nil {
		h.logger.Error("viewer count decrement failed",
			zap.Error(err), zap.String("stream_id", streamID.String()))
		count = local
	}
	h.Broadcast(streamID, models.EventViewerLeft, models.ViewerEvent{
		StreamID: streamID,
		ViewerID: m.sub.ViewerID(),
		NewCount: count,
	})
	h.logger.Debug("viewer left",
		zap.String("stream_id", streamID.String()),
		zap.String("connection_id", connID))
}

// DropConnection removes the connection's membership from every stream it had
// joined, emitting viewer_left for each. Called on transport disconnect.
func (h *Hub) DropConnection(ctx context.Context, connID string) {
	h.mu.Lock()
	joined := make([]uuid.UUID, 0, len(h.conns[connID]))
	for streamID := range h.conns[connID] {
		joined = append(joined, streamID)
	}
	h.mu.Unlock()

	for _, streamID := range joined {
		h.Leave(ctx, streamID, connID)
	}
}

// DropStream clears all membership for a stream without per-member count
// updates; the lifecycle transition already zeroed the persisted count.
func (h *Hub) DropStream(streamID uuid.UUID) {
	h.mu.Lock()
	members := h.streams[streamID]
	delete(h.streams, streamID)
	for connID := range members {
		if set := h.conns[connID]; set != nil {
			delete(set, streamID)
			if len(set) == 0 {
				delete(h.conns, connID)
			}
		}
	}
	h.unsubscribeBackplane(streamID)
	h.mu.Unlock()

	if len(members) > 0 {
		h.logger.Debug("stream membership dropped",
			zap.String("stream_id", streamID.String()),
			zap.Int("members", len(members)))
	}
}

// IsMember reports whether a connection has joined a stream. The transport
// layer uses this to gate chat sends.
func (h *Hub) IsMember(streamID uuid.UUID, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.streams[streamID][connID]
	return ok
}

// Count returns the in-memory membership size for a stream.
func (h *Hub) Count(streamID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams[streamID])
}

// Broadcast delivers an event to every current member of a stream, in the
// order Broadcast calls are accepted. Delivery is at-most-once: a member
// whose buffer is full misses the message.
func (h *Hub) Broadcast(streamID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := Envelope{Event: event, Data: data}

	// Delivering under the lock keeps per-stream receipt order; sends are
	// non-blocking channel writes.
	h.mu.Lock()
	for _, m := range h.streams[streamID] {
		if !m.sub.Deliver(msg) {
			h.logger.Debug("dropped message for slow subscriber",
				zap.String("stream_id", streamID.String()),
				zap.String("connection_id", m.sub.ConnectionID()),
				zap.String("event", event))
		}
	}
	h.mu.Unlock()

	if h.bridge != nil {
		_ = h.bridge.Publish(streamID, h.instance, event, data)
	}
}

// subscribeBackplane starts relaying cross-instance events for a stream.
// Caller holds h.mu.
func (h *Hub) subscribeBackplane(streamID uuid.UUID) {
	if h.bridge == nil {
		return
	}
	cancel, err := h.bridge.Subscribe(streamID, func(origin, event string, payload []byte) {
		if origin == h.instance {
			return // already delivered locally
		}
		h.deliverLocal(streamID, Envelope{Event: event, Data: payload})
	})
	if err != nil {
		h.logger.Warn("backplane subscribe failed",
			zap.Error(err), zap.String("stream_id", streamID.String()))
		return
	}
	h.subs[streamID] = cancel
}

// unsubscribeBackplane stops the relay for a stream. Caller holds h.mu.
func (h *Hub) unsubscribeBackplane(streamID uuid.UUID) {
	if cancel, ok := h.subs[streamID]; ok {
		cancel()
		delete(h.subs, streamID)
	}
}

// deliverLocal fans a relayed message out to local members only.
func (h *Hub) deliverLocal(streamID uuid.UUID, msg Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range h.streams[streamID] {
		m.sub.Deliver(msg)
	}
}
