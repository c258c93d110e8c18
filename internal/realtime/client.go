package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for connection heartbeat (seconds).
	PingInterval = 30
	PongWait     = 60
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// TokenValidator verifies the identity token from the query string.
type TokenValidator func(token string) (viewerID uuid.UUID, err error)

// JoinGate decides whether a stream can currently be joined (exists and is
// live). Wired to the session store in main.
type JoinGate func(ctx context.Context, streamID uuid.UUID) error

// ChatSender accepts a chat message for fanout. Wired to the chat service.
type ChatSender func(ctx context.Context, streamID, senderID uuid.UUID, text string) error

// Client is a single viewer WebSocket connection. One connection may join any
// number of streams; its connection ID ties all of its memberships together.
type Client struct {
	id       string
	viewerID uuid.UUID
	hub      *Hub
	conn     *websocket.Conn
	send     chan Envelope
	logger   *zap.Logger
}

// ConnectionID implements Subscriber.
func (c *Client) ConnectionID() string { return c.id }

// ViewerID implements Subscriber.
func (c *Client) ViewerID() uuid.UUID { return c.viewerID }

// Deliver implements Subscriber. Non-blocking; returns false when the send
// buffer is full.
func (c *Client) Deliver(msg Envelope) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// joinPayload is the client->server body for join_stream / leave_stream.
type joinPayload struct {
	StreamID string `json:"stream_id"`
}

// chatPayload is the client->server body for chat_message.
type chatPayload struct {
	StreamID string `json:"stream_id"`
	Text     string `json:"text"`
}

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(hub *Hub, logger *zap.Logger, validate TokenValidator, canJoin JoinGate, sendChat ChatSender) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}
		viewerID, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			id:       uuid.New().String(),
			viewerID: viewerID,
			hub:      hub,
			conn:     conn,
			send:     make(chan Envelope, 256),
			logger:   logger,
		}
		go client.writePump()
		client.readPump(canJoin, sendChat)
	}
}

func (c *Client) readPump(canJoin JoinGate, sendChat ChatSender) {
	defer func() {
		c.hub.DropConnection(context.Background(), c.id)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg Envelope
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		ctx := context.Background()

		switch msg.Event {
		case "join_stream":
			streamID, ok := c.parseStreamID(msg.Data)
			if !ok {
				continue
			}
			if err := canJoin(ctx, streamID); err != nil {
				c.sendError("stream_not_joinable", streamID)
				continue
			}
			c.hub.Join(ctx, streamID, c)

		case "leave_stream":
			streamID, ok := c.parseStreamID(msg.Data)
			if !ok {
				continue
			}
			c.hub.Leave(ctx, streamID, c.id)

		case "chat_message":
			var payload chatPayload
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				continue
			}
			streamID, err := uuid.Parse(payload.StreamID)
			if err != nil {
				continue
			}
			// Sends are only accepted from connections that have joined the
			// stream; the fanout itself does not re-check membership.
			if !c.hub.IsMember(streamID, c.id) {
				c.sendError("not_joined", streamID)
				continue
			}
			if err := sendChat(ctx, streamID, c.viewerID, payload.Text); err != nil {
				c.sendError("chat_rejected", streamID)
			}

		default:
			// ignore
		}
	}
}

func (c *Client) parseStreamID(data json.RawMessage) (uuid.UUID, bool) {
	var payload joinPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(payload.StreamID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (c *Client) sendError(reason string, streamID uuid.UUID) {
	data, _ := json.Marshal(gin.H{"reason": reason, "stream_id": streamID})
	c.Deliver(Envelope{Event: "error", Data: data})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
