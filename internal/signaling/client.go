package signaling

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/carelink/backend/pkg/response"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second

	// CloseUnauthorized is sent when the connection's credential does not
	// resolve to a verified identity.
	CloseUnauthorized = 4401

	maxMessageSize = 65536
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced at the edge
	},
}

// VerifyFunc resolves a caller credential to a verified user identity.
type VerifyFunc func(credential string) (uuid.UUID, error)

// Client is one participant's live connection within a session room.
type Client struct {
	ID        string
	SessionID uuid.UUID
	UserID    uuid.UUID

	hub    *Hub
	conn   *websocket.Conn
	send   chan Envelope
	logger *zap.Logger

	leftAnnounced atomic.Bool
}

// Identity returns the connection's verified user identity as a string.
func (c *Client) Identity() string {
	return c.UserID.String()
}

// trySend queues an envelope for the write pump, dropping it when the buffer
// is full rather than blocking the room on one slow reader.
func (c *Client) trySend(env Envelope) {
	select {
	case c.send <- env:
	default:
		c.logger.Warn("send buffer full, dropping envelope",
			zap.String("session_id", c.SessionID.String()),
			zap.String("user_id", c.Identity()),
			zap.String("type", env.Type))
	}
}

// ServeWs handles GET /ws/match/:sessionId. The transport handshake puts the
// connection in a connecting state; it joins the room only once the query
// credential resolves to an identity. Rejected credentials close with 4401
// before any room or counter state is touched.
func ServeWs(hub *Hub, verify VerifyFunc, logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		sessionID, err := uuid.Parse(ctx.Param("sessionId"))
		if err != nil {
			response.BadRequest(ctx, "invalid session id")
			return
		}
		credential := ctx.Query("token")

		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		userID, err := verify(credential)
		if err != nil {
			msg := websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}

		client := &Client{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			UserID:    userID,
			hub:       hub,
			conn:      conn,
			send:      make(chan Envelope, sendBuffer),
			logger:    logger,
		}
		hub.Join(ctx.Request.Context(), client)
		go client.writePump()
		client.readPump(ctx.Request.Context())
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		// Cleanup must run even when the request context died with the
		// transport.
		c.hub.Leave(context.Background(), c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if c.handleEnvelope(ctx, env) {
			return
		}
	}
}

// handleEnvelope dispatches one inbound envelope while the connection is
// joined. Returns true when the connection should close.
func (c *Client) handleEnvelope(ctx context.Context, env Envelope) (closed bool) {
	switch env.Type {
	case TypeOffer, TypeAnswer, TypeICE:
		c.hub.Relay(ctx, c, env)
	case TypeJoin:
		// Idempotent re-acknowledgment: reply with the current count.
		count := c.hub.PresenceCount(ctx, c.SessionID)
		c.trySend(presenceEnvelope(TypeJoined, c.SessionID.String(), c.Identity(), count))
	case TypeLeave:
		c.hub.AnnounceLeave(ctx, c)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leave")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return true
	default:
		// Unknown envelope kinds are dropped silently.
	}
	return false
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
