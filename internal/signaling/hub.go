// Package signaling relays WebRTC signaling envelopes between the two
// participants of a match session over WebSocket, tracking live peer presence
// across relay processes.
package signaling

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher publishes an envelope to a session's cross-process channel.
type Publisher interface {
	Publish(ctx context.Context, sessionID uuid.UUID, env Envelope) error
}

// Subscriber subscribes to a session's channel and invokes handler for each
// incoming envelope.
type Subscriber interface {
	Subscribe(sessionID uuid.UUID, handler func(Envelope)) (cancel func(), err error)
}

// Counter is the shared presence counter for session rooms.
type Counter interface {
	Increment(ctx context.Context, sessionID uuid.UUID) (int64, error)
	Decrement(ctx context.Context, sessionID uuid.UUID) (int64, error)
	Get(ctx context.Context, sessionID uuid.UUID) (int64, error)
}

// PresenceChangeHandler is called after a join or leave changes a session's
// live peer count (e.g. to promote the session once both peers arrive).
type PresenceChangeHandler func(sessionID uuid.UUID, count int64)

// Hub maintains sessionID -> set of local connections and coordinates
// room-wide delivery. All room-wide events go through the publisher; the
// per-session subscription performs the local broadcast exactly once per
// process, so local and remote members see the same stream in the same order.
type Hub struct {
	rooms map[uuid.UUID]map[string]*Client
	subs  map[uuid.UUID]func() // cancel per-session subscription
	mu    sync.RWMutex

	presence   Counter
	pub        Publisher
	sub        Subscriber
	onPresence PresenceChangeHandler
	logger     *zap.Logger
}

// NewHub creates a signaling hub.
func NewHub(presence Counter, pub Publisher, sub Subscriber, logger *zap.Logger) *Hub {
	return &Hub{
		rooms:    make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		presence: presence,
		pub:      pub,
		sub:      sub,
		logger:   logger,
	}
}

// SetPresenceChangeHandler sets the callback for presence count changes.
func (h *Hub) SetPresenceChangeHandler(fn PresenceChangeHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onPresence = fn
}

// Join admits an authenticated connection to its session room: the connection
// is added to the local broadcast group (starting the cross-process
// subscription with the first local member), the shared presence counter is
// incremented, the new count is acknowledged to the connection itself as a
// "joined" event and announced to the rest of the room as "peer-joined".
func (h *Hub) Join(ctx context.Context, c *Client) {
	h.mu.Lock()
	if h.rooms[c.SessionID] == nil {
		h.rooms[c.SessionID] = make(map[string]*Client)
		if cancel, err := h.sub.Subscribe(c.SessionID, func(env Envelope) {
			h.deliverLocal(c.SessionID, env)
		}); err != nil {
			h.logger.Error("session channel subscribe failed",
				zap.String("session_id", c.SessionID.String()), zap.Error(err))
		} else {
			h.subs[c.SessionID] = cancel
		}
	}
	h.rooms[c.SessionID][c.ID] = c
	local := len(h.rooms[c.SessionID])
	onPresence := h.onPresence
	h.mu.Unlock()

	count, err := h.presence.Increment(ctx, c.SessionID)
	if err != nil {
		// The join must not fail on a counter hiccup; the local room size is
		// the best available approximation until the next refresh.
		h.logger.Warn("presence increment failed",
			zap.String("session_id", c.SessionID.String()), zap.Error(err))
		count = int64(local)
	}

	c.trySend(presenceEnvelope(TypeJoined, c.SessionID.String(), c.Identity(), count))
	h.publish(ctx, c.SessionID, presenceEnvelope(TypePeerJoined, c.SessionID.String(), c.Identity(), count))

	if onPresence != nil {
		onPresence(c.SessionID, count)
	}
	h.logger.Debug("peer joined room",
		zap.String("session_id", c.SessionID.String()),
		zap.String("user_id", c.Identity()),
		zap.Int64("peer_count", count))
}

// Leave removes a departed connection: the shared counter is decremented and
// "peer-left" carrying the new count is broadcast before the connection is
// discarded from the local group, so every member that saw this connection's
// peer-joined also sees its peer-left. When the connection already announced
// its own departure (explicit leave message) the broadcast is skipped.
func (h *Hub) Leave(ctx context.Context, c *Client) {
	count, err := h.presence.Decrement(ctx, c.SessionID)
	if err != nil {
		h.logger.Warn("presence decrement failed",
			zap.String("session_id", c.SessionID.String()), zap.Error(err))
	}

	if !c.leftAnnounced.Load() {
		h.publish(ctx, c.SessionID, presenceEnvelope(TypePeerLeft, c.SessionID.String(), c.Identity(), count))
	}

	h.mu.Lock()
	if room, ok := h.rooms[c.SessionID]; ok {
		delete(room, c.ID)
		if len(room) == 0 {
			delete(h.rooms, c.SessionID)
			if cancel, ok := h.subs[c.SessionID]; ok {
				cancel()
				delete(h.subs, c.SessionID)
			}
		}
	}
	onPresence := h.onPresence
	h.mu.Unlock()

	if onPresence != nil {
		onPresence(c.SessionID, count)
	}
	h.logger.Debug("peer left room",
		zap.String("session_id", c.SessionID.String()),
		zap.String("user_id", c.Identity()),
		zap.Int64("peer_count", count))
}

// Relay forwards a signaling envelope to the rest of the room, tagged with
// the sender's identity and session id. The payload passes through untouched.
func (h *Hub) Relay(ctx context.Context, c *Client, env Envelope) {
	env.SessionID = c.SessionID.String()
	env.From = c.Identity()
	h.publish(ctx, c.SessionID, env)
}

// AnnounceLeave broadcasts the optimistic peer-left for an explicit leave
// message: the counter is decremented only at actual disconnect, so the
// announced count is the current count minus the departing connection.
func (h *Hub) AnnounceLeave(ctx context.Context, c *Client) {
	count, err := h.presence.Get(ctx, c.SessionID)
	if err != nil {
		h.logger.Warn("presence read failed",
			zap.String("session_id", c.SessionID.String()), zap.Error(err))
	}
	if count > 0 {
		count--
	}
	c.leftAnnounced.Store(true)
	h.publish(ctx, c.SessionID, presenceEnvelope(TypePeerLeft, c.SessionID.String(), c.Identity(), count))
}

// PresenceCount returns the current shared presence count for a session.
func (h *Hub) PresenceCount(ctx context.Context, sessionID uuid.UUID) int64 {
	count, err := h.presence.Get(ctx, sessionID)
	if err != nil {
		h.logger.Warn("presence read failed",
			zap.String("session_id", sessionID.String()), zap.Error(err))
	}
	return count
}

// publish sends a room-wide envelope through the cross-process channel. Local
// members receive it via this process's own subscription.
func (h *Hub) publish(ctx context.Context, sessionID uuid.UUID, env Envelope) {
	if err := h.pub.Publish(ctx, sessionID, env); err != nil {
		h.logger.Error("envelope publish failed",
			zap.String("session_id", sessionID.String()),
			zap.String("type", env.Type), zap.Error(err))
	}
}

// deliverLocal hands an envelope to every local room member except the
// originator. Self-echo is suppressed by identity, symmetrically for relayed
// messages and presence events.
func (h *Hub) deliverLocal(sessionID uuid.UUID, env Envelope) {
	h.mu.RLock()
	room := h.rooms[sessionID]
	members := make([]*Client, 0, len(room))
	for _, c := range room {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		if c.Identity() == env.From {
			continue
		}
		c.trySend(env)
	}
}
