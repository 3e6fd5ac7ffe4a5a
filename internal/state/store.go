// Package state holds the ephemeral, Redis-backed session state shared across
// relay processes: a cached mirror of the durable match session and a live
// presence counter per session. Neither is authoritative; the durable record
// always wins and every key expires after the configured TTL.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/carelink/backend/internal/models"
)

const sessionKeyPrefix = "match:session:"

// CachedSession is the ephemeral mirror of a durable match session. Callers
// must treat a missing or expired entry as "unknown", not as an error.
type CachedSession struct {
	SessionID   uuid.UUID  `json:"sessionId"`
	Status      string     `json:"status"`
	RequesterID uuid.UUID  `json:"requesterId"`
	PeerID      *uuid.UUID `json:"peerId,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// SessionStore caches session state in Redis with a rolling TTL.
// Writes are last-write-wins; callers must write only after the corresponding
// durable transition has committed.
type SessionStore struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewSessionStore creates a session state store.
func NewSessionStore(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *SessionStore {
	return &SessionStore{rdb: rdb, ttl: ttl, logger: logger}
}

func sessionKey(id uuid.UUID) string {
	return sessionKeyPrefix + id.String()
}

// Save writes the cached state for a session, resetting the TTL.
func (s *SessionStore) Save(ctx context.Context, session *models.MatchSession) error {
	payload := CachedSession{
		SessionID:   session.ID,
		Status:      session.Status,
		RequesterID: session.RequesterID,
		PeerID:      session.PeerID,
		UpdatedAt:   time.Now().UTC(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKey(session.ID), body, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session state: %w", err)
	}
	return nil
}

// Load returns the cached state, or (nil, nil) when the key is absent or expired.
func (s *SessionStore) Load(ctx context.Context, sessionID uuid.UUID) (*CachedSession, error) {
	body, err := s.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session state: %w", err)
	}
	var cached CachedSession
	if err := json.Unmarshal(body, &cached); err != nil {
		// A corrupt cache entry is indistinguishable from an absent one.
		s.logger.Warn("corrupt cached session state", zap.String("session_id", sessionID.String()), zap.Error(err))
		return nil, nil
	}
	return &cached, nil
}

// Delete removes the cached state for a session.
func (s *SessionStore) Delete(ctx context.Context, sessionID uuid.UUID) error {
	return s.rdb.Del(ctx, sessionKey(sessionID)).Err()
}
