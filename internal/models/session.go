package models

import (
	"time"

	"github.com/google/uuid"
)

// Match session statuses.
const (
	StatusWaiting  = "WAITING"
	StatusMatched  = "MATCHED"
	StatusCalling  = "CALLING"
	StatusEnded    = "ENDED"
	StatusCanceled = "CANCELED"
)

// MatchSession is the durable record of a matching attempt between two callers.
// PeerID is set exactly when the session has been matched (MATCHED, CALLING or
// ENDED); a WAITING or CANCELED session has no peer.
type MatchSession struct {
	ID          uuid.UUID  `json:"sessionId"`
	RequesterID uuid.UUID  `json:"requesterId"`
	PeerID      *uuid.UUID `json:"peerId,omitempty"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
}

// Terminal reports whether the session is in a final state.
func (s *MatchSession) Terminal() bool {
	return s.Status == StatusEnded || s.Status == StatusCanceled
}

// HasParticipant reports whether the given user is a party to the session.
func (s *MatchSession) HasParticipant(userID uuid.UUID) bool {
	if s.RequesterID == userID {
		return true
	}
	return s.PeerID != nil && *s.PeerID == userID
}
