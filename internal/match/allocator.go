// Package match pairs a caller with the nearest waiting candidate and manages
// the durable session lifecycle.
package match

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carelink/backend/internal/models"
	"github.com/carelink/backend/internal/state"
	"github.com/carelink/backend/pkg/geo"
)

var (
	// ErrNotFound means the referenced session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrForbidden means the caller is not a participant of the session.
	ErrForbidden = errors.New("not a participant of this session")
)

// Store is the durable session storage consumed by the service.
type Store interface {
	Allocate(ctx context.Context, requesterID uuid.UUID, loc *models.UserLocation, limit int) (*Allocation, error)
	GetByID(ctx context.Context, sessionID uuid.UUID) (*models.MatchSession, error)
	End(ctx context.Context, sessionID uuid.UUID) (*models.MatchSession, error)
	MarkCalling(ctx context.Context, sessionID uuid.UUID) (*models.MatchSession, error)
}

// LocationSource resolves a user's last-known location, nil when unknown.
type LocationSource interface {
	Get(ctx context.Context, userID uuid.UUID) (*models.UserLocation, error)
}

// StateCache mirrors session state into the ephemeral store after durable
// transitions commit.
type StateCache interface {
	Save(ctx context.Context, session *models.MatchSession) error
	Load(ctx context.Context, sessionID uuid.UUID) (*state.CachedSession, error)
}

// Result is the outcome of a match request.
type Result struct {
	SessionID  uuid.UUID  `json:"sessionId"`
	Matched    bool       `json:"matched"`
	PeerID     *uuid.UUID `json:"peerId,omitempty"`
	DistanceKm *float64   `json:"distanceKm,omitempty"`
}

// Status is a session status snapshot, served from cache when possible.
type Status struct {
	SessionID uuid.UUID  `json:"sessionId"`
	Status    string     `json:"status"`
	PeerID    *uuid.UUID `json:"peerId,omitempty"`
}

// Service runs match allocation and session lifecycle operations.
type Service struct {
	store          Store
	locations      LocationSource
	cache          StateCache
	candidateLimit int
	logger         *zap.Logger
}

// NewService creates the match service.
func NewService(store Store, locations LocationSource, cache StateCache, candidateLimit int, logger *zap.Logger) *Service {
	return &Service{
		store:          store,
		locations:      locations,
		cache:          cache,
		candidateLimit: candidateLimit,
		logger:         logger,
	}
}

// RequestMatch allocates a session for the requester: either pairing them
// with the nearest waiting candidate or leaving a fresh WAITING session as
// their place in the pool. Persistence failures abort the whole allocation;
// retrying is safe and just creates another WAITING row.
func (s *Service) RequestMatch(ctx context.Context, requesterID uuid.UUID) (*Result, error) {
	loc, err := s.locations.Get(ctx, requesterID)
	if err != nil {
		return nil, err
	}

	alloc, err := s.store.Allocate(ctx, requesterID, loc, s.candidateLimit)
	if err != nil {
		return nil, err
	}

	s.cacheState(ctx, alloc.Session)
	if alloc.Superseded != nil {
		s.cacheState(ctx, alloc.Superseded)
	}

	return &Result{
		SessionID:  alloc.Session.ID,
		Matched:    alloc.Matched,
		PeerID:     alloc.PeerID,
		DistanceKm: alloc.DistanceKm,
	}, nil
}

// End idempotently moves a session to its terminal state. Only a participant
// may end a session; ending an already-terminal session is a no-op.
func (s *Service) End(ctx context.Context, callerID, sessionID uuid.UUID) (*models.MatchSession, error) {
	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNotFound
	}
	if !session.HasParticipant(callerID) {
		return nil, ErrForbidden
	}

	ended, err := s.store.End(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ended == nil {
		return nil, ErrNotFound
	}
	s.cacheState(ctx, ended)
	return ended, nil
}

// Status returns a session's status, consulting the cache first and falling
// back to the durable record when the cache is cold. The cache may be stale;
// callers needing authority should end up at the durable row anyway.
func (s *Service) Status(ctx context.Context, callerID, sessionID uuid.UUID) (*Status, error) {
	cached, err := s.cache.Load(ctx, sessionID)
	if err != nil {
		s.logger.Warn("session state cache read failed", zap.Error(err))
	}
	if cached != nil {
		if cached.RequesterID != callerID && (cached.PeerID == nil || *cached.PeerID != callerID) {
			return nil, ErrForbidden
		}
		return &Status{SessionID: cached.SessionID, Status: cached.Status, PeerID: cached.PeerID}, nil
	}

	session, err := s.store.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNotFound
	}
	if !session.HasParticipant(callerID) {
		return nil, ErrForbidden
	}
	s.cacheState(ctx, session)
	return &Status{SessionID: session.ID, Status: session.Status, PeerID: session.PeerID}, nil
}

// OnPresenceChange promotes a MATCHED session to CALLING once both peers are
// attached to its signaling room. Wired to the relay hub's presence callback.
func (s *Service) OnPresenceChange(sessionID uuid.UUID, count int64) {
	if count < 2 {
		return
	}
	ctx := context.Background()
	session, err := s.store.MarkCalling(ctx, sessionID)
	if err != nil {
		s.logger.Warn("promote session to calling", zap.String("session_id", sessionID.String()), zap.Error(err))
		return
	}
	if session != nil {
		s.cacheState(ctx, session)
	}
}

// cacheState mirrors a committed durable transition into the ephemeral store.
// Cache failures are logged and swallowed: the durable record already holds
// the truth and the cache heals on the next write.
func (s *Service) cacheState(ctx context.Context, session *models.MatchSession) {
	if err := s.cache.Save(ctx, session); err != nil {
		s.logger.Warn("session state cache write failed",
			zap.String("session_id", session.ID.String()), zap.Error(err))
	}
}

// nearestCandidate picks the candidate with the minimum great-circle distance
// to the requester, ties broken by earliest StartedAt. Candidates without a
// known location are never selected; when none has one, no candidate wins and
// the requester stays WAITING.
func nearestCandidate(lat, lng float64, candidates []candidate) (*candidate, float64) {
	var best *candidate
	var bestDist float64
	for i := range candidates {
		c := &candidates[i]
		if c.Lat == nil || c.Lng == nil {
			continue
		}
		d := geo.DistanceKm(lat, lng, *c.Lat, *c.Lng)
		switch {
		case best == nil, d < bestDist:
			best, bestDist = c, d
		case d == bestDist && c.StartedAt.Before(best.StartedAt):
			best = c
		}
	}
	return best, bestDist
}
