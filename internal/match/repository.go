package match

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carelink/backend/internal/models"
)

const sessionColumns = `id, requester_id, peer_id, status, started_at, ended_at`

// candidate is one lock-acquired WAITING session considered during allocation.
// Lat/Lng are nil when the candidate's requester has no known location.
type candidate struct {
	SessionID   uuid.UUID
	RequesterID uuid.UUID
	StartedAt   time.Time
	Lat         *float64
	Lng         *float64
}

// Allocation is the outcome of one allocation transaction. Session is the
// session the caller should use: the candidate's session when matched, the
// caller's fresh WAITING row otherwise. Superseded carries the caller's own
// row when it was canceled in favor of the candidate's.
type Allocation struct {
	Session    *models.MatchSession
	Superseded *models.MatchSession
	Matched    bool
	PeerID     *uuid.UUID
	DistanceKm *float64
}

// Repository handles durable match session persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a match session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanSession(row pgx.Row) (*models.MatchSession, error) {
	var s models.MatchSession
	err := row.Scan(&s.ID, &s.RequesterID, &s.PeerID, &s.Status, &s.StartedAt, &s.EndedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetByID returns a session by id, or nil when it does not exist.
func (r *Repository) GetByID(ctx context.Context, sessionID uuid.UUID) (*models.MatchSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM match_sessions WHERE id = $1`
	s, err := scanSession(r.pool.QueryRow(ctx, q, sessionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// Allocate runs the whole allocation as one transaction: it unconditionally
// creates a WAITING row for the requester, then, if the requester's location
// is known, scans up to limit other WAITING sessions most-recent-first under
// FOR UPDATE SKIP LOCKED and pairs with the nearest located candidate.
// Candidates already locked by a concurrent allocation are silently excluded,
// so two concurrent requests can never pick the same session. Any error rolls
// the entire allocation back.
func (r *Repository) Allocate(ctx context.Context, requesterID uuid.UUID, loc *models.UserLocation, limit int) (*Allocation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin allocation: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertQ = `INSERT INTO match_sessions (requester_id, status) VALUES ($1, 'WAITING')
		RETURNING ` + sessionColumns
	own, err := scanSession(tx.QueryRow(ctx, insertQ, requesterID))
	if err != nil {
		return nil, fmt.Errorf("create waiting session: %w", err)
	}

	alloc := &Allocation{Session: own}
	if loc == nil {
		// No location for the requester: the fresh WAITING row stands as
		// their place in the pool.
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit allocation: %w", err)
		}
		return alloc, nil
	}

	candidates, err := lockCandidates(ctx, tx, requesterID, own.ID, limit)
	if err != nil {
		return nil, err
	}

	best, distance := nearestCandidate(loc.Latitude, loc.Longitude, candidates)
	if best == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit allocation: %w", err)
		}
		return alloc, nil
	}

	const matchQ = `UPDATE match_sessions SET peer_id = $1, status = 'MATCHED' WHERE id = $2
		RETURNING ` + sessionColumns
	matched, err := scanSession(tx.QueryRow(ctx, matchQ, requesterID, best.SessionID))
	if err != nil {
		return nil, fmt.Errorf("mark candidate matched: %w", err)
	}

	const cancelQ = `UPDATE match_sessions SET status = 'CANCELED', ended_at = NOW() WHERE id = $1
		RETURNING ` + sessionColumns
	superseded, err := scanSession(tx.QueryRow(ctx, cancelQ, own.ID))
	if err != nil {
		return nil, fmt.Errorf("cancel superseded session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit allocation: %w", err)
	}

	alloc.Session = matched
	alloc.Superseded = superseded
	alloc.Matched = true
	alloc.PeerID = &best.RequesterID
	alloc.DistanceKm = &distance
	return alloc, nil
}

func lockCandidates(ctx context.Context, tx pgx.Tx, requesterID, ownID uuid.UUID, limit int) ([]candidate, error) {
	const q = `SELECT s.id, s.requester_id, s.started_at, l.latitude, l.longitude
		FROM match_sessions s
		LEFT JOIN user_locations l ON l.user_id = s.requester_id
		WHERE s.status = 'WAITING' AND s.peer_id IS NULL AND s.requester_id <> $1 AND s.id <> $2
		ORDER BY s.started_at DESC
		LIMIT $3
		FOR UPDATE OF s SKIP LOCKED`
	rows, err := tx.Query(ctx, q, requesterID, ownID, limit)
	if err != nil {
		return nil, fmt.Errorf("lock candidates: %w", err)
	}
	defer rows.Close()

	var list []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.SessionID, &c.RequesterID, &c.StartedAt, &c.Lat, &c.Lng); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read candidates: %w", err)
	}
	return list, nil
}

// End transitions a session to its terminal state under a row lock and
// returns the resulting row. Already-terminal sessions are returned as-is,
// making the operation idempotent. A session that never got a peer ends as
// CANCELED rather than ENDED, so a terminal peerless row never claims a call
// took place.
func (r *Repository) End(ctx context.Context, sessionID uuid.UUID) (*models.MatchSession, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin end: %w", err)
	}
	defer tx.Rollback(ctx)

	const lockQ = `SELECT ` + sessionColumns + ` FROM match_sessions WHERE id = $1 FOR UPDATE`
	s, err := scanSession(tx.QueryRow(ctx, lockQ, sessionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock session: %w", err)
	}

	if s.Terminal() {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit end: %w", err)
		}
		return s, nil
	}

	status := models.StatusEnded
	if s.PeerID == nil {
		status = models.StatusCanceled
	}
	const endQ = `UPDATE match_sessions SET status = $1, ended_at = NOW() WHERE id = $2
		RETURNING ` + sessionColumns
	ended, err := scanSession(tx.QueryRow(ctx, endQ, status, sessionID))
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit end: %w", err)
	}
	return ended, nil
}

// MarkCalling promotes a MATCHED session to CALLING. Returns nil when the
// session is not currently MATCHED; the promotion only ever fires once.
func (r *Repository) MarkCalling(ctx context.Context, sessionID uuid.UUID) (*models.MatchSession, error) {
	const q = `UPDATE match_sessions SET status = 'CALLING' WHERE id = $1 AND status = 'MATCHED'
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, q, sessionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return s, err
}
