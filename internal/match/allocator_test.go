package match

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carelink/backend/internal/models"
	"github.com/carelink/backend/internal/state"
)

// memStore is an in-memory Store honoring the allocation contract: every
// request inserts a WAITING row, candidates are considered most-recent-first,
// and rows claimed by an in-flight allocation are excluded from other
// allocations (the skip-locked discipline).
type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.MatchSession
	coords   map[uuid.UUID][2]float64 // requester -> lat/lng
	locked   map[uuid.UUID]bool
	failNext bool
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[uuid.UUID]*models.MatchSession),
		coords:   make(map[uuid.UUID][2]float64),
		locked:   make(map[uuid.UUID]bool),
	}
}

func (m *memStore) setCoords(userID uuid.UUID, lat, lng float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coords[userID] = [2]float64{lat, lng}
}

func (m *memStore) addWaiting(userID uuid.UUID, startedAt time.Time) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &models.MatchSession{
		ID:          uuid.New(),
		RequesterID: userID,
		Status:      models.StatusWaiting,
		StartedAt:   startedAt,
	}
	m.sessions[s.ID] = s
	return s.ID
}

func (m *memStore) Allocate(_ context.Context, requesterID uuid.UUID, loc *models.UserLocation, limit int) (*Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext {
		m.failNext = false
		return nil, assert.AnError
	}

	own := &models.MatchSession{
		ID:          uuid.New(),
		RequesterID: requesterID,
		Status:      models.StatusWaiting,
		StartedAt:   time.Now(),
	}
	m.sessions[own.ID] = own

	alloc := &Allocation{Session: own}
	if loc == nil {
		return alloc, nil
	}

	var candidates []candidate
	for _, s := range m.sessions {
		if s.ID == own.ID || s.Status != models.StatusWaiting || s.PeerID != nil ||
			s.RequesterID == requesterID || m.locked[s.ID] {
			continue
		}
		c := candidate{SessionID: s.ID, RequesterID: s.RequesterID, StartedAt: s.StartedAt}
		if xy, ok := m.coords[s.RequesterID]; ok {
			lat, lng := xy[0], xy[1]
			c.Lat, c.Lng = &lat, &lng
		}
		candidates = append(candidates, c)
		if len(candidates) == limit {
			break
		}
	}

	best, distance := nearestCandidate(loc.Latitude, loc.Longitude, candidates)
	if best == nil {
		return alloc, nil
	}

	m.locked[best.SessionID] = true
	matched := m.sessions[best.SessionID]
	matched.PeerID = &requesterID
	matched.Status = models.StatusMatched
	delete(m.locked, best.SessionID)

	now := time.Now()
	own.Status = models.StatusCanceled
	own.EndedAt = &now

	alloc.Session = matched
	alloc.Superseded = own
	alloc.Matched = true
	alloc.PeerID = &best.RequesterID
	alloc.DistanceKm = &distance
	return alloc, nil
}

func (m *memStore) GetByID(_ context.Context, sessionID uuid.UUID) (*models.MatchSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) End(_ context.Context, sessionID uuid.UUID) (*models.MatchSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if !s.Terminal() {
		now := time.Now()
		if s.PeerID == nil {
			s.Status = models.StatusCanceled
		} else {
			s.Status = models.StatusEnded
		}
		s.EndedAt = &now
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) MarkCalling(_ context.Context, sessionID uuid.UUID) (*models.MatchSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status != models.StatusMatched {
		return nil, nil
	}
	s.Status = models.StatusCalling
	cp := *s
	return &cp, nil
}

// memLocations is an in-memory LocationSource.
type memLocations struct {
	mu   sync.Mutex
	locs map[uuid.UUID]*models.UserLocation
}

func newMemLocations() *memLocations {
	return &memLocations{locs: make(map[uuid.UUID]*models.UserLocation)}
}

func (m *memLocations) set(userID uuid.UUID, lat, lng float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locs[userID] = &models.UserLocation{UserID: userID, Latitude: lat, Longitude: lng}
}

func (m *memLocations) Get(_ context.Context, userID uuid.UUID) (*models.UserLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locs[userID], nil
}

// memCache is an in-memory StateCache recording saves.
type memCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*state.CachedSession
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[uuid.UUID]*state.CachedSession)}
}

func (m *memCache) Save(_ context.Context, s *models.MatchSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[s.ID] = &state.CachedSession{
		SessionID:   s.ID,
		Status:      s.Status,
		RequesterID: s.RequesterID,
		PeerID:      s.PeerID,
		UpdatedAt:   time.Now(),
	}
	return nil
}

func (m *memCache) Load(_ context.Context, sessionID uuid.UUID) (*state.CachedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[sessionID], nil
}

func newTestService(store *memStore, locs *memLocations, cache *memCache) *Service {
	return NewService(store, locs, cache, 200, zap.NewNop())
}

func TestRequestMatchNoLocationStaysWaiting(t *testing.T) {
	store := newMemStore()
	locs := newMemLocations()
	svc := newTestService(store, locs, newMemCache())

	result, err := svc.RequestMatch(context.Background(), uuid.New())
	require.NoError(t, err)

	assert.False(t, result.Matched)
	assert.Nil(t, result.PeerID)
	assert.Nil(t, result.DistanceKm)

	session, err := store.GetByID(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, models.StatusWaiting, session.Status)
}

func TestRequestMatchEmptyPoolStaysWaiting(t *testing.T) {
	store := newMemStore()
	locs := newMemLocations()
	svc := newTestService(store, locs, newMemCache())

	userA := uuid.New()
	locs.set(userA, 37.50, 127.00)
	store.setCoords(userA, 37.50, 127.00)

	result, err := svc.RequestMatch(context.Background(), userA)
	require.NoError(t, err)

	assert.False(t, result.Matched)
	session, _ := store.GetByID(context.Background(), result.SessionID)
	assert.Equal(t, models.StatusWaiting, session.Status)
}

func TestRequestMatchPairsNearestAndCancelsOwnRow(t *testing.T) {
	store := newMemStore()
	locs := newMemLocations()
	cache := newMemCache()
	svc := newTestService(store, locs, cache)

	userA := uuid.New()
	locs.set(userA, 37.50, 127.00)
	store.setCoords(userA, 37.50, 127.00)
	resA, err := svc.RequestMatch(context.Background(), userA)
	require.NoError(t, err)
	require.False(t, resA.Matched)

	userB := uuid.New()
	locs.set(userB, 37.51, 127.01)
	store.setCoords(userB, 37.51, 127.01)
	resB, err := svc.RequestMatch(context.Background(), userB)
	require.NoError(t, err)

	assert.True(t, resB.Matched)
	assert.Equal(t, resA.SessionID, resB.SessionID, "B joins A's session, not a new one")
	require.NotNil(t, resB.PeerID)
	assert.Equal(t, userA, *resB.PeerID)
	require.NotNil(t, resB.DistanceKm)
	assert.InDelta(t, 1.4, *resB.DistanceKm, 0.2)

	matched, _ := store.GetByID(context.Background(), resA.SessionID)
	assert.Equal(t, models.StatusMatched, matched.Status)
	require.NotNil(t, matched.PeerID)
	assert.Equal(t, userB, *matched.PeerID)

	// B's own superseded WAITING row ends up CANCELED with an end time.
	var superseded *models.MatchSession
	store.mu.Lock()
	for _, s := range store.sessions {
		if s.RequesterID == userB {
			cp := *s
			superseded = &cp
		}
	}
	store.mu.Unlock()
	require.NotNil(t, superseded)
	assert.Equal(t, models.StatusCanceled, superseded.Status)
	assert.NotNil(t, superseded.EndedAt)

	// Both transitions are mirrored into the cache.
	cached, _ := cache.Load(context.Background(), resA.SessionID)
	require.NotNil(t, cached)
	assert.Equal(t, models.StatusMatched, cached.Status)
}

func TestRequestMatchPrefersCloserCandidate(t *testing.T) {
	store := newMemStore()
	locs := newMemLocations()
	svc := newTestService(store, locs, newMemCache())

	// Two candidates wait: one in Busan, one nearby in Seoul. Seeded
	// directly so the pool holds both at once.
	far := uuid.New()
	store.setCoords(far, 35.18, 129.07)
	store.addWaiting(far, time.Now().Add(-2*time.Minute))

	near := uuid.New()
	store.setCoords(near, 37.51, 127.01)
	store.addWaiting(near, time.Now().Add(-time.Minute))

	requester := uuid.New()
	locs.set(requester, 37.50, 127.00)
	store.setCoords(requester, 37.50, 127.00)
	res, err := svc.RequestMatch(context.Background(), requester)
	require.NoError(t, err)

	require.True(t, res.Matched)
	require.NotNil(t, res.PeerID)
	assert.Equal(t, near, *res.PeerID)
}

func TestAllocatorConcurrentRequestsNeverDoubleMatch(t *testing.T) {
	store := newMemStore()
	locs := newMemLocations()
	svc := newTestService(store, locs, newMemCache())

	waiting := uuid.New()
	locs.set(waiting, 37.50, 127.00)
	store.setCoords(waiting, 37.50, 127.00)
	waitRes, err := svc.RequestMatch(context.Background(), waiting)
	require.NoError(t, err)
	require.False(t, waitRes.Matched)

	const n = 8
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := uuid.New()
			locs.set(userID, 37.51, 127.01)
			store.setCoords(userID, 37.51, 127.01)
			res, err := svc.RequestMatch(context.Background(), userID)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	matchedWithWaiting := 0
	for _, res := range results {
		if res != nil && res.Matched && res.SessionID == waitRes.SessionID {
			matchedWithWaiting++
		}
	}
	assert.Equal(t, 1, matchedWithWaiting, "exactly one concurrent request claims the waiting session")
}

func TestRequestMatchPropagatesStoreFailure(t *testing.T) {
	store := newMemStore()
	store.failNext = true
	svc := newTestService(store, newMemLocations(), newMemCache())

	_, err := svc.RequestMatch(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestEndIsIdempotentForParticipants(t *testing.T) {
	store := newMemStore()
	locs := newMemLocations()
	svc := newTestService(store, locs, newMemCache())

	userA, userB := uuid.New(), uuid.New()
	locs.set(userA, 37.50, 127.00)
	store.setCoords(userA, 37.50, 127.00)
	_, _ = svc.RequestMatch(context.Background(), userA)
	locs.set(userB, 37.51, 127.01)
	store.setCoords(userB, 37.51, 127.01)
	resB, _ := svc.RequestMatch(context.Background(), userB)
	require.True(t, resB.Matched)

	ended, err := svc.End(context.Background(), userA, resB.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)
	firstEnd := *ended.EndedAt

	again, err := svc.End(context.Background(), userA, resB.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, again.Status)
	assert.Equal(t, firstEnd, *again.EndedAt, "second end is a no-op")
}

func TestEndRejectsNonParticipant(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, newMemLocations(), newMemCache())

	res, err := svc.RequestMatch(context.Background(), uuid.New())
	require.NoError(t, err)

	_, err = svc.End(context.Background(), uuid.New(), res.SessionID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestEndUnknownSession(t *testing.T) {
	svc := newTestService(newMemStore(), newMemLocations(), newMemCache())
	_, err := svc.End(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndWaitingSessionBecomesCanceled(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, newMemLocations(), newMemCache())

	userID := uuid.New()
	res, err := svc.RequestMatch(context.Background(), userID)
	require.NoError(t, err)

	ended, err := svc.End(context.Background(), userID, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, ended.Status, "a session that never had a peer cannot be ENDED")
	assert.Nil(t, ended.PeerID)
}

func TestStatusFallsBackToDurableAndWarmsCache(t *testing.T) {
	store := newMemStore()
	cache := newMemCache()
	svc := newTestService(store, newMemLocations(), cache)

	userID := uuid.New()
	res, err := svc.RequestMatch(context.Background(), userID)
	require.NoError(t, err)

	// Drop the cache entry to simulate TTL expiry.
	cache.mu.Lock()
	delete(cache.entries, res.SessionID)
	cache.mu.Unlock()

	status, err := svc.Status(context.Background(), userID, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, status.Status)

	warmed, _ := cache.Load(context.Background(), res.SessionID)
	assert.NotNil(t, warmed, "durable read re-warms the cache")
}

func TestStatusForbiddenForStrangers(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, newMemLocations(), newMemCache())

	res, err := svc.RequestMatch(context.Background(), uuid.New())
	require.NoError(t, err)

	_, err = svc.Status(context.Background(), uuid.New(), res.SessionID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestOnPresenceChangePromotesMatchedToCalling(t *testing.T) {
	store := newMemStore()
	locs := newMemLocations()
	cache := newMemCache()
	svc := newTestService(store, locs, cache)

	userA, userB := uuid.New(), uuid.New()
	locs.set(userA, 37.50, 127.00)
	store.setCoords(userA, 37.50, 127.00)
	resA, _ := svc.RequestMatch(context.Background(), userA)
	locs.set(userB, 37.51, 127.01)
	store.setCoords(userB, 37.51, 127.01)
	resB, _ := svc.RequestMatch(context.Background(), userB)
	require.True(t, resB.Matched)

	svc.OnPresenceChange(resA.SessionID, 1)
	session, _ := store.GetByID(context.Background(), resA.SessionID)
	assert.Equal(t, models.StatusMatched, session.Status, "one peer is not enough")

	svc.OnPresenceChange(resA.SessionID, 2)
	session, _ = store.GetByID(context.Background(), resA.SessionID)
	assert.Equal(t, models.StatusCalling, session.Status)

	// Firing again is harmless: the promotion only applies to MATCHED.
	svc.OnPresenceChange(resA.SessionID, 2)
	session, _ = store.GetByID(context.Background(), resA.SessionID)
	assert.Equal(t, models.StatusCalling, session.Status)
}

func TestNearestCandidateSelection(t *testing.T) {
	f := func(v float64) *float64 { return &v }
	now := time.Now()

	t.Run("nearest wins", func(t *testing.T) {
		cands := []candidate{
			{SessionID: uuid.New(), StartedAt: now, Lat: f(35.18), Lng: f(129.07)},
			{SessionID: uuid.New(), StartedAt: now, Lat: f(37.51), Lng: f(127.01)},
		}
		best, dist := nearestCandidate(37.50, 127.00, cands)
		require.NotNil(t, best)
		assert.Equal(t, cands[1].SessionID, best.SessionID)
		assert.InDelta(t, 1.4, dist, 0.2)
	})

	t.Run("tie broken by earliest start", func(t *testing.T) {
		older := candidate{SessionID: uuid.New(), StartedAt: now.Add(-time.Minute), Lat: f(37.51), Lng: f(127.01)}
		newer := candidate{SessionID: uuid.New(), StartedAt: now, Lat: f(37.51), Lng: f(127.01)}
		best, _ := nearestCandidate(37.50, 127.00, []candidate{newer, older})
		require.NotNil(t, best)
		assert.Equal(t, older.SessionID, best.SessionID)
	})

	t.Run("unlocated candidates never selected", func(t *testing.T) {
		cands := []candidate{
			{SessionID: uuid.New(), StartedAt: now},
			{SessionID: uuid.New(), StartedAt: now},
		}
		best, _ := nearestCandidate(37.50, 127.00, cands)
		assert.Nil(t, best)
	})

	t.Run("empty set", func(t *testing.T) {
		best, _ := nearestCandidate(37.50, 127.00, nil)
		assert.Nil(t, best)
	})
}
