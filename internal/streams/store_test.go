package streams

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumen-live/backend/internal/models"
)

// fakeRegistry is an in-memory Registry with call counting.
type fakeRegistry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.StreamSession
	byKey    map[string]uuid.UUID
	getCalls int
	writes   int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		sessions: make(map[uuid.UUID]*models.StreamSession),
		byKey:    make(map[string]uuid.UUID),
	}
}

func (f *fakeRegistry) seed(s *models.StreamSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.ID] = &cp
	f.byKey[s.StreamKey] = s.ID
}

func (f *fakeRegistry) snapshot(id uuid.UUID) (*models.StreamSession, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeRegistry) Create(_ context.Context, draft models.StreamDraft) (*models.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	key, err := NewStreamKey()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	s := &models.StreamSession{
		ID:          uuid.New(),
		OwnerID:     draft.OwnerID,
		Title:       draft.Title,
		Description: draft.Description,
		Category:    draft.Category,
		StreamKey:   key,
		IsPrivate:   draft.IsPrivate,
		Status:      models.StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.sessions[s.ID] = s
	f.byKey[key] = s.ID
	cp := *s
	return &cp, nil
}

func (f *fakeRegistry) GetByID(_ context.Context, id uuid.UUID) (*models.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	return f.snapshot(id)
}

func (f *fakeRegistry) FindByKey(_ context.Context, key string) (*models.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byKey[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	return f.snapshot(id)
}

func (f *fakeRegistry) UpdateMetadata(_ context.Context, id uuid.UUID, patch models.StreamPatch) (*models.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	f.writes++
	if patch.Title != nil {
		s.Title = *patch.Title
	}
	if patch.Description != nil {
		s.Description = *patch.Description
	}
	if patch.Category != nil {
		s.Category = *patch.Category
	}
	if patch.IsPrivate != nil {
		s.IsPrivate = *patch.IsPrivate
	}
	s.UpdatedAt = time.Now().UTC()
	cp := *s
	return &cp, nil
}

func (f *fakeRegistry) UpdateThumbnailURL(_ context.Context, id uuid.UUID, url string) (*models.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	f.writes++
	s.ThumbnailURL = &url
	cp := *s
	return &cp, nil
}

func (f *fakeRegistry) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return models.ErrNotFound
	}
	f.writes++
	delete(f.byKey, s.StreamKey)
	delete(f.sessions, id)
	return nil
}

func (f *fakeRegistry) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]models.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []models.StreamSession
	for _, s := range f.sessions {
		if s.OwnerID == ownerID {
			list = append(list, *s)
		}
	}
	return list, nil
}

func (f *fakeRegistry) ListPublic(_ context.Context, _ models.PublicFilter) ([]models.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list []models.StreamSession
	for _, s := range f.sessions {
		if s.Status == models.StatusLive && !s.IsPrivate {
			list = append(list, *s)
		}
	}
	return list, nil
}

func (f *fakeRegistry) MarkLive(_ context.Context, id uuid.UUID) (*models.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if s.Status != models.StatusCreated {
		return nil, models.ErrInvalidTransition
	}
	f.writes++
	now := time.Now().UTC()
	s.Status = models.StatusLive
	s.StartedAt = &now
	s.UpdatedAt = now
	cp := *s
	return &cp, nil
}

func (f *fakeRegistry) MarkEnded(_ context.Context, id uuid.UUID, from models.Status) (*models.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if s.Status != from {
		return nil, models.ErrInvalidTransition
	}
	f.writes++
	now := time.Now().UTC()
	s.Status = models.StatusEnded
	s.EndedAt = &now
	s.ViewerCount = 0
	s.UpdatedAt = now
	cp := *s
	return &cp, nil
}

func (f *fakeRegistry) IncrementViewers(_ context.Context, id uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	f.writes++
	s.ViewerCount++
	return s.ViewerCount, nil
}

func (f *fakeRegistry) DecrementViewers(_ context.Context, id uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return 0, models.ErrNotFound
	}
	f.writes++
	if s.ViewerCount > 0 {
		s.ViewerCount--
	}
	return s.ViewerCount, nil
}

func (f *fakeRegistry) ResetViewerCounts(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		s.ViewerCount = 0
	}
	return nil
}

func (f *fakeRegistry) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// fakeCache is an in-memory SessionCache. With down=true every operation
// behaves like an unreachable Redis.
type fakeCache struct {
	mu          sync.Mutex
	snapshots   map[uuid.UUID]models.StreamSession
	keyIndex    map[string]uuid.UUID
	down        bool
	invalidates int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		snapshots: make(map[uuid.UUID]models.StreamSession),
		keyIndex:  make(map[string]uuid.UUID),
	}
}

func (f *fakeCache) Get(_ context.Context, id uuid.UUID) (*models.StreamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, ErrCacheMiss
	}
	s, ok := f.snapshots[id]
	if !ok {
		return nil, ErrCacheMiss
	}
	cp := s
	return &cp, nil
}

func (f *fakeCache) Set(_ context.Context, s *models.StreamSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil
	}
	f.snapshots[s.ID] = *s
	if s.StreamKey != "" {
		f.keyIndex[s.StreamKey] = s.ID
	}
	return nil
}

func (f *fakeCache) LookupKey(_ context.Context, key string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return uuid.Nil, ErrCacheMiss
	}
	id, ok := f.keyIndex[key]
	if !ok {
		return uuid.Nil, ErrCacheMiss
	}
	return id, nil
}

func (f *fakeCache) Invalidate(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidates++
	if f.down {
		return ErrCacheMiss
	}
	delete(f.snapshots, id)
	return nil
}

func (f *fakeCache) DropKeyIndex(_ context.Context, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keyIndex, key)
}

func (f *fakeCache) holds(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.snapshots[id]
	return ok
}

func newTestSession(status models.Status) *models.StreamSession {
	now := time.Now().UTC()
	return &models.StreamSession{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Title:     "Test",
		Category:  "general",
		StreamKey: "lk_test" + uuid.New().String(),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestStore_GetReadsThrough(t *testing.T) {
	repo := newFakeRegistry()
	cache := newFakeCache()
	store := NewStore(repo, cache, zap.NewNop())
	sess := newTestSession(models.StatusCreated)
	repo.seed(sess)

	got, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, 1, repo.getCalls)
	assert.True(t, cache.holds(sess.ID), "miss should populate the cache")

	_, err = store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.getCalls, "second read should be a cache hit")
}

func TestStore_GetUnknownID(t *testing.T) {
	store := NewStore(newFakeRegistry(), newFakeCache(), zap.NewNop())
	_, err := store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStore_UpdateInvalidatesBeforeAcknowledge(t *testing.T) {
	repo := newFakeRegistry()
	cache := newFakeCache()
	store := NewStore(repo, cache, zap.NewNop())
	sess := newTestSession(models.StatusCreated)
	repo.seed(sess)

	// Prime the cache with the pre-write snapshot.
	_, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)

	newTitle := "Renamed"
	_, err = store.UpdateMetadata(context.Background(), sess.ID, models.StreamPatch{Title: &newTitle})
	require.NoError(t, err)
	assert.False(t, cache.holds(sess.ID), "snapshot must be evicted before the write returns")

	got, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title, "read after completed write must never be stale")
}

func TestStore_CacheDownFallsThrough(t *testing.T) {
	repo := newFakeRegistry()
	cache := newFakeCache()
	cache.down = true
	store := NewStore(repo, cache, zap.NewNop())
	sess := newTestSession(models.StatusCreated)
	repo.seed(sess)

	got, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	newTitle := "Renamed"
	_, err = store.UpdateMetadata(context.Background(), sess.ID, models.StreamPatch{Title: &newTitle})
	require.NoError(t, err, "cache unavailability is non-fatal")

	got, err = store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
}

func TestStore_FindByKey(t *testing.T) {
	repo := newFakeRegistry()
	cache := newFakeCache()
	store := NewStore(repo, cache, zap.NewNop())
	sess := newTestSession(models.StatusCreated)
	repo.seed(sess)

	got, err := store.FindByKey(context.Background(), sess.StreamKey)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	// Second lookup resolves via the cached key index.
	got, err = store.FindByKey(context.Background(), sess.StreamKey)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)

	_, err = store.FindByKey(context.Background(), "lk_nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStore_DeleteEvictsSnapshotAndKeyIndex(t *testing.T) {
	repo := newFakeRegistry()
	cache := newFakeCache()
	store := NewStore(repo, cache, zap.NewNop())
	sess := newTestSession(models.StatusCreated)
	repo.seed(sess)

	_, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)

	require.NoError(t, store.Delete(context.Background(), sess.ID))
	assert.False(t, cache.holds(sess.ID))

	_, err = store.Get(context.Background(), sess.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = store.FindByKey(context.Background(), sess.StreamKey)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStore_ViewerCountWritesInvalidate(t *testing.T) {
	repo := newFakeRegistry()
	cache := newFakeCache()
	store := NewStore(repo, cache, zap.NewNop())
	sess := newTestSession(models.StatusLive)
	repo.seed(sess)

	_, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)

	count, err := store.IncrementViewers(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ViewerCount, "cached snapshot must reflect the new count")

	count, err = store.DecrementViewers(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Floors at zero.
	count, err = store.DecrementViewers(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
