package streams

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-live/backend/internal/models"
)

// Registry is the durable session store contract. *Repository implements it.
type Registry interface {
	Create(ctx context.Context, draft models.StreamDraft) (*models.StreamSession, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.StreamSession, error)
	FindByKey(ctx context.Context, streamKey string) (*models.StreamSession, error)
	UpdateMetadata(ctx context.Context, id uuid.UUID, patch models.StreamPatch) (*models.StreamSession, error)
	UpdateThumbnailURL(ctx context.Context, id uuid.UUID, url string) (*models.StreamSession, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.StreamSession, error)
	ListPublic(ctx context.Context, filter models.PublicFilter) ([]models.StreamSession, error)
	MarkLive(ctx context.Context, id uuid.UUID) (*models.StreamSession, error)
	MarkEnded(ctx context.Context, id uuid.UUID, from models.Status) (*models.StreamSession, error)
	IncrementViewers(ctx context.Context, id uuid.UUID) (int, error)
	DecrementViewers(ctx context.Context, id uuid.UUID) (int, error)
	ResetViewerCounts(ctx context.Context) error
}

// SessionCache is the snapshot cache contract. *Cache implements it.
type SessionCache interface {
	Get(ctx context.Context, id uuid.UUID) (*models.StreamSession, error)
	Set(ctx context.Context, s *models.StreamSession) error
	LookupKey(ctx context.Context, streamKey string) (uuid.UUID, error)
	Invalidate(ctx context.Context, id uuid.UUID) error
	DropKeyIndex(ctx context.Context, streamKey string)
}

// Store is the cache-fronted registry façade. It is the only path the rest of
// the subsystem uses for session reads and writes, so cache invalidation
// cannot be forgotten at a call site: every write invalidates the snapshot
// before the operation is acknowledged to the caller.
type Store struct {
	repo   Registry
	cache  SessionCache
	logger *zap.Logger
}

// NewStore creates the session store façade.
func NewStore(repo Registry, cache SessionCache, logger *zap.Logger) *Store {
	return &Store{repo: repo, cache: cache, logger: logger}
}

// Get returns a session, served from cache when a fresh snapshot exists.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	if cached, err := s.cache.Get(ctx, id); err == nil {
		return cached, nil
	}
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = s.cache.Set(ctx, sess)
	return sess, nil
}

// FindByKey resolves a stream key to its session. The immutable key -> id
// index is cached; the session itself is read through Get.
func (s *Store) FindByKey(ctx context.Context, streamKey string) (*models.StreamSession, error) {
	if id, err := s.cache.LookupKey(ctx, streamKey); err == nil {
		if sess, err := s.Get(ctx, id); err == nil {
			return sess, nil
		}
	}
	sess, err := s.repo.FindByKey(ctx, streamKey)
	if err != nil {
		return nil, err
	}
	_ = s.cache.Set(ctx, sess)
	return sess, nil
}

// RevealKey returns the session's publish key. Snapshots never carry the key
// (it is stripped on serialization), so this always reads the registry.
func (s *Store) RevealKey(ctx context.Context, id uuid.UUID) (string, error) {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return sess.StreamKey, nil
}

// Create inserts a new session. No invalidation is needed for a fresh ID; the
// snapshot is primed so the first read is a hit.
func (s *Store) Create(ctx context.Context, draft models.StreamDraft) (*models.StreamSession, error) {
	sess, err := s.repo.Create(ctx, draft)
	if err != nil {
		return nil, err
	}
	_ = s.cache.Set(ctx, sess)
	return sess, nil
}

// UpdateMetadata applies a partial update, invalidating before acknowledging.
func (s *Store) UpdateMetadata(ctx context.Context, id uuid.UUID, patch models.StreamPatch) (*models.StreamSession, error) {
	sess, err := s.repo.UpdateMetadata(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return sess, nil
}

// UpdateThumbnailURL records a thumbnail URL, invalidating before acknowledging.
func (s *Store) UpdateThumbnailURL(ctx context.Context, id uuid.UUID, url string) (*models.StreamSession, error) {
	sess, err := s.repo.UpdateThumbnailURL(ctx, id, url)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return sess, nil
}

// Delete removes a session and evicts both its snapshot and key index entry.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	s.cache.DropKeyIndex(ctx, sess.StreamKey)
	return nil
}

// ListByOwner lists a user's sessions. Listings are not cached.
func (s *Store) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.StreamSession, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

// ListPublic lists live public sessions. Listings are not cached.
func (s *Store) ListPublic(ctx context.Context, filter models.PublicFilter) ([]models.StreamSession, error) {
	return s.repo.ListPublic(ctx, filter)
}

// MarkLive performs the created -> live transition, invalidating before
// acknowledging.
func (s *Store) MarkLive(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	sess, err := s.repo.MarkLive(ctx, id)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return sess, nil
}

// MarkEnded performs the transition to ended from the expected status,
// invalidating before acknowledging.
func (s *Store) MarkEnded(ctx context.Context, id uuid.UUID, from models.Status) (*models.StreamSession, error) {
	sess, err := s.repo.MarkEnded(ctx, id, from)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	return sess, nil
}

// IncrementViewers atomically bumps the persisted viewer count.
func (s *Store) IncrementViewers(ctx context.Context, id uuid.UUID) (int, error) {
	count, err := s.repo.IncrementViewers(ctx, id)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, id)
	return count, nil
}

// DecrementViewers atomically lowers the persisted viewer count.
func (s *Store) DecrementViewers(ctx context.Context, id uuid.UUID) (int, error) {
	count, err := s.repo.DecrementViewers(ctx, id)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, id)
	return count, nil
}

// ResetViewerCounts reconciles all persisted counts to zero on startup.
func (s *Store) ResetViewerCounts(ctx context.Context) error {
	return s.repo.ResetViewerCounts(ctx)
}

// invalidate evicts the snapshot. A failed eviction means Redis is
// unreachable, in which case reads miss anyway, so the write is still
// acknowledged.
func (s *Store) invalidate(ctx context.Context, id uuid.UUID) {
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.Warn("snapshot eviction failed, cache treated as down",
			zap.Error(err), zap.String("stream_id", id.String()))
	}
}
