package streams

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumen-live/backend/internal/models"
)

const sessionColumns = `id, owner_id, title, description, category, stream_key, is_private, status,
	viewer_count, thumbnail_url, started_at, ended_at, created_at, updated_at`

// Repository is the durable stream session registry backed by PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a stream session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanSession(row pgx.Row) (*models.StreamSession, error) {
	var s models.StreamSession
	err := row.Scan(&s.ID, &s.OwnerID, &s.Title, &s.Description, &s.Category, &s.StreamKey,
		&s.IsPrivate, &s.Status, &s.ViewerCount, &s.ThumbnailURL, &s.StartedAt, &s.EndedAt,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// NewStreamKey generates an opaque publish secret.
func NewStreamKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate stream key: %w", err)
	}
	return "lk_" + hex.EncodeToString(buf), nil
}

// Create inserts a new session in status created with a generated stream key.
func (r *Repository) Create(ctx context.Context, draft models.StreamDraft) (*models.StreamSession, error) {
	key, err := NewStreamKey()
	if err != nil {
		return nil, err
	}
	const q = `INSERT INTO streams (owner_id, title, description, category, stream_key, is_private)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + sessionColumns
	return scanSession(r.pool.QueryRow(ctx, q,
		draft.OwnerID, draft.Title, draft.Description, draft.Category, key, draft.IsPrivate))
}

// GetByID returns a session by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM streams WHERE id = $1`
	return scanSession(r.pool.QueryRow(ctx, q, id))
}

// FindByKey returns the session owning a stream key.
func (r *Repository) FindByKey(ctx context.Context, streamKey string) (*models.StreamSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM streams WHERE stream_key = $1`
	return scanSession(r.pool.QueryRow(ctx, q, streamKey))
}

// UpdateMetadata applies a partial metadata update and returns the new row.
func (r *Repository) UpdateMetadata(ctx context.Context, id uuid.UUID, patch models.StreamPatch) (*models.StreamSession, error) {
	const q = `UPDATE streams SET
		title = COALESCE($2, title),
		description = COALESCE($3, description),
		category = COALESCE($4, category),
		is_private = COALESCE($5, is_private),
		updated_at = NOW()
		WHERE id = $1
		RETURNING ` + sessionColumns
	return scanSession(r.pool.QueryRow(ctx, q, id, patch.Title, patch.Description, patch.Category, patch.IsPrivate))
}

// UpdateThumbnailURL records the thumbnail object URL.
func (r *Repository) UpdateThumbnailURL(ctx context.Context, id uuid.UUID, url string) (*models.StreamSession, error) {
	const q = `UPDATE streams SET thumbnail_url = $2, updated_at = NOW() WHERE id = $1
		RETURNING ` + sessionColumns
	return scanSession(r.pool.QueryRow(ctx, q, id, url))
}

// Delete removes a session by ID.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM streams WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListByOwner returns all sessions owned by a user, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.StreamSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM streams WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// ListPublic returns live, non-private sessions matching the filter,
// paginated and ordered by viewer count.
func (r *Repository) ListPublic(ctx context.Context, filter models.PublicFilter) ([]models.StreamSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM streams WHERE status = 'live' AND is_private = FALSE`
	args := []interface{}{}
	if filter.Category != "" {
		args = append(args, filter.Category)
		q += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		q += fmt.Sprintf(" AND title ILIKE $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY viewer_count DESC, started_at DESC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	q += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]models.StreamSession, error) {
	var list []models.StreamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// MarkLive flips a session created -> live and stamps started_at. The status
// predicate makes the transition atomic: a session already live or ended
// matches no row and yields ErrInvalidTransition.
func (r *Repository) MarkLive(ctx context.Context, id uuid.UUID) (*models.StreamSession, error) {
	const q = `UPDATE streams SET status = 'live', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'created'
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, models.ErrNotFound) {
		return nil, r.transitionError(ctx, id)
	}
	return s, err
}

// MarkEnded flips a session from the expected status to ended, stamps
// ended_at and zeroes the viewer count.
func (r *Repository) MarkEnded(ctx context.Context, id uuid.UUID, from models.Status) (*models.StreamSession, error) {
	const q = `UPDATE streams SET status = 'ended', ended_at = NOW(), viewer_count = 0, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + sessionColumns
	s, err := scanSession(r.pool.QueryRow(ctx, q, id, from))
	if errors.Is(err, models.ErrNotFound) {
		return nil, r.transitionError(ctx, id)
	}
	return s, err
}

// transitionError distinguishes a missing row from a status mismatch.
func (r *Repository) transitionError(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM streams WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return models.ErrNotFound
	}
	return models.ErrInvalidTransition
}

// IncrementViewers atomically bumps the viewer count and returns the new value.
func (r *Repository) IncrementViewers(ctx context.Context, id uuid.UUID) (int, error) {
	const q = `UPDATE streams SET viewer_count = viewer_count + 1, updated_at = NOW()
		WHERE id = $1 RETURNING viewer_count`
	var count int
	if err := r.pool.QueryRow(ctx, q, id).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, models.ErrNotFound
		}
		return 0, err
	}
	return count, nil
}

// DecrementViewers atomically lowers the viewer count, floored at zero.
func (r *Repository) DecrementViewers(ctx context.Context, id uuid.UUID) (int, error) {
	const q = `UPDATE streams SET viewer_count = GREATEST(viewer_count - 1, 0), updated_at = NOW()
		WHERE id = $1 RETURNING viewer_count`
	var count int
	if err := r.pool.QueryRow(ctx, q, id).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, models.ErrNotFound
		}
		return 0, err
	}
	return count, nil
}

// ResetViewerCounts zeroes every persisted viewer count. Membership lives
// only in process memory, so a restart reconciles all counts to zero.
func (r *Repository) ResetViewerCounts(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `UPDATE streams SET viewer_count = 0, updated_at = NOW() WHERE viewer_count > 0`)
	return err
}
