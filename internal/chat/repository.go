package chat

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumen-live/backend/internal/models"
)

// Repository handles chat message history persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a chat history repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores one chat message. Inserts are idempotent on message ID so a
// retried job never duplicates a line.
func (r *Repository) Insert(ctx context.Context, msg models.ChatMessage) error {
	const q = `INSERT INTO chat_messages (id, stream_id, sender_id, body, sent_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.pool.Exec(ctx, q, msg.ID, msg.StreamID, msg.SenderID, msg.Text, msg.SentAt)
	return err
}

// ListByStream returns a page of chat history for a stream, oldest first.
func (r *Repository) ListByStream(ctx context.Context, streamID uuid.UUID, limit, offset int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const q = `SELECT id, stream_id, sender_id, body, sent_at
		FROM chat_messages WHERE stream_id = $1 ORDER BY sent_at ASC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, streamID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.StreamID, &m.SenderID, &m.Text, &m.SentAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}
