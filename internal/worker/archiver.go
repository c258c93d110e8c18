// Package worker runs background jobs dequeued from Redis.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lumen-live/backend/internal/models"
	"github.com/lumen-live/backend/pkg/queue"
)

// MessageWriter persists chat messages. *chat.Repository implements it.
type MessageWriter interface {
	Insert(ctx context.Context, msg models.ChatMessage) error
}

// ChatArchiver persists chat messages from the fire-and-forget queue into
// the history table.
type ChatArchiver struct {
	chatRepo MessageWriter
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewChatArchiver creates a chat history archiver.
func NewChatArchiver(chatRepo MessageWriter, q *queue.Queue, logger *zap.Logger) *ChatArchiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatArchiver{chatRepo: chatRepo, queue: q, logger: logger}
}

// Process executes one chat persistence job.
func (a *ChatArchiver) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeChatMessage {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ChatMessagePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	err := a.chatRepo.Insert(ctx, models.ChatMessage{
		ID:       payload.MessageID,
		StreamID: payload.StreamID,
		SenderID: payload.SenderID,
		Text:     payload.Text,
		SentAt:   payload.SentAt,
	})
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	a.logger.Debug("chat message archived",
		zap.String("message_id", payload.MessageID.String()),
		zap.String("stream_id", payload.StreamID.String()))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (a *ChatArchiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("chat archiver stopping")
			return
		default:
		}

		job, err := a.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		if err := a.Process(ctx, job); err != nil {
			a.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := a.queue.Retry(ctx, job); reErr != nil {
				a.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
		}
	}
}
