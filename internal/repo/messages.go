package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"wanotify/internal/model"
)

var ErrMessageNotFound = errors.New("message not found")

type MessageRepository interface {
	// Enqueue inserts a new pending message. When the dedupe key already has
	// a non-failed message, no row is created and the existing message's id
	// is returned with created=false.
	Enqueue(ctx context.Context, m model.NewMessage) (id uuid.UUID, created bool, err error)

	// Claim atomically moves up to limit pending messages to claimed,
	// oldest first. Two overlapping claims never return the same message.
	Claim(ctx context.Context, limit int) ([]model.Message, error)

	// ClaimByID claims one specific message. ok is false when the message
	// does not exist or is not pending.
	ClaimByID(ctx context.Context, id uuid.UUID) (m model.Message, ok bool, err error)

	// MarkSent and MarkFailed only apply to messages still in claimed;
	// a message reclaimed in the meantime is left untouched.
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, detail string) error

	// ReclaimStale returns claimed messages whose claim is older than
	// olderThan back to pending, and reports how many were reclaimed.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)

	GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error)
	ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.Message, error)
}
