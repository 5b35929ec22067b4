package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"wanotify/internal/cache"
	"wanotify/internal/model"
	"wanotify/internal/repo"
)

// Enqueuer is the write side of the message store for collaborators. Its
// dedup guard answers repeat enqueues of the same logical notification with
// the id of the message already in flight.
type Enqueuer struct {
	messages repo.MessageRepository
	dedup    cache.DedupCache // may be nil
}

func NewEnqueuer(messages repo.MessageRepository, dedup cache.DedupCache) *Enqueuer {
	return &Enqueuer{messages: messages, dedup: dedup}
}

// Enqueue creates a pending message, or returns the existing message's id
// with created=false when the dedupe key already has a non-failed message.
func (e *Enqueuer) Enqueue(ctx context.Context, m model.NewMessage) (uuid.UUID, bool, error) {
	if m.DedupeKey != "" && e.dedup != nil {
		if id, ok := e.cachedInFlight(ctx, m.DedupeKey); ok {
			return id, false, nil
		}
	}

	id, created, err := e.messages.Enqueue(ctx, m)
	if err != nil {
		return uuid.Nil, false, err
	}

	if m.DedupeKey != "" && e.dedup != nil {
		if err := e.dedup.Remember(ctx, m.DedupeKey, id); err != nil {
			slog.Warn("caching dedupe entry failed", "key", m.DedupeKey, "err", err)
		}
	}
	return id, created, nil
}

// cachedInFlight checks the fast path and verifies the hit against the
// store: a cached id pointing at a failed message must not suppress a
// retry, so the stale entry is dropped instead.
func (e *Enqueuer) cachedInFlight(ctx context.Context, key string) (uuid.UUID, bool) {
	id, ok, err := e.dedup.Lookup(ctx, key)
	if err != nil {
		slog.Warn("dedupe cache lookup failed", "key", key, "err", err)
		return uuid.Nil, false
	}
	if !ok {
		return uuid.Nil, false
	}

	msg, err := e.messages.GetMessage(ctx, id)
	if err == nil && msg.Status != model.StatusFailed {
		return id, true
	}

	if err := e.dedup.Forget(ctx, key); err != nil {
		slog.Warn("dropping dedupe cache entry failed", "key", key, "err", err)
	}
	return uuid.Nil, false
}
