package cache

import (
	"context"

	"github.com/google/uuid"
)

// DedupCache is a fast lookup of dedupe key -> in-flight message id. It is
// an optimization in front of the message store's unique index; the store
// stays authoritative, so cache errors are safe to ignore.
type DedupCache interface {
	Lookup(ctx context.Context, key string) (uuid.UUID, bool, error)
	Remember(ctx context.Context, key string, id uuid.UUID) error
	Forget(ctx context.Context, key string) error
}
