package repo

import (
	"context"

	"wanotify/internal/model"
)

type EndpointRepository interface {
	// ListActive returns active endpoints ordered by id ascending so that
	// endpoint selection is deterministic for a given table state.
	ListActive(ctx context.Context) ([]model.Endpoint, error)
}
