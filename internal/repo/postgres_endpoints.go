package repo

import (
	"context"
	"database/sql"

	"wanotify/internal/model"
)

type PostgresEndpointRepo struct {
	db *sql.DB
}

func NewPostgresEndpointRepo(db *sql.DB) *PostgresEndpointRepo {
	return &PostgresEndpointRepo{db: db}
}

func (r *PostgresEndpointRepo) ListActive(ctx context.Context) ([]model.Endpoint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, url, purpose, active
		FROM endpoints
		WHERE active
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Endpoint
	for rows.Next() {
		var e model.Endpoint
		if err := rows.Scan(&e.ID, &e.URL, &e.Purpose, &e.Active); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
