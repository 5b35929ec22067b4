package repo

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"wanotify/internal/model"
)

type PostgresMessageRepo struct {
	db *sql.DB
}

func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

const messageColumns = `id, to_number, from_number, content, kind, status,
       dedupe_key, error_detail, created_at, updated_at, sent_at`

func (r *PostgresMessageRepo) Enqueue(ctx context.Context, m model.NewMessage) (uuid.UUID, bool, error) {
	if m.ToNumber == "" {
		return uuid.Nil, false, errors.New("to_number must not be empty")
	}
	if m.Content == "" {
		return uuid.Nil, false, errors.New("content must not be empty")
	}
	if m.FromNumber == "" {
		m.FromNumber = model.SystemNumber
	}
	if m.Kind == "" {
		m.Kind = model.KindOutgoing
	}

	var key sql.NullString
	if m.DedupeKey != "" {
		key = sql.NullString{String: m.DedupeKey, Valid: true}
	}

	// The partial unique index on dedupe_key makes the insert-or-noop
	// atomic; the follow-up select can still miss if the conflicting row
	// transitions to failed in between, hence the retry.
	for attempt := 0; attempt < 2; attempt++ {
		id := uuid.New()
		now := time.Now().UTC()

		res, err := r.db.ExecContext(ctx, `
			INSERT INTO messages (id, to_number, from_number, content, kind, status, dedupe_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $7)
			ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL AND status <> 'failed' DO NOTHING
		`, id, m.ToNumber, m.FromNumber, m.Content, m.Kind, key, now)
		if err != nil {
			return uuid.Nil, false, err
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return uuid.Nil, false, err
		}
		if rows == 1 {
			return id, true, nil
		}

		var existing uuid.UUID
		err = r.db.QueryRowContext(ctx, `
			SELECT id FROM messages
			WHERE dedupe_key = $1 AND status <> 'failed'
			ORDER BY created_at DESC
			LIMIT 1
		`, m.DedupeKey).Scan(&existing)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, false, err
		}
	}

	return uuid.Nil, false, errors.New("enqueue: lost dedupe race twice")
}

func (r *PostgresMessageRepo) Claim(ctx context.Context, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := r.db.QueryContext(ctx, `
		UPDATE messages
		SET status = 'claimed', updated_at = $2
		WHERE id IN (
			SELECT id FROM messages
			WHERE status = 'pending'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING `+messageColumns, limit, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not promise row order; keep the oldest-first contract.
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

func (r *PostgresMessageRepo) ClaimByID(ctx context.Context, id uuid.UUID) (model.Message, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE messages
		SET status = 'claimed', updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+messageColumns, id, time.Now().UTC())

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, false, nil
	}
	if err != nil {
		return model.Message{}, false, err
	}
	return m, true, nil
}

func (r *PostgresMessageRepo) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'sent',
		    sent_at = now(),
		    error_detail = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'claimed'
	`, id)
	return err
}

func (r *PostgresMessageRepo) MarkFailed(ctx context.Context, id uuid.UUID, detail string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'failed',
		    error_detail = $2,
		    updated_at = now()
		WHERE id = $1 AND status = 'claimed'
	`, id, detail)
	return err
}

func (r *PostgresMessageRepo) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'pending', updated_at = now()
		WHERE status = 'claimed' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresMessageRepo) GetMessage(ctx context.Context, id uuid.UUID) (model.Message, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1
	`, id)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return model.Message{}, err
	}
	return m, nil
}

func (r *PostgresMessageRepo) ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m      model.Message
		status string
		key    sql.NullString
		detail sql.NullString
		sentAt sql.NullTime
	)

	err := row.Scan(
		&m.ID,
		&m.ToNumber,
		&m.FromNumber,
		&m.Content,
		&m.Kind,
		&status,
		&key,
		&detail,
		&m.CreatedAt,
		&m.UpdatedAt,
		&sentAt,
	)
	if err != nil {
		return model.Message{}, err
	}

	m.Status = model.Status(status)
	if key.Valid {
		s := key.String
		m.DedupeKey = &s
	}
	if detail.Valid {
		s := detail.String
		m.ErrorDetail = &s
	}
	if sentAt.Valid {
		t := sentAt.Time
		m.SentAt = &t
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
