package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/messaging-pipeline/internal/apperr"
	"github.com/LeventeLantos/messaging-pipeline/internal/model"
)

type PostgresMessageRepo struct {
	db *sql.DB
}

var _ MessageRepository = (*PostgresMessageRepo)(nil)

func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

const messageColumns = `
	id, owner_id, recipient, content, content_type, media_url, session_id,
	is_high_priority, metadata, status, provider_message_id, failure_reason,
	created_at, updated_at, sent_at, delivered_at, read_at, failed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m          model.Message
		ctype      string
		status     string
		mediaURL   sql.NullString
		sessionID  sql.NullString
		metadata   []byte
		providerID sql.NullString
		reason     sql.NullString
		sentAt     sql.NullTime
		deliverAt  sql.NullTime
		readAt     sql.NullTime
		failedAt   sql.NullTime
	)

	if err := row.Scan(
		&m.ID,
		&m.OwnerID,
		&m.To,
		&m.Content,
		&ctype,
		&mediaURL,
		&sessionID,
		&m.HighPriority,
		&metadata,
		&status,
		&providerID,
		&reason,
		&m.CreatedAt,
		&m.UpdatedAt,
		&sentAt,
		&deliverAt,
		&readAt,
		&failedAt,
	); err != nil {
		return model.Message{}, err
	}

	m.Type = model.ContentType(ctype)
	m.Status = model.Status(status)
	m.MediaURL = nullString(mediaURL)
	m.SessionID = nullString(sessionID)
	m.ProviderMessageID = nullString(providerID)
	m.FailureReason = nullString(reason)
	m.SentAt = nullTime(sentAt)
	m.DeliveredAt = nullTime(deliverAt)
	m.ReadAt = nullTime(readAt)
	m.FailedAt = nullTime(failedAt)

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return model.Message{}, fmt.Errorf("decode metadata of %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func (r *PostgresMessageRepo) Create(ctx context.Context, m model.Message) (model.Message, error) {
	var metadata []byte
	if m.Metadata != nil {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return model.Message{}, fmt.Errorf("encode metadata: %w", err)
		}
		metadata = b
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, owner_id, recipient, content, content_type, media_url, session_id,
			is_high_priority, metadata, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		m.ID, m.OwnerID, m.To, m.Content, string(m.Type), m.MediaURL, m.SessionID,
		m.HighPriority, metadata, string(m.Status), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (r *PostgresMessageRepo) getOne(ctx context.Context, where string, args ...any) (model.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where, args...)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, fmt.Errorf("message: %w", apperr.ErrNotFound)
	}
	return m, err
}

func (r *PostgresMessageRepo) GetByID(ctx context.Context, id string) (model.Message, error) {
	if err := checkID("message", id); err != nil {
		return model.Message{}, err
	}
	return r.getOne(ctx, `id = $1`, id)
}

func (r *PostgresMessageRepo) GetForOwner(ctx context.Context, ownerID, id string) (model.Message, error) {
	if err := checkID("message", id); err != nil {
		return model.Message{}, err
	}
	return r.getOne(ctx, `id = $1 AND owner_id = $2`, id, ownerID)
}

func (r *PostgresMessageRepo) GetByProviderID(ctx context.Context, providerMessageID string) (model.Message, error) {
	return r.getOne(ctx, `provider_message_id = $1`, providerMessageID)
}

func (r *PostgresMessageRepo) UpdateStatus(ctx context.Context, m model.Message, from model.Status) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = $3,
		    provider_message_id = COALESCE($4, provider_message_id),
		    failure_reason = $5,
		    sent_at = $6,
		    delivered_at = $7,
		    read_at = $8,
		    failed_at = $9,
		    updated_at = $10
		WHERE id = $1 AND status = $2
	`,
		m.ID, string(from), string(m.Status), m.ProviderMessageID, m.FailureReason,
		m.SentAt, m.DeliveredAt, m.ReadAt, m.FailedAt, m.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("update message status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresMessageRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]model.Message, error) {
	limit, offset = clampPage(limit, offset)
	return r.list(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, ownerID, limit, offset)
}

func (r *PostgresMessageRepo) ListBySession(ctx context.Context, ownerID, sessionID string, limit int) ([]model.Message, error) {
	limit, _ = clampPage(limit, 0)
	return r.list(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE owner_id = $1 AND session_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, ownerID, sessionID, limit)
}

func (r *PostgresMessageRepo) list(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// checkID rejects ids that cannot name a row of a uuid keyed table, so a
// malformed id reads as missing instead of failing the cast in Postgres.
func checkID(kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%s: %w", kind, apperr.ErrNotFound)
	}
	return nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
