package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/LeventeLantos/messaging-pipeline/internal/apperr"
	"github.com/LeventeLantos/messaging-pipeline/internal/model"
)

// PostgresWebhookRepo applies every health update as a single-column
// statement so dispatcher writes never clobber concurrent edits.
type PostgresWebhookRepo struct {
	db   *sql.DB
	tmap *pgtype.Map
}

var _ WebhookRepository = (*PostgresWebhookRepo)(nil)

func NewPostgresWebhookRepo(db *sql.DB) *PostgresWebhookRepo {
	return &PostgresWebhookRepo{db: db, tmap: pgtype.NewMap()}
}

const webhookColumns = `
	id, owner_id, url, events, description, secret, status, fail_count,
	last_triggered_at, created_at, updated_at`

func (r *PostgresWebhookRepo) scan(row rowScanner) (model.Webhook, error) {
	var (
		w         model.Webhook
		events    []string
		status    string
		triggered sql.NullTime
	)
	if err := row.Scan(
		&w.ID,
		&w.OwnerID,
		&w.URL,
		r.tmap.SQLScanner(&events),
		&w.Description,
		&w.Secret,
		&status,
		&w.FailCount,
		&triggered,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		return model.Webhook{}, err
	}

	w.Status = model.WebhookStatus(status)
	w.LastTriggeredAt = nullTime(triggered)
	w.Events = make([]model.Event, 0, len(events))
	for _, e := range events {
		w.Events = append(w.Events, model.Event(e))
	}
	return w, nil
}

func (r *PostgresWebhookRepo) Create(ctx context.Context, w model.Webhook) (model.Webhook, error) {
	events := make([]string, 0, len(w.Events))
	for _, e := range w.Events {
		events = append(events, string(e))
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhooks (
			id, owner_id, url, events, description, secret, status, fail_count,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)
	`, w.ID, w.OwnerID, w.URL, events, w.Description, w.Secret, string(w.Status), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return model.Webhook{}, fmt.Errorf("insert webhook: %w", err)
	}
	w.FailCount = 0
	return w, nil
}

func (r *PostgresWebhookRepo) GetByID(ctx context.Context, id string) (model.Webhook, error) {
	if err := checkID("webhook", id); err != nil {
		return model.Webhook{}, err
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	w, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Webhook{}, fmt.Errorf("webhook: %w", apperr.ErrNotFound)
	}
	return w, err
}

func (r *PostgresWebhookRepo) ListByOwner(ctx context.Context, ownerID string) ([]model.Webhook, error) {
	return r.list(ctx, `
		SELECT `+webhookColumns+`
		FROM webhooks
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
}

func (r *PostgresWebhookRepo) GetByEvent(ctx context.Context, e model.Event) ([]model.Webhook, error) {
	return r.list(ctx, `
		SELECT `+webhookColumns+`
		FROM webhooks
		WHERE status = 'active' AND $1 = ANY(events)
	`, string(e))
}

func (r *PostgresWebhookRepo) list(ctx context.Context, query string, args ...any) ([]model.Webhook, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Webhook
	for rows.Next() {
		w, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *PostgresWebhookRepo) IncrementFailureCount(ctx context.Context, id string) (int, error) {
	if err := checkID("webhook", id); err != nil {
		return 0, err
	}
	var n int
	err := r.db.QueryRowContext(ctx, `
		UPDATE webhooks
		SET fail_count = fail_count + 1, updated_at = now()
		WHERE id = $1
		RETURNING fail_count
	`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("webhook: %w", apperr.ErrNotFound)
	}
	return n, err
}

func (r *PostgresWebhookRepo) ResetFailureCount(ctx context.Context, id string) error {
	if checkID("webhook", id) != nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhooks
		SET fail_count = 0, updated_at = now()
		WHERE id = $1 AND fail_count <> 0
	`, id)
	return err
}

func (r *PostgresWebhookRepo) TouchLastTriggered(ctx context.Context, id string, at time.Time) error {
	if checkID("webhook", id) != nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE webhooks
		SET last_triggered_at = GREATEST(COALESCE(last_triggered_at, $2), $2), updated_at = now()
		WHERE id = $1
	`, id, at.UTC())
	return err
}

func (r *PostgresWebhookRepo) UpdateStatus(ctx context.Context, id string, s model.WebhookStatus) (bool, error) {
	if checkID("webhook", id) != nil {
		return false, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhooks
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status <> $2
	`, id, string(s))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresWebhookRepo) Delete(ctx context.Context, ownerID, id string) (bool, error) {
	if checkID("webhook", id) != nil {
		return false, nil
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
