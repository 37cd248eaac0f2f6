package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/messaging-pipeline/internal/model"
)

type MessageRepository interface {
	Create(ctx context.Context, m model.Message) (model.Message, error)
	GetByID(ctx context.Context, id string) (model.Message, error)
	GetForOwner(ctx context.Context, ownerID, id string) (model.Message, error)
	GetByProviderID(ctx context.Context, providerMessageID string) (model.Message, error)
	// UpdateStatus persists the status fields of m only if the stored status
	// is still from. It reports whether the row was updated.
	UpdateStatus(ctx context.Context, m model.Message, from model.Status) (bool, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]model.Message, error)
	ListBySession(ctx context.Context, ownerID, sessionID string, limit int) ([]model.Message, error)
}

type WebhookRepository interface {
	Create(ctx context.Context, w model.Webhook) (model.Webhook, error)
	GetByID(ctx context.Context, id string) (model.Webhook, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.Webhook, error)
	// GetByEvent returns active subscriptions to e.
	GetByEvent(ctx context.Context, e model.Event) ([]model.Webhook, error)
	// IncrementFailureCount returns the counter value after the increment.
	IncrementFailureCount(ctx context.Context, id string) (int, error)
	ResetFailureCount(ctx context.Context, id string) error
	TouchLastTriggered(ctx context.Context, id string, at time.Time) error
	// UpdateStatus reports whether the status actually changed.
	UpdateStatus(ctx context.Context, id string, s model.WebhookStatus) (bool, error)
	Delete(ctx context.Context, ownerID, id string) (bool, error)
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
