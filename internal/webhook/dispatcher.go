// Package webhook manages webhook subscriptions and delivers signed event
// notifications to them through the webhook-deliveries queue.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/LeventeLantos/messaging-pipeline/internal/apperr"
	"github.com/LeventeLantos/messaging-pipeline/internal/model"
	"github.com/LeventeLantos/messaging-pipeline/internal/queue"
	"github.com/LeventeLantos/messaging-pipeline/internal/repo"
)

type Config struct {
	Timeout     time.Duration
	MaxFailures int
}

type Dispatcher struct {
	repo        repo.WebhookRepository
	jobs        queue.Enqueuer
	client      *http.Client
	validate    *validator.Validate
	maxFailures int
	now         func() time.Time
	log         *slog.Logger
}

func NewDispatcher(r repo.WebhookRepository, jobs queue.Enqueuer, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 10
	}
	return &Dispatcher{
		repo:        r,
		jobs:        jobs,
		client:      &http.Client{Timeout: cfg.Timeout},
		validate:    apperr.NewValidator(),
		maxFailures: cfg.MaxFailures,
		now:         func() time.Time { return time.Now().UTC() },
		log:         slog.Default().With("component", "webhook"),
	}
}

// Bind registers the delivery handlers on q.
func (d *Dispatcher) Bind(q queue.Service) error {
	return q.Process(queue.WebhookDeliveries, d.Deliver, d.HandleExhausted)
}

type RegisterRequest struct {
	URL         string        `json:"url" validate:"required,http_url,max=2048"`
	Events      []model.Event `json:"events" validate:"required,min=1"`
	Description string        `json:"description" validate:"max=500"`
}

func (d *Dispatcher) RegisterWebhook(ctx context.Context, ownerID string, req RegisterRequest) (model.Webhook, error) {
	if err := d.validate.Struct(req); err != nil {
		return model.Webhook{}, apperr.FromValidator(err)
	}

	events := make([]model.Event, 0, len(req.Events))
	seen := make(map[model.Event]bool, len(req.Events))
	for _, e := range req.Events {
		if !e.Valid() {
			return model.Webhook{}, apperr.NewValidationError("events", fmt.Sprintf("unknown event %q", e))
		}
		if !seen[e] {
			seen[e] = true
			events = append(events, e)
		}
	}

	secret, err := newSecret()
	if err != nil {
		return model.Webhook{}, fmt.Errorf("generate secret: %w", err)
	}

	now := d.now()
	w, err := d.repo.Create(ctx, model.Webhook{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		URL:         req.URL,
		Events:      events,
		Description: req.Description,
		Secret:      secret,
		Status:      model.WebhookActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return model.Webhook{}, err
	}

	d.log.Info("webhook registered", "subscription_id", w.ID, "owner_id", ownerID, "events", events)
	return w, nil
}

func (d *Dispatcher) ListWebhooks(ctx context.Context, ownerID string) ([]model.Webhook, error) {
	return d.repo.ListByOwner(ctx, ownerID)
}

func (d *Dispatcher) GetWebhook(ctx context.Context, ownerID, id string) (model.Webhook, error) {
	w, err := d.repo.GetByID(ctx, id)
	if err != nil {
		return model.Webhook{}, err
	}
	if w.OwnerID != ownerID {
		return model.Webhook{}, fmt.Errorf("webhook: %w", apperr.ErrNotFound)
	}
	return w, nil
}

// ReactivateWebhook is the only way back from inactive. It clears the
// failure counter.
func (d *Dispatcher) ReactivateWebhook(ctx context.Context, ownerID, id string) (model.Webhook, error) {
	if _, err := d.GetWebhook(ctx, ownerID, id); err != nil {
		return model.Webhook{}, err
	}
	if err := d.repo.ResetFailureCount(ctx, id); err != nil {
		return model.Webhook{}, err
	}
	if _, err := d.repo.UpdateStatus(ctx, id, model.WebhookActive); err != nil {
		return model.Webhook{}, err
	}

	d.log.Info("webhook reactivated", "subscription_id", id, "owner_id", ownerID)
	return d.GetWebhook(ctx, ownerID, id)
}

func (d *Dispatcher) DeleteWebhook(ctx context.Context, ownerID, id string) error {
	ok, err := d.repo.Delete(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("webhook: %w", apperr.ErrNotFound)
	}
	return nil
}

type deliveryJob struct {
	SubscriptionID string          `json:"subscriptionId"`
	URL            string          `json:"url"`
	Secret         string          `json:"secret"`
	Event          model.Event     `json:"event"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
	WebhookID      string          `json:"webhookId"`
}

// TriggerEvent enqueues one delivery job per active subscription of ownerID
// to event. An empty ownerID matches subscriptions of every owner. It returns
// the number of jobs enqueued; a failure to enqueue one subscription does not
// stop the others.
func (d *Dispatcher) TriggerEvent(ctx context.Context, ownerID string, event model.Event, payload any) (int, error) {
	subs, err := d.repo.GetByEvent(ctx, event)
	if err != nil {
		return 0, fmt.Errorf("load subscriptions for %s: %w", event, err)
	}
	if len(subs) == 0 {
		return 0, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", event, err)
	}

	ts := d.now()
	var (
		enqueued int
		errs     []error
	)
	for _, s := range subs {
		// Narrower than every active subscription of the event: an owner's
		// events never reach another owner's endpoints.
		if ownerID != "" && s.OwnerID != ownerID {
			continue
		}
		_, err := d.jobs.Enqueue(ctx, queue.WebhookDeliveries, s.ID, deliveryJob{
			SubscriptionID: s.ID,
			URL:            s.URL,
			Secret:         s.Secret,
			Event:          event,
			Timestamp:      ts,
			Payload:        data,
			WebhookID:      s.ID,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", s.ID, err))
			continue
		}
		enqueued++
	}
	return enqueued, errors.Join(errs...)
}
