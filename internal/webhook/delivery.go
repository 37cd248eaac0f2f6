package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LeventeLantos/messaging-pipeline/internal/apperr"
	"github.com/LeventeLantos/messaging-pipeline/internal/metrics"
	"github.com/LeventeLantos/messaging-pipeline/internal/model"
	"github.com/LeventeLantos/messaging-pipeline/internal/queue"
)

// Body is the JSON document POSTed to subscribers.
type Body struct {
	Event     model.Event     `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	WebhookID string          `json:"webhook_id"`
}

// Deliver is the webhook-deliveries job handler: one signed POST attempt.
func (d *Dispatcher) Deliver(ctx context.Context, job queue.Job) error {
	var dj deliveryJob
	if err := job.Decode(&dj); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrTerminalDelivery, err)
	}
	log := d.log.With("subscription_id", dj.SubscriptionID, "event", dj.Event, "job_id", job.ID, "attempt", job.Attempt)

	sub, err := d.repo.GetByID(ctx, dj.SubscriptionID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Info("subscription deleted, delivery dropped")
		return nil
	}
	if err != nil {
		return apperr.Transient(err)
	}
	if sub.Status != model.WebhookActive {
		log.Info("subscription inactive, delivery dropped")
		metrics.WebhookDeliveries.WithLabelValues("skipped").Inc()
		return nil
	}

	body, err := json.Marshal(Body{
		Event:     dj.Event,
		Timestamp: dj.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:      dj.Payload,
		WebhookID: dj.WebhookID,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrTerminalDelivery, err)
	}

	start := time.Now()
	err = d.post(ctx, dj.URL, body, dj.Secret)
	metrics.WebhookDeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		return err
	}
	metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()

	if sub.FailCount > 0 {
		if err := d.repo.ResetFailureCount(ctx, sub.ID); err != nil {
			log.Error("reset failure count", "error", err)
		}
	}
	if err := d.repo.TouchLastTriggered(ctx, sub.ID, d.now()); err != nil {
		log.Error("stamp last triggered", "error", err)
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, secret string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrTerminalDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(body, secret))

	resp, err := d.client.Do(req)
	if err != nil {
		return apperr.Transient(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperr.Transient(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}
	return nil
}

// HandleExhausted counts one failed delivery against the subscription and
// disables it once the counter reaches the threshold. Store errors are
// returned so the queue runs it again.
func (d *Dispatcher) HandleExhausted(ctx context.Context, job queue.Job, cause error) error {
	var dj deliveryJob
	if err := job.Decode(&dj); err != nil {
		d.log.Error("exhausted delivery undecodable", "job_id", job.ID, "error", err)
		return nil
	}
	log := d.log.With("subscription_id", dj.SubscriptionID, "event", dj.Event, "job_id", job.ID)

	n, err := d.repo.IncrementFailureCount(ctx, dj.SubscriptionID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("increment failure count of %s: %w", dj.SubscriptionID, err)
	}
	log.Warn("webhook delivery failed", "fail_count", n, "error", cause)

	if n < d.maxFailures {
		return nil
	}
	changed, err := d.repo.UpdateStatus(ctx, dj.SubscriptionID, model.WebhookInactive)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("disable subscription %s: %w", dj.SubscriptionID, err)
	}
	if changed {
		metrics.WebhooksDisabled.Inc()
		log.Warn("webhook disabled due to too many failures", "url", dj.URL, "fail_count", n)
	}
	return nil
}
