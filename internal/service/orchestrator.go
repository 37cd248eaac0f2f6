// Package service glues the message store, the delivery queue, the channel
// sender and the two notification paths together.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/LeventeLantos/messaging-pipeline/internal/apperr"
	"github.com/LeventeLantos/messaging-pipeline/internal/cache"
	"github.com/LeventeLantos/messaging-pipeline/internal/model"
	"github.com/LeventeLantos/messaging-pipeline/internal/queue"
	"github.com/LeventeLantos/messaging-pipeline/internal/repo"
	"github.com/LeventeLantos/messaging-pipeline/internal/status"
)

type ChannelSender interface {
	Send(ctx context.Context, m model.Message) (providerMessageID string, err error)
}

type WebhookTrigger interface {
	TriggerEvent(ctx context.Context, ownerID string, event model.Event, payload any) (int, error)
}

type LiveNotifier interface {
	NotifyWithSession(ownerID, sessionID string, event model.Event, payload any) int
}

type Deps struct {
	Messages repo.MessageRepository
	Jobs     queue.Enqueuer
	Channel  ChannelSender
	Cache    cache.MessageCache
	Webhooks WebhookTrigger
	Live     LiveNotifier
}

type Orchestrator struct {
	messages repo.MessageRepository
	jobs     queue.Enqueuer
	channel  ChannelSender
	cache    cache.MessageCache
	webhooks WebhookTrigger
	live     LiveNotifier

	validate *validator.Validate
	now      func() time.Time
	log      *slog.Logger
}

func NewOrchestrator(d Deps) *Orchestrator {
	return &Orchestrator{
		messages: d.Messages,
		jobs:     d.Jobs,
		channel:  d.Channel,
		cache:    d.Cache,
		webhooks: d.Webhooks,
		live:     d.Live,
		validate: apperr.NewValidator(),
		now:      func() time.Time { return time.Now().UTC() },
		log:      slog.Default().With("component", "orchestrator"),
	}
}

// Bind registers the outbound job handlers on q.
func (o *Orchestrator) Bind(q queue.Service) error {
	return q.Process(queue.OutboundMessages, o.HandleOutbound, o.HandleOutboundExhausted)
}

type SendRequest struct {
	To           string            `json:"to" validate:"required,max=64"`
	Content      string            `json:"content" validate:"required"`
	Type         model.ContentType `json:"type" validate:"omitempty,oneof=text image audio video document location template"`
	MediaURL     string            `json:"mediaUrl" validate:"omitempty,url"`
	SessionID    string            `json:"sessionId" validate:"max=128"`
	HighPriority bool              `json:"isHighPriority"`
	Metadata     map[string]any    `json:"metadata"`
}

type outboundJob struct {
	MessageID string `json:"messageId"`
}

// SendMessage stores a pending message and queues its delivery. It returns
// before any delivery attempt is made.
func (o *Orchestrator) SendMessage(ctx context.Context, ownerID string, req SendRequest) (model.Message, error) {
	if err := o.validateSend(ownerID, req); err != nil {
		return model.Message{}, err
	}

	now := o.now()
	m := model.Message{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		To:           strings.TrimSpace(req.To),
		Content:      req.Content,
		Type:         req.Type,
		HighPriority: req.HighPriority,
		Metadata:     req.Metadata,
		Status:       model.Pending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if m.Type == "" {
		m.Type = model.TypeText
	}
	if req.MediaURL != "" {
		m.MediaURL = &req.MediaURL
	}
	if req.SessionID != "" {
		m.SessionID = &req.SessionID
	}

	m, err := o.messages.Create(ctx, m)
	if err != nil {
		return model.Message{}, fmt.Errorf("create message: %w", err)
	}

	if err := o.enqueue(ctx, m); err != nil {
		o.failNow(ctx, m, "enqueue failed")
		return model.Message{}, err
	}

	o.log.Info("message accepted", "message_id", m.ID, "owner_id", ownerID)
	return m, nil
}

func (o *Orchestrator) validateSend(ownerID string, req SendRequest) error {
	ve := &apperr.ValidationError{}
	if err := o.validate.Struct(req); err != nil {
		var converted *apperr.ValidationError
		if !errors.As(apperr.FromValidator(err), &converted) {
			return err
		}
		ve = converted
	}
	if ownerID == "" {
		ve.Add("ownerId", "is required")
	}
	if strings.TrimSpace(req.To) == "" {
		ve.Add("to", "is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		ve.Add("content", "is required")
	}
	if len(ve.Fields) > 0 {
		return ve
	}
	return nil
}

func (o *Orchestrator) enqueue(ctx context.Context, m model.Message) error {
	if _, err := o.jobs.Enqueue(ctx, queue.OutboundMessages, m.ID, outboundJob{MessageID: m.ID}); err != nil {
		return fmt.Errorf("enqueue message %s: %w", m.ID, err)
	}
	return nil
}

// HandleOutbound is the outbound-messages job handler.
func (o *Orchestrator) HandleOutbound(ctx context.Context, job queue.Job) error {
	var oj outboundJob
	if err := job.Decode(&oj); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrTerminalDelivery, err)
	}
	log := o.log.With("message_id", oj.MessageID, "job_id", job.ID, "attempt", job.Attempt)

	m, err := o.messages.GetByID(ctx, oj.MessageID)
	if err != nil {
		return err
	}
	if m.Status != model.Pending {
		log.Debug("message no longer pending, skipping send", "status", m.Status)
		return nil
	}

	providerID, err := o.channel.Send(ctx, m)
	if err != nil {
		return err
	}

	next, ev, err := status.Apply(m, model.Sent, o.now())
	if err != nil {
		return err
	}
	next.ProviderMessageID = &providerID

	ok, err := o.messages.UpdateStatus(ctx, next, m.Status)
	if err != nil {
		return apperr.Transient(fmt.Errorf("persist sent status: %w", err))
	}
	if !ok {
		log.Warn("message changed during send, sent status not stored")
		return nil
	}

	if o.cache != nil {
		if err := o.cache.StoreSent(ctx, next.ID, providerID, *next.SentAt); err != nil {
			log.Warn("cache provider id", "error", err)
		}
	}

	log.Info("message sent", "provider_message_id", providerID)
	o.publish(ctx, ev)
	return nil
}

// HandleOutboundExhausted marks the message failed once its delivery job has
// used up its attempts. A store error is returned so the queue runs it again.
func (o *Orchestrator) HandleOutboundExhausted(ctx context.Context, job queue.Job, cause error) error {
	var oj outboundJob
	if err := job.Decode(&oj); err != nil {
		o.log.Error("exhausted outbound job undecodable", "job_id", job.ID, "error", err)
		return nil
	}

	m, err := o.messages.GetByID(ctx, oj.MessageID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			o.log.Warn("exhausted message no longer exists", "message_id", oj.MessageID)
			return nil
		}
		return fmt.Errorf("load exhausted message %s: %w", oj.MessageID, err)
	}

	reason := "delivery failed"
	if cause != nil {
		reason = cause.Error()
	}
	return o.fail(ctx, m, reason)
}

// failNow is fail for callers that have no way to retry.
func (o *Orchestrator) failNow(ctx context.Context, m model.Message, reason string) {
	if err := o.fail(ctx, m, reason); err != nil {
		o.log.Error("persist failed status", "message_id", m.ID, "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, m model.Message, reason string) error {
	next, ev, err := status.Fail(m, reason, o.now())
	if err != nil {
		if !errors.Is(err, status.ErrUnchanged) {
			o.log.Warn("cannot fail message", "message_id", m.ID, "status", m.Status, "error", err)
		}
		return nil
	}

	ok, err := o.messages.UpdateStatus(ctx, next, m.Status)
	if err != nil {
		return fmt.Errorf("persist failed status of %s: %w", m.ID, err)
	}
	if !ok {
		return nil
	}

	o.log.Warn("message failed", "message_id", m.ID, "reason", reason)
	o.publish(ctx, ev)
	return nil
}

// StatusUpdate is a status report from the channel. Exactly one of
// MessageID and ProviderMessageID identifies the message.
type StatusUpdate struct {
	MessageID         string       `json:"messageId"`
	ProviderMessageID string       `json:"providerMessageId"`
	Status            model.Status `json:"status"`
	Reason            string       `json:"error"`
}

const casRetries = 3

// ApplyInboundStatus applies a channel-reported status. Reporting the
// current status again is a no-op; an out of order report fails with
// apperr.ErrInvalidTransition and changes nothing.
func (o *Orchestrator) ApplyInboundStatus(ctx context.Context, upd StatusUpdate) (model.Message, error) {
	if !upd.Status.Valid() {
		return model.Message{}, apperr.NewValidationError("status", fmt.Sprintf("unknown status %q", upd.Status))
	}

	id, err := o.resolve(ctx, upd)
	if err != nil {
		return model.Message{}, err
	}

	for i := 0; i < casRetries; i++ {
		m, err := o.messages.GetByID(ctx, id)
		if err != nil {
			return model.Message{}, err
		}

		var (
			next model.Message
			ev   model.StatusChanged
		)
		if upd.Status == model.Failed {
			next, ev, err = status.Fail(m, upd.Reason, o.now())
		} else {
			next, ev, err = status.Apply(m, upd.Status, o.now())
		}
		switch {
		case errors.Is(err, status.ErrUnchanged):
			return m, nil
		case errors.Is(err, apperr.ErrInvalidTransition):
			o.log.Warn("inbound status rejected", "message_id", m.ID, "from", m.Status, "to", upd.Status)
			return m, err
		case err != nil:
			return m, err
		}

		ok, err := o.messages.UpdateStatus(ctx, next, m.Status)
		if err != nil {
			return model.Message{}, fmt.Errorf("persist status: %w", err)
		}
		if ok {
			o.publish(ctx, ev)
			return next, nil
		}
	}
	return model.Message{}, fmt.Errorf("message %s: concurrent status updates: %w", id, apperr.ErrConflict)
}

func (o *Orchestrator) resolve(ctx context.Context, upd StatusUpdate) (string, error) {
	if upd.MessageID != "" {
		return upd.MessageID, nil
	}
	if upd.ProviderMessageID == "" {
		return "", apperr.NewValidationError("messageId", "messageId or providerMessageId is required")
	}

	if o.cache != nil {
		id, ok, err := o.cache.LookupProvider(ctx, upd.ProviderMessageID)
		if err != nil {
			o.log.Warn("provider id cache lookup", "provider_message_id", upd.ProviderMessageID, "error", err)
		}
		if ok {
			return id, nil
		}
	}

	m, err := o.messages.GetByProviderID(ctx, upd.ProviderMessageID)
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// RetryMessage moves a failed message back to pending and queues a fresh
// delivery job for it.
func (o *Orchestrator) RetryMessage(ctx context.Context, ownerID, id string) (model.Message, error) {
	m, err := o.messages.GetForOwner(ctx, ownerID, id)
	if err != nil {
		return model.Message{}, err
	}

	next, err := status.Reset(m, o.now())
	if err != nil {
		return model.Message{}, err
	}
	ok, err := o.messages.UpdateStatus(ctx, next, m.Status)
	if err != nil {
		return model.Message{}, fmt.Errorf("persist reset: %w", err)
	}
	if !ok {
		return model.Message{}, fmt.Errorf("message %s: %w", id, apperr.ErrConflict)
	}

	if err := o.enqueue(ctx, next); err != nil {
		o.failNow(ctx, next, "enqueue failed")
		return model.Message{}, err
	}

	o.log.Info("message retry queued", "message_id", id, "owner_id", ownerID)
	return next, nil
}

// ReceiveMessage announces a message received from the channel. It is not
// stored.
func (o *Orchestrator) ReceiveMessage(ctx context.Context, in model.InboundMessage) error {
	ve := &apperr.ValidationError{}
	if in.OwnerID == "" {
		ve.Add("ownerId", "is required")
	}
	if in.From == "" {
		ve.Add("from", "is required")
	}
	if len(ve.Fields) > 0 {
		return ve
	}
	if in.Type == "" {
		in.Type = model.TypeText
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = o.now()
	}

	o.fanOut(ctx, in.OwnerID, in.SessionID, model.EventMessageReceived, in)
	return nil
}

func (o *Orchestrator) GetMessage(ctx context.Context, ownerID, id string) (model.Message, error) {
	return o.messages.GetForOwner(ctx, ownerID, id)
}

func (o *Orchestrator) ListMessages(ctx context.Context, ownerID string, limit, offset int) ([]model.Message, error) {
	return o.messages.ListByOwner(ctx, ownerID, limit, offset)
}

func (o *Orchestrator) ListSession(ctx context.Context, ownerID, sessionID string, limit int) ([]model.Message, error) {
	return o.messages.ListBySession(ctx, ownerID, sessionID, limit)
}

func (o *Orchestrator) publish(ctx context.Context, ev model.StatusChanged) {
	event, ok := model.EventForStatus(ev.NewStatus)
	if !ok {
		return
	}
	o.fanOut(ctx, ev.OwnerID, ev.SessionID, event, ev)
}

// fanOut hands the event to both notification paths. Neither path can fail
// the caller.
func (o *Orchestrator) fanOut(ctx context.Context, ownerID, sessionID string, event model.Event, payload any) {
	if o.webhooks != nil {
		if _, err := o.webhooks.TriggerEvent(ctx, ownerID, event, payload); err != nil {
			o.log.Error("trigger webhooks", "event", event, "owner_id", ownerID, "error", err)
		}
	}
	if o.live != nil {
		o.live.NotifyWithSession(ownerID, sessionID, event, payload)
	}
}
