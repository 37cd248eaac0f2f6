package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/LeventeLantos/messaging-pipeline/internal/apperr"
	"github.com/LeventeLantos/messaging-pipeline/internal/model"
	"github.com/LeventeLantos/messaging-pipeline/internal/queue"
	"github.com/LeventeLantos/messaging-pipeline/internal/service"
	"github.com/LeventeLantos/messaging-pipeline/internal/webhook"
)

// OwnerHeader carries the authenticated owner id set by the auth proxy.
const OwnerHeader = "X-Owner-ID"

const maxBodyBytes = 1 << 20

type MessageService interface {
	SendMessage(ctx context.Context, ownerID string, req service.SendRequest) (model.Message, error)
	GetMessage(ctx context.Context, ownerID, id string) (model.Message, error)
	ListMessages(ctx context.Context, ownerID string, limit, offset int) ([]model.Message, error)
	ListSession(ctx context.Context, ownerID, sessionID string, limit int) ([]model.Message, error)
	RetryMessage(ctx context.Context, ownerID, id string) (model.Message, error)
	ApplyInboundStatus(ctx context.Context, upd service.StatusUpdate) (model.Message, error)
	ReceiveMessage(ctx context.Context, in model.InboundMessage) error
}

type WebhookService interface {
	RegisterWebhook(ctx context.Context, ownerID string, req webhook.RegisterRequest) (model.Webhook, error)
	ListWebhooks(ctx context.Context, ownerID string) ([]model.Webhook, error)
	GetWebhook(ctx context.Context, ownerID, id string) (model.Webhook, error)
	ReactivateWebhook(ctx context.Context, ownerID, id string) (model.Webhook, error)
	DeleteWebhook(ctx context.Context, ownerID, id string) error
}

type QueueStats interface {
	Stats(ctx context.Context, name queue.Name) (queue.Stats, error)
}

type Deps struct {
	Messages MessageService
	Webhooks WebhookService
	Queues   QueueStats
	Live     http.Handler
	Metrics  http.Handler
}

type Handler struct {
	messages MessageService
	webhooks WebhookService
	queues   QueueStats
	live     http.Handler
	metrics  http.Handler
	log      *slog.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		messages: d.Messages,
		webhooks: d.Webhooks,
		queues:   d.Queues,
		live:     d.Live,
		metrics:  d.Metrics,
		log:      slog.Default().With("component", "api"),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var req service.SendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	m, err := h.messages.SendMessage(r.Context(), owner, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.messages.ListMessages(r.Context(), owner, limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	m, err := h.messages.GetMessage(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) ListSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)

	items, err := h.messages.ListSession(r.Context(), owner, r.PathValue("sessionId"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

func (h *Handler) RetryMessage(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	m, err := h.messages.RetryMessage(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (h *Handler) ChannelStatus(w http.ResponseWriter, r *http.Request) {
	var upd service.StatusUpdate
	if !decodeBody(w, r, &upd) {
		return
	}
	m, err := h.messages.ApplyInboundStatus(r.Context(), upd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) ChannelInbound(w http.ResponseWriter, r *http.Request) {
	var in model.InboundMessage
	if !decodeBody(w, r, &in) {
		return
	}
	if err := h.messages.ReceiveMessage(r.Context(), in); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// createdWebhook is the only response that carries the signing secret.
type createdWebhook struct {
	model.Webhook
	Secret string `json:"secret"`
}

func (h *Handler) RegisterWebhook(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	var req webhook.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}

	wh, err := h.webhooks.RegisterWebhook(r.Context(), owner, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createdWebhook{Webhook: wh, Secret: wh.Secret})
}

func (h *Handler) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	items, err := h.webhooks.ListWebhooks(r.Context(), owner)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

func (h *Handler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	wh, err := h.webhooks.GetWebhook(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (h *Handler) ReactivateWebhook(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	wh, err := h.webhooks.ReactivateWebhook(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	if err := h.webhooks.DeleteWebhook(r.Context(), owner, r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	name := queue.Name(r.PathValue("name"))
	if name != queue.OutboundMessages && name != queue.WebhookDeliveries {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown queue"})
		return
	}
	stats, err := h.queues.Stats(r.Context(), name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "stats": stats})
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(OwnerHeader)
	if owner == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing " + OwnerHeader})
		return "", false
	}
	return owner, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *apperr.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": ve.Fields})
	case errors.Is(err, apperr.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
	case errors.Is(err, apperr.ErrInvalidTransition), errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	default:
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
