package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/messaging-pipeline/internal/apperr"
	"github.com/LeventeLantos/messaging-pipeline/internal/model"
)

// MemoryMessageRepo is an in-process MessageRepository used by tests and
// local runs without Postgres.
type MemoryMessageRepo struct {
	mu   sync.RWMutex
	rows map[string]model.Message
}

var _ MessageRepository = (*MemoryMessageRepo)(nil)

func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{rows: make(map[string]model.Message)}
}

func (r *MemoryMessageRepo) Create(_ context.Context, m model.Message) (model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[m.ID]; ok {
		return model.Message{}, fmt.Errorf("message %s: %w", m.ID, apperr.ErrConflict)
	}
	r.rows[m.ID] = m
	return m, nil
}

func (r *MemoryMessageRepo) GetByID(_ context.Context, id string) (model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.rows[id]
	if !ok {
		return model.Message{}, fmt.Errorf("message: %w", apperr.ErrNotFound)
	}
	return m, nil
}

func (r *MemoryMessageRepo) GetForOwner(ctx context.Context, ownerID, id string) (model.Message, error) {
	m, err := r.GetByID(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	if m.OwnerID != ownerID {
		return model.Message{}, fmt.Errorf("message: %w", apperr.ErrNotFound)
	}
	return m, nil
}

func (r *MemoryMessageRepo) GetByProviderID(_ context.Context, providerMessageID string) (model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.rows {
		if m.ProviderMessageID != nil && *m.ProviderMessageID == providerMessageID {
			return m, nil
		}
	}
	return model.Message{}, fmt.Errorf("message: %w", apperr.ErrNotFound)
}

func (r *MemoryMessageRepo) UpdateStatus(_ context.Context, m model.Message, from model.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.rows[m.ID]
	if !ok || cur.Status != from {
		return false, nil
	}

	cur.Status = m.Status
	if m.ProviderMessageID != nil {
		cur.ProviderMessageID = m.ProviderMessageID
	}
	cur.FailureReason = m.FailureReason
	cur.SentAt = m.SentAt
	cur.DeliveredAt = m.DeliveredAt
	cur.ReadAt = m.ReadAt
	cur.FailedAt = m.FailedAt
	cur.UpdatedAt = m.UpdatedAt
	r.rows[m.ID] = cur
	return true, nil
}

func (r *MemoryMessageRepo) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]model.Message, error) {
	limit, offset = clampPage(limit, offset)
	out := r.filter(func(m model.Message) bool { return m.OwnerID == ownerID })
	return page(out, limit, offset), nil
}

func (r *MemoryMessageRepo) ListBySession(_ context.Context, ownerID, sessionID string, limit int) ([]model.Message, error) {
	limit, _ = clampPage(limit, 0)
	out := r.filter(func(m model.Message) bool {
		return m.OwnerID == ownerID && m.SessionID != nil && *m.SessionID == sessionID
	})
	return page(out, limit, 0), nil
}

func (r *MemoryMessageRepo) filter(keep func(model.Message) bool) []model.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Message
	for _, m := range r.rows {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

type MemoryWebhookRepo struct {
	mu   sync.RWMutex
	rows map[string]model.Webhook
	now  func() time.Time
}

var _ WebhookRepository = (*MemoryWebhookRepo)(nil)

func NewMemoryWebhookRepo() *MemoryWebhookRepo {
	return &MemoryWebhookRepo{
		rows: make(map[string]model.Webhook),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryWebhookRepo) Create(_ context.Context, w model.Webhook) (model.Webhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[w.ID]; ok {
		return model.Webhook{}, fmt.Errorf("webhook %s: %w", w.ID, apperr.ErrConflict)
	}
	w.FailCount = 0
	w.Events = append([]model.Event(nil), w.Events...)
	r.rows[w.ID] = w
	return w, nil
}

func (r *MemoryWebhookRepo) GetByID(_ context.Context, id string) (model.Webhook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.rows[id]
	if !ok {
		return model.Webhook{}, fmt.Errorf("webhook: %w", apperr.ErrNotFound)
	}
	return w, nil
}

func (r *MemoryWebhookRepo) ListByOwner(_ context.Context, ownerID string) ([]model.Webhook, error) {
	return r.filter(func(w model.Webhook) bool { return w.OwnerID == ownerID }), nil
}

func (r *MemoryWebhookRepo) GetByEvent(_ context.Context, e model.Event) ([]model.Webhook, error) {
	return r.filter(func(w model.Webhook) bool {
		return w.Status == model.WebhookActive && w.Subscribes(e)
	}), nil
}

func (r *MemoryWebhookRepo) filter(keep func(model.Webhook) bool) []model.Webhook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Webhook
	for _, w := range r.rows {
		if keep(w) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *MemoryWebhookRepo) mutate(id string, fn func(*model.Webhook) bool) (model.Webhook, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.rows[id]
	if !ok {
		return model.Webhook{}, false, fmt.Errorf("webhook: %w", apperr.ErrNotFound)
	}
	changed := fn(&w)
	if changed {
		w.UpdatedAt = r.now()
		r.rows[id] = w
	}
	return w, changed, nil
}

func (r *MemoryWebhookRepo) IncrementFailureCount(_ context.Context, id string) (int, error) {
	w, _, err := r.mutate(id, func(w *model.Webhook) bool {
		w.FailCount++
		return true
	})
	return w.FailCount, err
}

func (r *MemoryWebhookRepo) ResetFailureCount(_ context.Context, id string) error {
	_, _, err := r.mutate(id, func(w *model.Webhook) bool {
		if w.FailCount == 0 {
			return false
		}
		w.FailCount = 0
		return true
	})
	return err
}

func (r *MemoryWebhookRepo) TouchLastTriggered(_ context.Context, id string, at time.Time) error {
	_, _, err := r.mutate(id, func(w *model.Webhook) bool {
		if w.LastTriggeredAt != nil && !at.After(*w.LastTriggeredAt) {
			return false
		}
		t := at.UTC()
		w.LastTriggeredAt = &t
		return true
	})
	return err
}

func (r *MemoryWebhookRepo) UpdateStatus(_ context.Context, id string, s model.WebhookStatus) (bool, error) {
	_, changed, err := r.mutate(id, func(w *model.Webhook) bool {
		if w.Status == s {
			return false
		}
		w.Status = s
		return true
	})
	return changed, err
}

func (r *MemoryWebhookRepo) Delete(_ context.Context, ownerID, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.rows[id]
	if !ok || w.OwnerID != ownerID {
		return false, nil
	}
	delete(r.rows, id)
	return true, nil
}
