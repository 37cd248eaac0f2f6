// Package status holds the message status state machine. It computes the
// next record and the resulting event; persisting either is the caller's job.
package status

import (
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/messaging-pipeline/internal/apperr"
	"github.com/LeventeLantos/messaging-pipeline/internal/model"
)

// ErrUnchanged is returned when the message already has the requested status.
// Callers treat it as a successful no-op.
var ErrUnchanged = errors.New("status unchanged")

var edges = map[model.Status][]model.Status{
	model.Pending:   {model.Sent, model.Failed},
	model.Sent:      {model.Delivered, model.Failed},
	model.Delivered: {model.Read, model.Failed},
}

func CanTransition(from, to model.Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s model.Status) bool {
	return len(edges[s]) == 0
}

// Apply moves m to next, stamping the status timestamp and UpdatedAt.
func Apply(m model.Message, next model.Status, now time.Time) (model.Message, model.StatusChanged, error) {
	if !next.Valid() {
		return m, model.StatusChanged{}, apperr.NewValidationError("status", fmt.Sprintf("unknown status %q", next))
	}
	if m.Status == next {
		return m, model.StatusChanged{}, ErrUnchanged
	}
	if !CanTransition(m.Status, next) {
		return m, model.StatusChanged{}, fmt.Errorf("%w: %s -> %s", apperr.ErrInvalidTransition, m.Status, next)
	}

	now = now.UTC()
	prev := m.Status
	m.Status = next
	m.UpdatedAt = now

	switch next {
	case model.Sent:
		m.SentAt = &now
	case model.Delivered:
		m.DeliveredAt = &now
	case model.Read:
		m.ReadAt = &now
	case model.Failed:
		m.FailedAt = &now
	}

	return m, changedEvent(m, prev, now), nil
}

// Fail applies Failed and records reason.
func Fail(m model.Message, reason string, now time.Time) (model.Message, model.StatusChanged, error) {
	out, ev, err := Apply(m, model.Failed, now)
	if err != nil {
		return m, ev, err
	}
	if reason != "" {
		out.FailureReason = &reason
		ev.Reason = reason
	}
	return out, ev, nil
}

// Reset is the explicit retry edge Failed -> Pending. It clears the failure
// stamp and reason; it emits no event.
func Reset(m model.Message, now time.Time) (model.Message, error) {
	if m.Status != model.Failed {
		return m, fmt.Errorf("%w: only failed messages can be retried (status %s)", apperr.ErrInvalidTransition, m.Status)
	}
	m.Status = model.Pending
	m.FailedAt = nil
	m.FailureReason = nil
	m.UpdatedAt = now.UTC()
	return m, nil
}

func changedEvent(m model.Message, prev model.Status, now time.Time) model.StatusChanged {
	ev := model.StatusChanged{
		MessageID:      m.ID,
		OwnerID:        m.OwnerID,
		PreviousStatus: prev,
		NewStatus:      m.Status,
		Timestamp:      now,
	}
	if m.SessionID != nil {
		ev.SessionID = *m.SessionID
	}
	return ev
}
