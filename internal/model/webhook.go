package model

import "time"

type Event string

const (
	EventMessageReceived  Event = "message.received"
	EventMessageSent      Event = "message.sent"
	EventMessageDelivered Event = "message.delivered"
	EventMessageRead      Event = "message.read"
	EventMessageFailed    Event = "message.failed"
)

var AllEvents = []Event{
	EventMessageReceived,
	EventMessageSent,
	EventMessageDelivered,
	EventMessageRead,
	EventMessageFailed,
}

func (e Event) Valid() bool {
	for _, known := range AllEvents {
		if e == known {
			return true
		}
	}
	return false
}

// EventForStatus maps a reached status to the webhook event announcing it.
// Pending has no event.
func EventForStatus(s Status) (Event, bool) {
	switch s {
	case Sent:
		return EventMessageSent, true
	case Delivered:
		return EventMessageDelivered, true
	case Read:
		return EventMessageRead, true
	case Failed:
		return EventMessageFailed, true
	}
	return "", false
}

type WebhookStatus string

const (
	WebhookActive   WebhookStatus = "active"
	WebhookInactive WebhookStatus = "inactive"
)

type Webhook struct {
	ID              string        `json:"id"`
	OwnerID         string        `json:"ownerId"`
	URL             string        `json:"url"`
	Events          []Event       `json:"events"`
	Description     string        `json:"description,omitempty"`
	Secret          string        `json:"-"`
	Status          WebhookStatus `json:"status"`
	FailCount       int           `json:"failCount"`
	LastTriggeredAt *time.Time    `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

func (w Webhook) Subscribes(e Event) bool {
	for _, ev := range w.Events {
		if ev == e {
			return true
		}
	}
	return false
}

// InboundMessage is a message received from the channel.
type InboundMessage struct {
	OwnerID           string         `json:"ownerId"`
	From              string         `json:"from"`
	Content           string         `json:"content"`
	Type              ContentType    `json:"type"`
	SessionID         string         `json:"sessionId,omitempty"`
	ProviderMessageID string         `json:"providerMessageId,omitempty"`
	MediaURL          string         `json:"mediaUrl,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	ReceivedAt        time.Time      `json:"timestamp"`
}
