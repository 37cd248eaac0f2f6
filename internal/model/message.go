package model

import "time"

type Status string

const (
	Pending   Status = "pending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case Pending, Sent, Delivered, Read, Failed:
		return true
	}
	return false
}

type ContentType string

const (
	TypeText     ContentType = "text"
	TypeImage    ContentType = "image"
	TypeAudio    ContentType = "audio"
	TypeVideo    ContentType = "video"
	TypeDocument ContentType = "document"
	TypeLocation ContentType = "location"
	TypeTemplate ContentType = "template"
)

type Message struct {
	ID                string         `json:"id"`
	OwnerID           string         `json:"ownerId"`
	To                string         `json:"to"`
	Content           string         `json:"content"`
	Type              ContentType    `json:"type"`
	MediaURL          *string        `json:"mediaUrl,omitempty"`
	SessionID         *string        `json:"sessionId,omitempty"`
	HighPriority      bool           `json:"isHighPriority"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Status            Status         `json:"status"`
	ProviderMessageID *string        `json:"providerMessageId,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
	SentAt            *time.Time     `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time     `json:"deliveredAt,omitempty"`
	ReadAt            *time.Time     `json:"readAt,omitempty"`
	FailedAt          *time.Time     `json:"failedAt,omitempty"`
	FailureReason     *string        `json:"failureReason,omitempty"`
}

// StatusChanged is produced by every accepted transition and fanned out to
// webhook subscribers and live sessions.
type StatusChanged struct {
	MessageID      string    `json:"messageId"`
	OwnerID        string    `json:"ownerId"`
	SessionID      string    `json:"sessionId,omitempty"`
	PreviousStatus Status    `json:"previousStatus"`
	NewStatus      Status    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Reason         string    `json:"error,omitempty"`
}
