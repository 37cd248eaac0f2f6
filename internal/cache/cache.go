package cache

import (
	"context"
	"time"
)

// MessageCache maps channel provider ids back to message ids so inbound
// status updates can be resolved without a store query.
type MessageCache interface {
	StoreSent(ctx context.Context, messageID, providerMessageID string, sentAt time.Time) error
	LookupProvider(ctx context.Context, providerMessageID string) (messageID string, ok bool, err error)
}
