package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/LeventeLantos/messaging-pipeline/internal/apperr"
)

type Name string

const (
	OutboundMessages  Name = "outbound-messages"
	WebhookDeliveries Name = "webhook-deliveries"
)

type RetryPolicy struct {
	MaxAttempts    int           `json:"maxAttempts"`
	InitialBackoff time.Duration `json:"initialBackoff"`
	Factor         float64       `json:"factor"`
	MaxBackoff     time.Duration `json:"maxBackoff,omitempty"`
}

// DefaultPolicy returns the retry policy used when Enqueue is not given one.
func DefaultPolicy(name Name) RetryPolicy {
	switch name {
	case OutboundMessages:
		return RetryPolicy{MaxAttempts: 3, InitialBackoff: 2 * time.Second, Factor: 2}
	case WebhookDeliveries:
		return RetryPolicy{MaxAttempts: 5, InitialBackoff: 5 * time.Second, Factor: 2}
	}
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, Factor: 2}
}

// Backoff is the delay before the attempt following failed attempt n (1-based):
// InitialBackoff * Factor^(n-1), capped at MaxBackoff when set.
func (p RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 2
	}
	d := time.Duration(float64(p.InitialBackoff) * math.Pow(factor, float64(n-1)))
	if d < 0 || (p.MaxBackoff > 0 && d > p.MaxBackoff) {
		return p.MaxBackoff
	}
	return d
}

func (p RetryPolicy) validate() error {
	if p.MaxAttempts <= 0 {
		return errors.New("maxAttempts must be > 0")
	}
	if p.InitialBackoff < 0 {
		return errors.New("initialBackoff must be >= 0")
	}
	return nil
}

type Job struct {
	ID        string          `json:"id"`
	Queue     Name            `json:"queue"`
	Key       string          `json:"key,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	Policy    RetryPolicy     `json:"policy"`
	RunAt     time.Time       `json:"runAt"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`

	// Exhausted is set once the job has failed for good; only its exhausted
	// hook runs from then on.
	Exhausted    bool `json:"exhausted,omitempty"`
	HookFailures int  `json:"hookFailures,omitempty"`
}

func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode payload of job %s: %w", j.ID, err)
	}
	return nil
}

// Final reports whether the current attempt is the last one permitted.
func (j Job) Final() bool {
	return j.Attempt >= j.Policy.MaxAttempts
}

// permanent errors skip the remaining attempts.
func permanent(err error) bool {
	return errors.Is(err, apperr.ErrTerminalDelivery) ||
		errors.Is(err, apperr.ErrValidation) ||
		errors.Is(err, apperr.ErrNotFound)
}

type EnqueueOption func(*Job)

func WithPolicy(p RetryPolicy) EnqueueOption {
	return func(j *Job) { j.Policy = p }
}

func WithDelay(d time.Duration) EnqueueOption {
	return func(j *Job) { j.RunAt = j.RunAt.Add(d) }
}

func WithID(id string) EnqueueOption {
	return func(j *Job) { j.ID = id }
}

type Stats struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"inFlight"`
	Dead     int64 `json:"dead"`
}
