package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one work item taken from a queue. Attempts counts prior deliveries
// that were handed back with Return.
type Message struct {
	ID         string          `json:"id"`
	Body       json.RawMessage `json:"body"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Reason     string          `json:"reason,omitempty"`

	// raw is the exact encoded form held by the backend, used to remove it on Ack.
	raw string
	// receipt identifies one delivery of the message in a MemoryQueue.
	receipt uint64
}

// DefaultVisibilityTimeout is how long a received message may stay unsettled
// before RequeueExpired hands it out again. It must outlast the slowest region.
const DefaultVisibilityTimeout = 2 * time.Hour

// Queue is the work-item queue used by the model runner. Implementations must be
// safe for concurrent use.
type Queue interface {
	Send(ctx context.Context, body []byte) error
	// Receive waits up to wait for a message. The bool is false when none arrived.
	// A zero wait only checks for a pending message.
	Receive(ctx context.Context, wait time.Duration) (*Message, bool, error)
	// Ack removes a received message for good.
	Ack(ctx context.Context, msg *Message) error
	// Return makes a received message immediately available again.
	Return(ctx context.Context, msg *Message) error
	// DeadLetter parks a received message that must not be retried.
	DeadLetter(ctx context.Context, msg *Message, reason string) error
}

// Reclaimer puts received messages whose visibility timeout has passed back on
// their queue, so work held by a crashed receiver is delivered again. A reclaimed
// message counts as one more attempt.
type Reclaimer interface {
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
}

// Option configures a queue.
type Option func(*options)

type options struct {
	visibility time.Duration
}

// WithVisibilityTimeout overrides DefaultVisibilityTimeout.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.visibility = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{visibility: DefaultVisibilityTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Counter is a fixed-window counter, used for rate limiting.
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

func newMessage(body []byte) (*Message, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("message body is not valid JSON")
	}
	return &Message{
		ID:         uuid.NewString(),
		Body:       json.RawMessage(body),
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

func encode(msg *Message) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return string(b), nil
}

func decode(raw string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	msg.raw = raw
	return &msg, nil
}
