package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for tests and single-node runs.
type MemoryQueue struct {
	mu       sync.Mutex
	opts     options
	items    []*Message
	inflight map[uint64]delivery
	dead     []*Message
	seq      uint64
	ready    chan struct{}
}

type delivery struct {
	msg       *Message
	visibleAt time.Time
}

var _ Reclaimer = (*MemoryQueue)(nil)

func NewMemoryQueue(opts ...Option) *MemoryQueue {
	return &MemoryQueue{
		opts:     buildOptions(opts),
		inflight: make(map[uint64]delivery),
		ready:    make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Send(_ context.Context, body []byte) error {
	msg, err := newMessage(body)
	if err != nil {
		return err
	}
	q.push(msg, false)
	return nil
}

func (q *MemoryQueue) push(msg *Message, front bool) {
	q.mu.Lock()
	if front {
		q.items = append([]*Message{msg}, q.items...)
	} else {
		q.items = append(q.items, msg)
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Receive(ctx context.Context, wait time.Duration) (*Message, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := *q.items[0]
			q.items = q.items[1:]
			q.seq++
			msg.receipt = q.seq
			q.inflight[msg.receipt] = delivery{msg: &msg, visibleAt: time.Now().Add(q.opts.visibility)}
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// Wake another receiver for the remaining items.
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			return &msg, true, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-timer.C:
			return nil, false, nil
		case <-q.ready:
		}
	}
}

// settle ends a delivery. It reports false when the delivery was already
// settled or reclaimed.
func (q *MemoryQueue) settle(msg *Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[msg.receipt]; !ok {
		return false
	}
	delete(q.inflight, msg.receipt)
	return true
}

func (q *MemoryQueue) Ack(_ context.Context, msg *Message) error {
	q.settle(msg)
	return nil
}

func (q *MemoryQueue) Return(_ context.Context, msg *Message) error {
	if !q.settle(msg) {
		return nil
	}
	q.push(redelivery(msg), true)
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, msg *Message, reason string) error {
	if !q.settle(msg) {
		return nil
	}
	dead := *msg
	dead.Reason = reason
	dead.receipt = 0
	q.mu.Lock()
	q.dead = append(q.dead, &dead)
	q.mu.Unlock()
	return nil
}

// RequeueExpired puts deliveries whose visibility timeout has passed at now back
// at the front of the queue.
func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	var expired []*Message
	for receipt, d := range q.inflight {
		if now.Before(d.visibleAt) {
			continue
		}
		delete(q.inflight, receipt)
		expired = append(expired, redelivery(d.msg))
	}
	q.mu.Unlock()

	for _, msg := range expired {
		q.push(msg, true)
	}
	return len(expired), nil
}

func redelivery(msg *Message) *Message {
	next := *msg
	next.Attempts++
	next.receipt = 0
	return &next
}

// Len returns the number of pending messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// InFlight returns the number of received but unsettled messages.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Dead returns a copy of the dead-lettered messages.
func (q *MemoryQueue) Dead() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Message(nil), q.dead...)
}

// MemoryCounter is an in-process Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]memoryWindow
	now     func() time.Time
}

type memoryWindow struct {
	count   int64
	expires time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]memoryWindow), now: time.Now}
}

func (c *MemoryCounter) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	w := c.windows[key]
	if now.After(w.expires) {
		w = memoryWindow{}
	}
	w.count++
	w.expires = now.Add(expiry)
	c.windows[key] = w
	return w.count, nil
}
