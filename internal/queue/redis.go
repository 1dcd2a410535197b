package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates a go-redis client from a Redis URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// RedisQueue is a reliable list queue: Receive atomically moves a message from the
// pending list to a processing list, where it stays until Ack, Return or DeadLetter.
// Each received message is also scored in a visibility set so RequeueExpired can
// reclaim it if its receiver never settles it.
type RedisQueue struct {
	client *redis.Client
	name   string
	opts   options
}

var _ Reclaimer = (*RedisQueue)(nil)

// settleScript removes a held message from the processing list and visibility
// set and, only if it was still held, pushes its replacement onto KEYS[3].
// ARGV[3] is "right" for the consuming end of a pending list, "left" otherwise.
var settleScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed > 0 and ARGV[2] ~= '' then
	if ARGV[3] == 'right' then
		redis.call('RPUSH', KEYS[3], ARGV[2])
	else
		redis.call('LPUSH', KEYS[3], ARGV[2])
	end
end
return removed
`)

// NewRedisQueue creates a queue named name on client.
func NewRedisQueue(client *redis.Client, name string, opts ...Option) *RedisQueue {
	return &RedisQueue{client: client, name: name, opts: buildOptions(opts)}
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Send(ctx context.Context, body []byte) error {
	msg, err := newMessage(body)
	if err != nil {
		return err
	}
	raw, err := encode(msg)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, PendingKey(q.name), raw).Err()
}

func (q *RedisQueue) Receive(ctx context.Context, wait time.Duration) (*Message, bool, error) {
	var raw string
	var err error
	if wait <= 0 {
		// BLMOVE with a zero timeout would block forever.
		raw, err = q.client.LMove(ctx, PendingKey(q.name), ProcessingKey(q.name), "RIGHT", "LEFT").Result()
	} else {
		raw, err = q.client.BLMove(ctx, PendingKey(q.name), ProcessingKey(q.name), "RIGHT", "LEFT", wait).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("receive from %s: %w", q.name, err)
	}

	msg, err := decode(raw)
	if err != nil {
		slog.Warn("dead-lettering undecodable message", "queue", q.name, "error", err)
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, ProcessingKey(q.name), 1, raw)
		pipe.LPush(ctx, DeadKey(q.name), raw)
		if _, perr := pipe.Exec(ctx); perr != nil {
			return nil, false, fmt.Errorf("dead-letter undecodable message: %w", perr)
		}
		return nil, false, nil
	}

	visibleAt := time.Now().Add(q.opts.visibility)
	if err := q.client.ZAdd(ctx, VisibilityKey(q.name), redis.Z{
		Score:  float64(visibleAt.UnixMilli()),
		Member: raw,
	}).Err(); err != nil {
		slog.Warn("failed to record message visibility", "queue", q.name, "message_id", msg.ID, "error", err)
	}
	return msg, true, nil
}

// settle runs settleScript for a held message. It reports whether the message
// was still held.
func (q *RedisQueue) settle(ctx context.Context, held, replacement, dest, end string) (bool, error) {
	n, err := settleScript.Run(ctx, q.client,
		[]string{ProcessingKey(q.name), VisibilityKey(q.name), dest},
		held, replacement, end).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *RedisQueue) Ack(ctx context.Context, msg *Message) error {
	if _, err := q.settle(ctx, msg.raw, "", PendingKey(q.name), "right"); err != nil {
		return fmt.Errorf("ack message %s: %w", msg.ID, err)
	}
	return nil
}

// Return puts msg at the consuming end of the pending list, so it is the next
// message delivered. A message already reclaimed is left alone.
func (q *RedisQueue) Return(ctx context.Context, msg *Message) error {
	next := *msg
	next.Attempts++
	raw, err := encode(&next)
	if err != nil {
		return err
	}
	if _, err := q.settle(ctx, msg.raw, raw, PendingKey(q.name), "right"); err != nil {
		return fmt.Errorf("return message %s: %w", msg.ID, err)
	}
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	dead := *msg
	dead.Reason = reason
	raw, err := encode(&dead)
	if err != nil {
		return err
	}
	if _, err := q.settle(ctx, msg.raw, raw, DeadKey(q.name), "left"); err != nil {
		return fmt.Errorf("dead-letter message %s: %w", msg.ID, err)
	}
	return nil
}

// RequeueExpired returns every processing message whose visibility timeout has
// passed at now to the consuming end of the pending list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := q.client.ZRangeByScore(ctx, VisibilityKey(q.name), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired messages in %s: %w", q.name, err)
	}

	requeued := 0
	for _, raw := range expired {
		replacement := raw
		if msg, derr := decode(raw); derr == nil {
			msg.Attempts++
			if replacement, err = encode(msg); err != nil {
				return requeued, err
			}
		}
		moved, err := q.settle(ctx, raw, replacement, PendingKey(q.name), "right")
		if err != nil {
			return requeued, fmt.Errorf("requeue expired message in %s: %w", q.name, err)
		}
		if moved {
			requeued++
		}
	}
	return requeued, nil
}

// Len returns the number of pending messages.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, PendingKey(q.name)).Result()
}

// RedisCounter implements Counter with INCR + EXPIRE in one transaction.
type RedisCounter struct {
	client *redis.Client
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
