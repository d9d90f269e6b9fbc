// Package redisq adapts a Redis client to the broker interfaces the task
// queue and event bus are built on: FIFO list operations backed by Redis
// lists, and pub/sub backed by Redis channels.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aurora-assess/agentcore/internal/events"
	"github.com/aurora-assess/agentcore/internal/task"
)

// Client wraps a Redis connection and implements both the task queue's list
// broker and the event bus's pub/sub broker.
type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// Connect parses a Redis URL ("redis://[:password@]host:port[/db]"), opens a
// client and verifies the connection with a ping.
func Connect(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("redis connection established", "addr", opt.Addr)
	return &Client{
		rdb:    rdb,
		logger: logger.With("component", "redisq"),
	}, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Push appends payload to the tail of the list at key.
func (c *Client) Push(ctx context.Context, key string, payload []byte) error {
	return c.rdb.RPush(ctx, key, payload).Err()
}

// BlockingPop removes and returns the head of the list at key, waiting up to
// timeout for an entry to appear. Returns (nil, nil) when the wait times out
// with the list still empty.
func (c *Client) BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	res, err := c.rdb.BLPop(ctx, timeout, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of length %d", len(res))
	}
	return []byte(res[1]), nil
}

// Length returns the length of the list at key.
func (c *Client) Length(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// Range returns list entries between start and stop, inclusive, with
// negative indexes counting from the tail as in LRANGE.
func (c *Client) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	res, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(res))
	for i, entry := range res {
		out[i] = []byte(entry)
	}
	return out, nil
}

// Remove deletes the first entry equal to payload from the list at key.
func (c *Client) Remove(ctx context.Context, key string, payload []byte) error {
	return c.rdb.LRem(ctx, key, 1, payload).Err()
}

// Publish sends payload to the pub/sub channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a pub/sub subscription on the given channels. The channel
// set may be empty and extended later through the returned subscription.
func (c *Client) Subscribe(ctx context.Context, channels ...string) (events.Subscription, error) {
	ps := c.rdb.Subscribe(ctx, channels...)

	// Force the subscription to be established before returning so a
	// publish immediately after Subscribe is not lost.
	if len(channels) > 0 {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("failed to establish subscription: %w", err)
		}
	}

	sub := &subscription{
		ps:  ps,
		out: make(chan events.Message, 16),
	}
	go sub.forward()
	return sub, nil
}

// subscription adapts a go-redis PubSub to the events.Subscription
// interface.
type subscription struct {
	ps  *redis.PubSub
	out chan events.Message
}

// forward converts incoming redis messages until the pubsub closes, then
// closes the outgoing channel.
func (s *subscription) forward() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- events.Message{
			Channel: msg.Channel,
			Payload: []byte(msg.Payload),
		}
	}
}

func (s *subscription) Messages() <-chan events.Message {
	return s.out
}

func (s *subscription) Subscribe(ctx context.Context, channels ...string) error {
	return s.ps.Subscribe(ctx, channels...)
}

func (s *subscription) Unsubscribe(ctx context.Context, channels ...string) error {
	return s.ps.Unsubscribe(ctx, channels...)
}

func (s *subscription) Close() error {
	return s.ps.Close()
}

var (
	_ task.Broker   = (*Client)(nil)
	_ events.Broker = (*Client)(nil)
)
