// Package pubsub implements a resilient publish/subscribe and keyed-store
// client over Redis: reconnect-with-backoff and a bounded local outbox
// absorb transport outages so callers never see a failed publish.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"go.opentelemetry.io/otel/metric"
)

const (
	outboxCapacity = 100
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	subscribePoll  = time.Second
)

// ErrNotConnected is returned by Set/Get/Subscribe when the client has no
// live connection and the operation does not buffer (fail-fast).
var ErrNotConnected = errors.New("pubsub: not connected")

// ErrMissingKey signals Get found no value for the given key.
var ErrMissingKey = errors.New("pubsub: key not found")

// Client is a Redis-backed pub/sub and keyed-store client with reconnect
// buffering. The zero value is not usable; construct with New.
type Client struct {
	url    string
	logger *slog.Logger

	rdb    *redis.Client
	outbox *outbox

	reconnects metric.Int64Counter

	mu            sync.Mutex
	connected     bool
	reconnecting  bool
	reconnectStop context.CancelFunc
	reconnectDone chan struct{}
}

// New constructs a Client for the given Redis URL (e.g. redis://host:6379/0).
// The connection is not established until Connect is called.
func New(url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("pubsub: parse redis url: %w", err)
	}
	return &Client{
		url:    url,
		logger: logger,
		rdb:    redis.NewClient(opts),
		outbox: newOutbox(outboxCapacity),
	}, nil
}

// SetMetrics wires the given instrument into the client. A nil instrument is
// silently skipped.
func (c *Client) SetMetrics(reconnects metric.Int64Counter) {
	c.reconnects = reconnects
}

// Connect pings the server once. Failure is a connection fault; it does not
// start reconnection or buffering — that only happens on publish/flush paths.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pubsub: connect: %w", err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.logger.Info("pubsub connected", "url", redactURL(c.url))
	return nil
}

// Disconnect cancels any background reconnection work and releases the
// underlying connection. Safe to call multiple times.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	stop := c.reconnectStop
	done := c.reconnectDone
	c.connected = false
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	return c.rdb.Close()
}

// IsConnected reports the client's current connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Publish delivers message on channel. It never fails the caller: on a
// disconnected client, or on a transport failure, the pair is appended to
// the bounded local outbox (discard-oldest on overflow) and a background
// reconnection task is started if one is not already running.
func (c *Client) Publish(ctx context.Context, channel, message string) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		c.logger.Warn("pubsub publish while disconnected, queuing", "channel", channel)
		c.outbox.push(channel, message)
		c.startReconnect()
		return
	}

	if err := c.rdb.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Error("pubsub publish failed, queuing and reconnecting", "channel", channel, "error", err)
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.outbox.push(channel, message)
		c.startReconnect()
	}
}

// OutboxSize returns the number of publishes currently buffered while
// disconnected. Exposed for tests and diagnostics.
func (c *Client) OutboxSize() int {
	return c.outbox.len()
}

// Subscribe blocks delivering each message on channel to fn until ctx is
// cancelled. It requires an already-connected client and polls with a short
// internal timeout so cancellation stays responsive. The subscription is
// torn down on every exit path, including early return from fn's panic
// recovery being the caller's responsibility.
func (c *Client) Subscribe(ctx context.Context, channel string, fn func(payload string)) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	sub := c.rdb.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("pubsub: subscribe %s: %w", channel, err)
	}
	c.logger.Info("pubsub subscribed", "channel", channel)
	defer c.logger.Info("pubsub unsubscribed", "channel", channel)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgCtx, cancel := context.WithTimeout(ctx, subscribePoll)
		msg, err := sub.ReceiveMessage(msgCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		fn(msg.Payload)
	}
}

// Set stores value under key, optionally with a TTL. Requires a connected
// client (fail-fast, no buffering); failure marks the client disconnected.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return fmt.Errorf("pubsub: set %s: %w", key, err)
	}
	return nil
}

// Get returns the value for key, or ErrMissingKey if absent. Requires a
// connected client; failure marks the client disconnected.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if !c.IsConnected() {
		return "", ErrNotConnected
	}
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMissingKey
	}
	if err != nil {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		return "", fmt.Errorf("pubsub: get %s: %w", key, err)
	}
	return val, nil
}

// Del removes key. It is a best-effort cleanup operation used by the
// retention sweep; a missing key is not an error.
func (c *Client) Del(ctx context.Context, key string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("pubsub: del %s: %w", key, err)
	}
	return nil
}

// TTL returns the remaining time-to-live for key, or -1 if it has none and
// -2 if it does not exist (redis TTL semantics), used by the retention
// sweep to find idempotency keys that predate TTL enforcement.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	if !c.IsConnected() {
		return 0, ErrNotConnected
	}
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("pubsub: ttl %s: %w", key, err)
	}
	return d, nil
}

// Scan returns all keys matching pattern. It is used by the retention sweep
// to enumerate idempotency keys; callers should not rely on it for
// latency-sensitive paths since it walks the full Redis keyspace cursor.
func (c *Client) Scan(ctx context.Context, pattern string) ([]string, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("pubsub: scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (c *Client) startReconnect() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnecting = true
	c.reconnectStop = cancel
	c.reconnectDone = make(chan struct{})
	done := c.reconnectDone
	c.mu.Unlock()

	go c.reconnectLoop(ctx, done)
}

func (c *Client) reconnectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.rdb.Ping(ctx).Err(); err == nil {
			c.mu.Lock()
			c.connected = true
			c.mu.Unlock()
			c.logger.Info("pubsub reconnected")
			if c.reconnects != nil {
				c.reconnects.Add(ctx, 1)
			}
			c.flushOutbox(ctx)
			return
		} else {
			c.logger.Warn("pubsub reconnect attempt failed", "backoff", backoff, "error", err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = time.Duration(float64(backoff) * backoffFactor)
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) flushOutbox(ctx context.Context) {
	pending := c.outbox.drain()

	for i, item := range pending {
		if err := c.rdb.Publish(ctx, item.channel, item.message).Err(); err != nil {
			c.logger.Error("pubsub flush failed, returning remainder to queue head", "channel", item.channel, "error", err)
			c.outbox.requeueFront(pending[i:])
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			return
		}
	}
	c.logger.Info("pubsub outbox flushed", "count", len(pending))
}

// redactURL strips userinfo (often a password) from a Redis URL before
// logging it.
func redactURL(url string) string {
	schemeEnd := -1
	for i := 0; i+2 < len(url); i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			schemeEnd = i + 3
			break
		}
	}
	if schemeEnd == -1 {
		return url
	}

	at := -1
	for i := schemeEnd; i < len(url); i++ {
		if url[i] == '/' {
			break
		}
		if url[i] == '@' {
			at = i
		}
	}
	if at == -1 {
		return url
	}
	return url[:schemeEnd] + "[REDACTED]" + url[at:]
}
