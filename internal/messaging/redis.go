package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/whisper/chatsync/internal/invalidation"
	"github.com/whisper/chatsync/internal/metrics"
)

const (
	// ChannelInvalidate is the default Redis pub/sub channel for keys.
	ChannelInvalidate = "chatsync:invalidate"

	// DefaultQueueSize bounds the keys waiting for the Redis worker.
	DefaultQueueSize = 256

	publishTimeout = 2 * time.Second
)

// envelope is the Redis payload: the key plus the publisher it came from.
// Redis pub/sub delivers to every subscriber, the publisher included, so
// Subscribe skips its own origin.
type envelope struct {
	Origin string           `json:"origin"`
	Key    invalidation.Key `json:"key"`
}

// RedisPublisher publishes invalidation keys on a Redis channel. Invalidate
// only enqueues; a worker goroutine does the network I/O, and keys are dropped
// when the queue is full.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	origin  string
	log     *zap.Logger
	queue   chan invalidation.Key
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRedisPublisher connects to Redis at addr and starts the worker.
func NewRedisPublisher(addr, channel string, queueSize int, log *zap.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("messaging: redis connection failed: %w", err)
	}

	return newRedisPublisher(client, channel, queueSize, log), nil
}

func newRedisPublisher(client *redis.Client, channel string, queueSize int, log *zap.Logger) *RedisPublisher {
	if channel == "" {
		channel = ChannelInvalidate
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &RedisPublisher{
		client:  client,
		channel: channel,
		origin:  uuid.New().String(),
		log:     log.Named("redis"),
		queue:   make(chan invalidation.Key, queueSize),
		done:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Invalidate enqueues key for publishing. It implements
// invalidation.Invalidator.
func (p *RedisPublisher) Invalidate(key invalidation.Key) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- key:
	default:
		metrics.InvalidationsDropped.WithLabelValues("redis").Inc()
		p.log.Warn("queue full, dropping key", zap.Stringer("key", key))
	}
}

// Subscribe calls handler for every key other publishers send on the channel
// until ctx is cancelled.
func (p *RedisPublisher) Subscribe(ctx context.Context, handler func(invalidation.Key)) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	// Wait for the subscription to be confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("messaging: redis subscribe %s: %w", p.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				p.log.Warn("dropping invalid key", zap.Error(err))
				continue
			}
			if env.Origin == p.origin {
				continue
			}
			handler(env.Key)
		}
	}
}

// Close stops the worker after it has published the queued keys, then closes
// the Redis client.
func (p *RedisPublisher) Close() error {
	p.once.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
	return p.client.Close()
}

func (p *RedisPublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case key := <-p.queue:
			p.publish(key)
		case <-p.done:
			for {
				select {
				case key := <-p.queue:
					p.publish(key)
				default:
					return
				}
			}
		}
	}
}

func (p *RedisPublisher) publish(key invalidation.Key) {
	data, err := json.Marshal(envelope{Origin: p.origin, Key: key})
	if err != nil {
		p.log.Error("encode key", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		metrics.InvalidationsDropped.WithLabelValues("redis").Inc()
		p.log.Warn("publish failed", zap.Stringer("key", key), zap.Error(err))
	}
}

var _ invalidation.Invalidator = (*RedisPublisher)(nil)
