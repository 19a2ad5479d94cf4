// Package messaging fans cache invalidations out to other processes over NATS
// and Redis pub/sub, so sibling clients and server-side caches can drop the
// same queries the local cache drops.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/whisper/chatsync/internal/invalidation"
	"github.com/whisper/chatsync/internal/metrics"
)

// SubjectInvalidate is the default NATS subject invalidation keys are
// published on.
const SubjectInvalidate = "chatsync.invalidate"

// NATSClient wraps the NATS connection and publishes invalidation keys.
type NATSClient struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
	mu      sync.Mutex
	subs    []*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	Subject       string        // subject for invalidation keys
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chatsync",
		Subject:       SubjectInvalidate,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log *zap.Logger) (*NATSClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("nats")
	if config.Subject == "" {
		config.Subject = SubjectInvalidate
	}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		// Keys this client publishes are already applied locally.
		nats.NoEcho(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}

	log.Info("connected", zap.String("url", nc.ConnectedUrl()), zap.String("subject", config.Subject))

	return &NATSClient{
		conn:    nc,
		subject: config.Subject,
		log:     log,
	}, nil
}

// Invalidate publishes key on the invalidation subject. Publishing only
// buffers locally, so it does not block the caller on the network. It
// implements invalidation.Invalidator.
func (c *NATSClient) Invalidate(key invalidation.Key) {
	data, err := json.Marshal(key)
	if err != nil {
		c.log.Error("encode key", zap.Error(err))
		return
	}
	if err := c.conn.Publish(c.subject, data); err != nil {
		metrics.InvalidationsDropped.WithLabelValues("nats").Inc()
		c.log.Warn("publish failed", zap.Stringer("key", key), zap.Error(err))
	}
}

// SubscribeInvalidations calls handler for every key other clients publish on
// the invalidation subject. Undecodable payloads are logged and skipped.
func (c *NATSClient) SubscribeInvalidations(handler func(invalidation.Key)) error {
	sub, err := c.conn.Subscribe(c.subject, func(msg *nats.Msg) {
		var key invalidation.Key
		if err := json.Unmarshal(msg.Data, &key); err != nil {
			c.log.Warn("dropping invalid key", zap.Error(err))
			return
		}
		handler(key)
	})
	if err != nil {
		return fmt.Errorf("messaging: nats subscribe %s: %w", c.subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain subscription", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	c.subs = nil

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain", zap.Error(err))
	}

	c.log.Info("client closed")
}

var _ invalidation.Invalidator = (*NATSClient)(nil)
