// Package ws is the WebSocket transport of the real-time client. It speaks
// STOMP 1.2 frames over a gobwas/ws client connection and reports the
// connection lifecycle to the realtime package through the event loop.
package ws

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/chatsync/internal/realtime"
)

// DialerConfig holds tunable parameters for outgoing connections.
type DialerConfig struct {
	URL              string                   // broker endpoint, ws:// or wss://
	Host             string                   // STOMP host header; defaults to the URL host
	Heartbeat        realtime.HeartbeatConfig // requested heart-beat intervals
	HandshakeTimeout time.Duration            // WebSocket upgrade plus STOMP CONNECT
	WriteTimeout     time.Duration            // per-frame write deadline
	MaxMessageSize   int64                    // larger inbound messages are dropped; 0 is unlimited
}

// DefaultMaxMessageSize bounds one inbound STOMP frame.
const DefaultMaxMessageSize = 1 << 20

// DefaultDialerConfig returns the settings used by the web client.
func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		URL:              "ws://localhost:8080/ws/websocket",
		Heartbeat:        realtime.DefaultHeartbeatConfig(),
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   DefaultMaxMessageSize,
	}
}

// Poster hands a closure to the event loop.
type Poster interface {
	Post(fn func()) bool
}

// Dialer opens STOMP-over-WebSocket connections. It implements
// realtime.Dialer.
type Dialer struct {
	cfg  DialerConfig
	loop Poster
	log  *zap.Logger
}

// NewDialer creates a Dialer whose connection events are posted to lp.
func NewDialer(cfg DialerConfig, lp Poster, log *zap.Logger) *Dialer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dialer{cfg: cfg, loop: lp, log: log.Named("ws")}
}

// Dial starts connecting in the background and returns immediately. The
// handshake outcome arrives on the loop as Connected, Rejected or Closed.
func (d *Dialer) Dial(credential string, events realtime.ConnEvents) realtime.Conn {
	c := &Connection{
		id:     uuid.New().String(),
		cfg:    d.cfg,
		events: events,
		loop:   d.loop,
	}
	c.log = d.log.With(zap.String("conn", c.id))
	go c.run(credential)
	return c
}

var _ realtime.Dialer = (*Dialer)(nil)
