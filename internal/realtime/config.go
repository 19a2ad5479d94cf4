package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// State is the connection state observed by listeners.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Rejected is entered when the server refuses the credential. It lasts
	// until the credential changes or Disconnect is called.
	Rejected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ReconnectConfig controls the delay between reconnect attempts.
type ReconnectConfig struct {
	Delay       time.Duration // first (or every, when not exponential) delay
	MaxDelay    time.Duration // cap for exponential growth
	Exponential bool
}

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // requested heart-beat interval in both directions
	Timeout  time.Duration // grace added to the negotiated inbound interval
}

// DefaultHeartbeatConfig returns the heart-beat settings used by the web
// client: 10s both ways.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 10 * time.Second,
		Timeout:  5 * time.Second,
	}
}

// Config holds the connection manager settings.
type Config struct {
	Reconnect ReconnectConfig
	Heartbeat HeartbeatConfig
}

// DefaultConfig returns a fixed 5s reconnect delay and the default heart-beat.
func DefaultConfig() Config {
	return Config{
		Reconnect: ReconnectConfig{
			Delay:    5 * time.Second,
			MaxDelay: 30 * time.Second,
		},
		Heartbeat: DefaultHeartbeatConfig(),
	}
}

func (c ReconnectConfig) backOff() backoff.BackOff {
	if !c.Exponential {
		return backoff.NewConstantBackOff(c.Delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Delay
	b.MaxInterval = c.MaxDelay
	b.Reset()
	return b
}
