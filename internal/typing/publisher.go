// Package typing implements typing indicators: the local publisher that
// debounces keystrokes into start/stop signals, and the tracker that keeps
// the set of remote users currently typing in one view.
package typing

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/chatsync/internal/loop"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/realtime"
)

const (
	// DefaultIdle is how long after the last keystroke the local user stops
	// typing.
	DefaultIdle = 2 * time.Second
	// DefaultExpiry is how long a remote typing entry lives without refresh.
	DefaultExpiry = 3 * time.Second
)

// Sender publishes a body to a destination. realtime.Service implements it.
type Sender interface {
	Publish(destination string, body []byte) error
}

// Publisher turns input activity of one composer into typing signals. It
// publishes true once when typing starts and false once the idle window
// passes without activity. All methods run on the loop goroutine.
type Publisher struct {
	sender Sender
	sched  loop.Scheduler
	scope  protocol.Scope
	userID string
	idle   time.Duration
	log    *zap.Logger

	typing bool
	timer  loop.Timer
}

// NewPublisher creates an idle Publisher for scope. A non-positive idle
// selects DefaultIdle.
func NewPublisher(sender Sender, sched loop.Scheduler, scope protocol.Scope, userID string, idle time.Duration, log *zap.Logger) *Publisher {
	if idle <= 0 {
		idle = DefaultIdle
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		sender: sender,
		sched:  sched,
		scope:  scope,
		userID: userID,
		idle:   idle,
		log:    log.Named("typing"),
	}
}

// Activity records a keystroke. The first one after idle publishes a start
// signal; every one re-arms the idle timer.
func (p *Publisher) Activity() {
	if !p.typing {
		p.typing = true
		p.publish(true)
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = p.sched.AfterFunc(p.idle, p.expire)
}

// Typing reports whether the local user is currently considered typing.
func (p *Publisher) Typing() bool {
	return p.typing
}

// Reset stops typing immediately, for example after the message was sent.
func (p *Publisher) Reset() {
	p.stopTimer()
	if p.typing {
		p.typing = false
		p.publish(false)
	}
}

// Close cancels the idle timer and sends a best-effort stop signal. The
// publisher must not be used afterwards.
func (p *Publisher) Close() {
	p.Reset()
}

func (p *Publisher) expire() {
	p.timer = nil
	if !p.typing {
		return
	}
	p.typing = false
	p.publish(false)
}

func (p *Publisher) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Publisher) publish(typing bool) {
	body, err := protocol.NewTypingMsg(p.scope, p.userID, typing).Marshal()
	if err != nil {
		p.log.Error("encode typing signal", zap.Error(err))
		return
	}
	err = p.sender.Publish(protocol.DestinationTyping, body)
	switch {
	case errors.Is(err, realtime.ErrNotConnected):
		// Typing is best-effort; nothing to send it on.
		p.log.Debug("typing signal dropped while offline", zap.Bool("typing", typing))
		return
	case err != nil:
		p.log.Warn("typing signal failed", zap.Bool("typing", typing), zap.Error(err))
		return
	}
	state := "stop"
	if typing {
		state = "start"
	}
	metrics.TypingPublishedTotal.WithLabelValues(state).Inc()
}
