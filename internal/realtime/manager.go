// Package realtime owns the single logical connection to the message broker:
// its lifecycle, reconnection, heart-beats and the logical subscriptions that
// survive reconnects. Every exported method must be called on the loop
// goroutine (see package loop); none of them block or take locks.
package realtime

import (
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/whisper/chatsync/internal/loop"
	"github.com/whisper/chatsync/internal/metrics"
)

// Manager drives one physical connection at a time for the current
// credential. Transport failures are never returned to callers; they move the
// state to Disconnected and schedule a retry with the same credential.
type Manager struct {
	dialer  Dialer
	sched   loop.Scheduler
	cfg     Config
	log     *zap.Logger
	backoff backoff.BackOff

	credential string
	state      State
	conn       Conn
	retry      loop.Timer
	hb         *heartbeat

	nextID    int
	listeners []stateListener
	rejectFns []rejectHook

	// Hooks used by Service to drive the subscription registry.
	onReady   func(Conn)
	onLost    func()
	onMessage func(subscriptionID string, body []byte)
}

type stateListener struct {
	id int
	fn func(State)
}

type rejectHook struct {
	id int
	fn func(error)
}

// NewManager creates a Manager in the Disconnected state.
func NewManager(d Dialer, sched loop.Scheduler, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		dialer:    d,
		sched:     sched,
		cfg:       cfg,
		log:       log.Named("realtime"),
		backoff:   cfg.Reconnect.backOff(),
		onReady:   func(Conn) {},
		onLost:    func() {},
		onMessage: func(string, []byte) {},
	}
}

// Connect opens a connection with credential. Calling it again with the
// current credential while connecting, connected or rejected does nothing; a
// different credential tears the current connection down first. An empty
// credential is the same as Disconnect.
func (m *Manager) Connect(credential string) {
	if credential == "" {
		m.Disconnect()
		return
	}
	if credential == m.credential && m.state != Disconnected {
		return
	}
	if credential != m.credential {
		m.teardown()
		m.backoff.Reset()
		m.credential = credential
	}
	m.stopRetry()
	m.dial()
}

// SetCredential re-derives the connection from a credential value as it
// changes over time. An empty value signs out.
func (m *Manager) SetCredential(credential string) {
	if credential == "" {
		m.Disconnect()
		return
	}
	m.Connect(credential)
}

// Disconnect closes the connection, cancels every timer and forgets the
// credential, so no retry happens until Connect is called again.
func (m *Manager) Disconnect() {
	m.credential = ""
	m.teardown()
	m.backoff.Reset()
	m.setState(Disconnected)
}

// IsConnected reports whether the state is Connected.
func (m *Manager) IsConnected() bool {
	return m.state == Connected
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.state
}

// OnStateChange registers fn to be called on every state transition. Calls
// are synchronous and in registration order. The returned function removes
// the listener.
func (m *Manager) OnStateChange(fn func(State)) (cancel func()) {
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, stateListener{id: id, fn: fn})
	return func() {
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// OnAuthRejected registers fn to be called with an *AuthRejectedError when
// the server refuses the credential.
func (m *Manager) OnAuthRejected(fn func(error)) (cancel func()) {
	m.nextID++
	id := m.nextID
	m.rejectFns = append(m.rejectFns, rejectHook{id: id, fn: fn})
	return func() {
		for i, h := range m.rejectFns {
			if h.id == id {
				m.rejectFns = append(m.rejectFns[:i:i], m.rejectFns[i+1:]...)
				return
			}
		}
	}
}

// Publish sends body to destination on the live connection.
func (m *Manager) Publish(destination string, body []byte) error {
	if m.state != Connected || m.conn == nil {
		return ErrNotConnected
	}
	if err := m.conn.Send(destination, body); err != nil {
		return fmt.Errorf("realtime: publish to %s: %w", destination, err)
	}
	return nil
}

func (m *Manager) dial() {
	m.conn = m.dialer.Dial(m.credential, connEvents{m})
	m.log.Debug("dialing", zap.String("conn", m.conn.ID()))
	m.setState(Connecting)
}

// teardown closes the live connection, if any, without changing the state.
func (m *Manager) teardown() {
	m.stopRetry()
	m.stopHeartbeat()
	if m.conn == nil {
		return
	}
	c := m.conn
	m.conn = nil
	if err := c.Close(); err != nil {
		m.log.Debug("close failed", zap.String("conn", c.ID()), zap.Error(err))
	}
	if m.state == Connected {
		m.onLost()
	}
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.log.Info("state changed", zap.Stringer("from", m.state), zap.Stringer("to", s))
	m.state = s
	metrics.ConnectionState.Set(float64(s))

	listeners := append([]stateListener(nil), m.listeners...)
	for _, l := range listeners {
		m.notify(l.fn, s)
	}
}

func (m *Manager) notify(fn func(State), s State) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanicsTotal.WithLabelValues("state_listener").Inc()
			m.log.Error("state listener panicked", zap.Any("panic", r))
		}
	}()
	fn(s)
}

func (m *Manager) connected(c Conn) {
	if c != m.conn || m.state != Connecting {
		return
	}
	m.backoff.Reset()
	m.setState(Connected)
	// A listener may have torn the connection down.
	if c != m.conn {
		return
	}
	m.startHeartbeat(c)
	m.onReady(c)
}

func (m *Manager) rejected(c Conn, reason string) {
	if c != m.conn {
		return
	}
	m.teardown()
	err := &AuthRejectedError{Reason: reason}
	m.log.Warn("credential rejected", zap.String("conn", c.ID()), zap.String("reason", reason))
	m.setState(Rejected)

	hooks := append([]rejectHook(nil), m.rejectFns...)
	for _, h := range hooks {
		h.fn(err)
	}
}

func (m *Manager) lost(c Conn, err error) {
	if c != m.conn {
		return
	}
	m.teardown()
	m.log.Warn("connection lost", zap.String("conn", c.ID()), zap.Error(err))
	m.setState(Disconnected)
	m.scheduleRetry()
}

func (m *Manager) scheduleRetry() {
	// A listener may already have reconnected or signed out.
	if m.credential == "" || m.conn != nil || m.retry != nil {
		return
	}
	d := m.backoff.NextBackOff()
	if d == backoff.Stop || d < 0 {
		d = m.cfg.Reconnect.MaxDelay
	}
	metrics.ReconnectsTotal.Inc()
	m.log.Info("reconnect scheduled", zap.Duration("delay", d))
	m.retry = m.sched.AfterFunc(d, func() {
		m.retry = nil
		if m.credential == "" || m.conn != nil {
			return
		}
		m.dial()
	})
}

func (m *Manager) stopRetry() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) startHeartbeat(c Conn) {
	send, expect := c.Heartbeat()
	m.hb = newHeartbeat(m.sched, c, send, expect, m.cfg.Heartbeat.Timeout, func(err error) {
		m.lost(c, err)
	})
	m.hb.start()
}

func (m *Manager) stopHeartbeat() {
	if m.hb != nil {
		m.hb.stop()
		m.hb = nil
	}
}

// connEvents adapts the Manager to ConnEvents without exporting the
// callbacks on Manager itself.
type connEvents struct {
	m *Manager
}

func (e connEvents) Connected(c Conn) { e.m.connected(c) }

func (e connEvents) Rejected(c Conn, reason string) { e.m.rejected(c, reason) }

func (e connEvents) Received(c Conn, subscriptionID string, body []byte) {
	m := e.m
	if c != m.conn || m.state != Connected {
		return
	}
	m.touch()
	m.onMessage(subscriptionID, body)
}

func (e connEvents) Alive(c Conn) {
	if c == e.m.conn {
		e.m.touch()
	}
}

func (e connEvents) Closed(c Conn, err error) { e.m.lost(c, err) }

func (m *Manager) touch() {
	if m.hb != nil {
		m.hb.touch()
	}
}

var _ ConnEvents = connEvents{}

