package realtime

import (
	"fmt"
	"time"

	"github.com/whisper/chatsync/internal/loop"
)

// heartbeat keeps one connection alive. It writes an outgoing heart-beat every
// send interval and declares the connection lost when nothing has arrived for
// expect plus grace. Either direction is disabled by a zero interval.
type heartbeat struct {
	sched  loop.Scheduler
	conn   Conn
	send   time.Duration
	expect time.Duration
	grace  time.Duration
	onFail func(error)

	lastSeen time.Time
	ping     loop.Timer
	check    loop.Timer
	stopped  bool
}

func newHeartbeat(sched loop.Scheduler, c Conn, send, expect, grace time.Duration, onFail func(error)) *heartbeat {
	return &heartbeat{
		sched:  sched,
		conn:   c,
		send:   send,
		expect: expect,
		grace:  grace,
		onFail: onFail,
	}
}

func (h *heartbeat) start() {
	h.lastSeen = h.sched.Now()
	if h.send > 0 {
		h.ping = h.sched.AfterFunc(h.send, h.writePing)
	}
	if h.expect > 0 {
		h.check = h.sched.AfterFunc(h.expect+h.grace, h.checkAlive)
	}
}

// touch records inbound activity of any kind.
func (h *heartbeat) touch() {
	h.lastSeen = h.sched.Now()
}

func (h *heartbeat) stop() {
	h.stopped = true
	if h.ping != nil {
		h.ping.Stop()
	}
	if h.check != nil {
		h.check.Stop()
	}
}

func (h *heartbeat) writePing() {
	if h.stopped {
		return
	}
	if err := h.conn.Ping(); err != nil {
		h.onFail(fmt.Errorf("realtime: heartbeat ping: %w", err))
		return
	}
	h.ping = h.sched.AfterFunc(h.send, h.writePing)
}

func (h *heartbeat) checkAlive() {
	if h.stopped {
		return
	}
	remaining := h.lastSeen.Add(h.expect + h.grace).Sub(h.sched.Now())
	if remaining <= 0 {
		h.onFail(ErrHeartbeatTimeout)
		return
	}
	h.check = h.sched.AfterFunc(remaining, h.checkAlive)
}
