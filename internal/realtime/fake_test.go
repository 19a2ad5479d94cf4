package realtime

import (
	"errors"
	"fmt"
	"time"
)

// fakeDialer records every wire operation of every connection it hands out in
// one shared log, so tests can assert global ordering.
type fakeDialer struct {
	conns  []*fakeConn
	ops    []string
	send   time.Duration
	expect time.Duration
}

func (d *fakeDialer) Dial(credential string, events ConnEvents) Conn {
	c := &fakeConn{
		id:         fmt.Sprintf("conn-%d", len(d.conns)+1),
		credential: credential,
		events:     events,
		d:          d,
	}
	d.conns = append(d.conns, c)
	d.record("DIAL %s", credential)
	return c
}

func (d *fakeDialer) record(format string, args ...any) {
	d.ops = append(d.ops, fmt.Sprintf(format, args...))
}

func (d *fakeDialer) last() *fakeConn {
	return d.conns[len(d.conns)-1]
}

type fakeConn struct {
	id         string
	credential string
	events     ConnEvents
	d          *fakeDialer
	closed     bool
	pings      int
	pingErr    error
	subErr     error
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Subscribe(id, destination string) error {
	if c.closed {
		return errors.New("closed")
	}
	if c.subErr != nil {
		return c.subErr
	}
	c.d.record("SUBSCRIBE %s %s", id, destination)
	return nil
}

func (c *fakeConn) Unsubscribe(id string) error {
	c.d.record("UNSUBSCRIBE %s", id)
	return nil
}

func (c *fakeConn) Send(destination string, body []byte) error {
	c.d.record("SEND %s %s", destination, body)
	return nil
}

func (c *fakeConn) Ping() error {
	if c.pingErr != nil {
		return c.pingErr
	}
	c.pings++
	return nil
}

func (c *fakeConn) Heartbeat() (time.Duration, time.Duration) {
	return c.d.send, c.d.expect
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// Server-side helpers.

func (c *fakeConn) accept()              { c.events.Connected(c) }
func (c *fakeConn) reject(reason string) { c.events.Rejected(c, reason) }
func (c *fakeConn) drop(err error)       { c.events.Closed(c, err) }
func (c *fakeConn) alive()               { c.events.Alive(c) }

func (c *fakeConn) deliver(subscriptionID, body string) {
	c.events.Received(c, subscriptionID, []byte(body))
}
