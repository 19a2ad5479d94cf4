package ws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/whisper/chatsync/internal/realtime"
	"github.com/whisper/chatsync/internal/stomp"
)

var errNotOpen = errors.New("ws: connection not open")

// errMessageTooLarge is returned for a message longer than MaxMessageSize.
var errMessageTooLarge = errors.New("ws: message too large")

// Connection is one physical STOMP session. A background goroutine performs
// the handshake and then reads frames until the socket fails; everything it
// learns is posted to the loop. The realtime.Conn methods run on the loop and
// share the socket with the reader through writeMu.
type Connection struct {
	id     string
	cfg    DialerConfig
	events realtime.ConnEvents
	loop   Poster
	log    *zap.Logger

	mu     sync.Mutex // guards conn and closed
	conn   net.Conn
	closed bool

	writeMu sync.Mutex // serializes frames written to conn

	rd *wsutil.Reader // owned by the reader goroutine

	// Negotiated heart-beat, written before Connected is posted.
	send   time.Duration
	expect time.Duration
}

// ID returns the connection's correlation id.
func (c *Connection) ID() string { return c.id }

// Heartbeat returns the negotiated heart-beat intervals.
func (c *Connection) Heartbeat() (send, expect time.Duration) {
	return c.send, c.expect
}

// Subscribe sends a SUBSCRIBE frame with automatic acknowledgement.
func (c *Connection) Subscribe(id, destination string) error {
	return c.writeFrame(frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	))
}

// Unsubscribe sends an UNSUBSCRIBE frame.
func (c *Connection) Unsubscribe(id string) error {
	return c.writeFrame(frame.New(frame.UNSUBSCRIBE, frame.Id, id))
}

// Send publishes a JSON body to destination.
func (c *Connection) Send(destination string, body []byte) error {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Body = body
	return c.writeFrame(f)
}

// Ping writes a heart-beat EOL.
func (c *Connection) Ping() error {
	return c.write(stomp.Heartbeat)
}

// Close sends a best-effort DISCONNECT and closes the socket. It never
// produces a Closed event.
func (c *Connection) Close() error {
	conn, ok := c.markClosed()
	if !ok || conn == nil {
		return nil
	}
	data, err := stomp.Encode(frame.New(frame.DISCONNECT))
	if err == nil {
		err = c.writeTo(conn, data)
	}
	if err != nil {
		c.log.Debug("disconnect frame not sent", zap.Error(err))
	}
	return conn.Close()
}

// run performs the handshake and then reads until the connection fails.
func (c *Connection) run(credential string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
	defer cancel()

	dialer := ws.Dialer{Timeout: c.cfg.HandshakeTimeout}
	conn, br, _, err := dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		var status ws.StatusError
		if errors.As(err, &status) && (int(status) == http.StatusUnauthorized || int(status) == http.StatusForbidden) {
			c.reject(nil, fmt.Sprintf("upgrade refused: %d %s", int(status), http.StatusText(int(status))))
			return
		}
		c.fail(fmt.Errorf("ws: dial %s: %w", c.cfg.URL, err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	var src io.Reader = conn
	if br != nil {
		// The server wrote past the upgrade response; drain the buffer first.
		src = io.MultiReader(br, conn)
	}
	// No UTF-8 check: a body the event decoder cannot read is dropped there,
	// not treated as a broken socket.
	c.rd = &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		OnIntermediate: c.handleControl,
	}

	client := stomp.HeartBeat{Send: c.cfg.Heartbeat.Interval, Expect: c.cfg.Heartbeat.Interval}
	if err := c.writeFrame(c.connectFrame(credential, client)); err != nil {
		c.fail(fmt.Errorf("ws: send CONNECT: %w", err))
		return
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	f, err := c.readFrame()
	if err != nil {
		c.fail(fmt.Errorf("ws: awaiting CONNECTED: %w", err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	switch f.Command {
	case frame.CONNECTED:
		server, err := stomp.ParseHeartBeat(f.Header.Get(frame.HeartBeat))
		if err != nil {
			c.log.Warn("ignoring server heart-beat", zap.Error(err))
		}
		c.send, c.expect = stomp.Negotiate(client, server)
		c.log.Info("connected",
			zap.String("version", f.Header.Get(frame.Version)),
			zap.Duration("heartbeat_send", c.send),
			zap.Duration("heartbeat_expect", c.expect))
		c.loop.Post(func() { c.events.Connected(c) })
	case frame.ERROR:
		reason := f.Header.Get(frame.Message)
		if reason == "" {
			reason = string(bytes.TrimSpace(f.Body))
		}
		c.reject(conn, reason)
		return
	default:
		c.fail(fmt.Errorf("ws: unexpected %s frame before CONNECTED", f.Command))
		return
	}

	c.readLoop()
}

func (c *Connection) connectFrame(credential string, hb stomp.HeartBeat) *frame.Frame {
	host := c.cfg.Host
	if host == "" {
		if u, err := url.Parse(c.cfg.URL); err == nil {
			host = u.Hostname()
		}
	}
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, stomp.Version,
		frame.Host, host,
		frame.HeartBeat, hb.String(),
	)
	if credential != "" {
		f.Header.Add(stomp.Authorization, "Bearer "+credential)
	}
	return f
}

// readLoop reads frames after CONNECTED and posts them to the loop.
func (c *Connection) readLoop() {
	for {
		data, err := c.readMessage()
		if errors.Is(err, errMessageTooLarge) {
			c.log.Warn("dropping oversized message", zap.Int64("limit", c.cfg.MaxMessageSize))
			c.loop.Post(func() { c.events.Alive(c) })
			continue
		}
		if err != nil {
			c.fail(fmt.Errorf("ws: read: %w", err))
			return
		}

		f, err := stomp.Decode(data)
		if err != nil {
			c.log.Warn("dropping unparsable frame", zap.Error(err))
			c.loop.Post(func() { c.events.Alive(c) })
			continue
		}
		if f == nil {
			c.loop.Post(func() { c.events.Alive(c) })
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			sub := f.Header.Get(frame.Subscription)
			body := f.Body
			c.loop.Post(func() { c.events.Received(c, sub, body) })
		case frame.ERROR:
			c.fail(fmt.Errorf("ws: server error: %s", f.Header.Get(frame.Message)))
			return
		default:
			c.loop.Post(func() { c.events.Alive(c) })
		}
	}
}

// readFrame returns the next non-heart-beat frame.
func (c *Connection) readFrame() (*frame.Frame, error) {
	for {
		data, err := c.readMessage()
		if err != nil {
			return nil, err
		}
		f, err := stomp.Decode(data)
		if err != nil || f != nil {
			return f, err
		}
	}
}

// readMessage returns the payload of the next data message, answering
// control frames along the way.
func (c *Connection) readMessage() ([]byte, error) {
	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := c.rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return c.readPayload()
	}
}

// readPayload reads the current message, fragments included. The remainder
// of an oversized message is discarded so the stream stays in sync.
func (c *Connection) readPayload() ([]byte, error) {
	limit := c.cfg.MaxMessageSize
	if limit <= 0 {
		return io.ReadAll(c.rd)
	}
	data, err := io.ReadAll(io.LimitReader(c.rd, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		if _, err := io.Copy(io.Discard, c.rd); err != nil {
			return nil, err
		}
		return nil, errMessageTooLarge
	}
	return data, nil
}

// handleControl answers pings and close frames. The reply is buffered and
// written under writeMu so it cannot interleave with frames written by the
// loop.
func (c *Connection) handleControl(hdr ws.Header, r io.Reader) error {
	var reply bytes.Buffer
	err := wsutil.ControlFrameHandler(&reply, ws.StateClientSide)(hdr, r)
	if reply.Len() > 0 {
		if werr := c.writeRaw(reply.Bytes()); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// reject closes the socket and reports that the server refused the
// credential. conn is nil when the refusal came with the upgrade response.
func (c *Connection) reject(conn net.Conn, reason string) {
	if _, ok := c.markClosed(); !ok {
		return
	}
	if conn != nil {
		conn.Close()
	}
	c.log.Info("credential rejected", zap.String("reason", reason))
	c.loop.Post(func() { c.events.Rejected(c, reason) })
}

// fail closes the socket and reports err, unless the connection was already
// closed on purpose.
func (c *Connection) fail(err error) {
	conn, ok := c.markClosed()
	if !ok {
		return
	}
	if conn != nil {
		conn.Close()
	}
	c.log.Debug("connection failed", zap.Error(err))
	c.loop.Post(func() { c.events.Closed(c, err) })
}

// markClosed flags the connection closed. ok is false if it already was;
// conn is nil if the socket does not exist yet.
func (c *Connection) markClosed() (conn net.Conn, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	c.closed = true
	return c.conn, true
}

func (c *Connection) writeFrame(f *frame.Frame) error {
	data, err := stomp.Encode(f)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Connection) write(data []byte) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if conn == nil || closed {
		return errNotOpen
	}
	return c.writeTo(conn, data)
}

// writeTo sends data as one text message.
func (c *Connection) writeTo(conn net.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// writeRaw writes already framed bytes.
func (c *Connection) writeRaw(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotOpen
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := conn.Write(data)
	return err
}

var _ realtime.Conn = (*Connection)(nil)
