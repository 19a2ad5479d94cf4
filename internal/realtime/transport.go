package realtime

import "time"

// Conn is one physical connection to the message broker. Its methods are
// called on the loop goroutine and must not block for longer than a single
// socket write.
type Conn interface {
	// ID identifies the physical connection in logs.
	ID() string
	Subscribe(id, destination string) error
	Unsubscribe(id string) error
	Send(destination string, body []byte) error
	// Ping writes an outgoing heart-beat.
	Ping() error
	// Heartbeat returns the negotiated intervals. It is only meaningful after
	// ConnEvents.Connected.
	Heartbeat() (send, expect time.Duration)
	// Close releases the connection. It never triggers ConnEvents.Closed.
	Close() error
}

// ConnEvents receives the lifecycle of a Conn. Every call happens on the loop
// goroutine.
type ConnEvents interface {
	Connected(c Conn)
	Rejected(c Conn, reason string)
	Received(c Conn, subscriptionID string, body []byte)
	// Alive reports inbound traffic that carries no message, such as a
	// heart-beat.
	Alive(c Conn)
	Closed(c Conn, err error)
}

// Dialer opens physical connections. Dial returns immediately; the handshake
// outcome is reported through events, never before Dial has returned.
type Dialer interface {
	Dial(credential string, events ConnEvents) Conn
}
