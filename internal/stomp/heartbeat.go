package stomp

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// HeartBeat is the value of a heart-beat header: how often the sender will
// emit heart-beats and how often it wants to receive them. Zero disables a
// direction.
type HeartBeat struct {
	Send   time.Duration
	Expect time.Duration
}

// String formats the header value in milliseconds, e.g. "10000,10000".
func (h HeartBeat) String() string {
	return strconv.FormatInt(h.Send.Milliseconds(), 10) + "," + strconv.FormatInt(h.Expect.Milliseconds(), 10)
}

// ParseHeartBeat parses a heart-beat header value. An absent header means no
// heart-beats in either direction.
func ParseHeartBeat(v string) (HeartBeat, error) {
	if v == "" {
		return HeartBeat{}, nil
	}
	send, expect, err := frame.ParseHeartBeat(v)
	if err != nil {
		return HeartBeat{}, fmt.Errorf("stomp: heart-beat %q: %w", v, err)
	}
	return HeartBeat{Send: send, Expect: expect}, nil
}

// Negotiate computes the effective client intervals from the client's CONNECT
// value and the server's CONNECTED value. send is how often the client must
// write; expect is how often the server will write.
func Negotiate(client, server HeartBeat) (send, expect time.Duration) {
	if client.Send > 0 && server.Expect > 0 {
		send = max(client.Send, server.Expect)
	}
	if client.Expect > 0 && server.Send > 0 {
		expect = max(client.Expect, server.Send)
	}
	return send, expect
}
