package stomp

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

func TestEncodeDecodeMessage(t *testing.T) {
	f := frame.New(frame.MESSAGE,
		frame.Subscription, "sub-1",
		frame.Destination, "/topic/workspace/w1/channel/c1",
		frame.MessageId, "m:1",
	)
	f.Body = []byte(`{"type":"MESSAGE_SENT"}`)

	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if !strings.Contains(string(data), "content-length:23\n") {
		t.Errorf("expected content-length header in %q", data)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got.Command != frame.MESSAGE {
		t.Errorf("expected command %q, got %q", frame.MESSAGE, got.Command)
	}
	if got.Header.Get(frame.Subscription) != "sub-1" {
		t.Errorf("unexpected subscription header %q", got.Header.Get(frame.Subscription))
	}
	// The colon in the message id survives escaping.
	if got.Header.Get(frame.MessageId) != "m:1" {
		t.Errorf("unexpected message-id %q", got.Header.Get(frame.MessageId))
	}
	if string(got.Body) != `{"type":"MESSAGE_SENT"}` {
		t.Errorf("unexpected body %q", got.Body)
	}
}

func TestDecodeSkipsLeadingHeartbeats(t *testing.T) {
	f, err := Decode([]byte("\n\nMESSAGE\nsubscription:sub-2\n\nhello\x00"))
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if f == nil || f.Header.Get(frame.Subscription) != "sub-2" || string(f.Body) != "hello" {
		t.Errorf("unexpected frame: %+v", f)
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	f, err := Decode(Heartbeat)
	if err != nil || f != nil {
		t.Fatalf("expected nil frame and no error, got %+v, %v", f, err)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := Decode([]byte("MESSAGE\ncontent-length:10\n\nab\x00")); err == nil {
		t.Error("expected error for short body")
	}
}

func TestIsHeartbeat(t *testing.T) {
	if !IsHeartbeat([]byte("\n")) || !IsHeartbeat([]byte("\r\n")) {
		t.Error("EOL should be a heart-beat")
	}
	if IsHeartbeat(nil) || IsHeartbeat([]byte("MESSAGE\n")) {
		t.Error("frame or empty data should not be a heart-beat")
	}
}

func TestHeartBeatNegotiation(t *testing.T) {
	client := HeartBeat{Send: 10 * time.Second, Expect: 10 * time.Second}

	server, err := ParseHeartBeat("0,0")
	if err != nil {
		t.Fatalf("ParseHeartBeat() error: %v", err)
	}
	if send, expect := Negotiate(client, server); send != 0 || expect != 0 {
		t.Errorf("server without heart-beats: expected 0,0 got %s,%s", send, expect)
	}

	server, _ = ParseHeartBeat("20000,5000")
	send, expect := Negotiate(client, server)
	if send != 10*time.Second {
		t.Errorf("expected send 10s, got %s", send)
	}
	if expect != 20*time.Second {
		t.Errorf("expected expect 20s, got %s", expect)
	}

	if client.String() != "10000,10000" {
		t.Errorf("unexpected header value %q", client.String())
	}
	if hb, err := ParseHeartBeat(""); err != nil || hb != (HeartBeat{}) {
		t.Errorf("absent header: got %+v, %v", hb, err)
	}
	if _, err := ParseHeartBeat("abc"); err == nil {
		t.Error("expected error for malformed heart-beat")
	}
}
