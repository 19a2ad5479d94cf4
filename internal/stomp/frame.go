// Package stomp carries STOMP 1.2 frames over a message-oriented transport:
// one WebSocket message holds one frame or a heart-beat. Framing itself is
// go-stomp's frame codec.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"
)

// Version is the protocol version the client speaks.
const Version = "1.2"

// Authorization carries the bearer token on CONNECT. The broker reads it the
// way it reads the HTTP header of the same name.
const Authorization = "Authorization"

// ErrEmptyMessage is returned by Decode for a message with no frame in it.
var ErrEmptyMessage = errors.New("stomp: empty message")

// Heartbeat is the payload of an outgoing heart-beat.
var Heartbeat = []byte{'\n'}

// Encode serializes f into one message. A frame with a body and no
// content-length header gets one.
func Encode(f *frame.Frame) ([]byte, error) {
	if len(f.Body) > 0 && f.Header.Get(frame.ContentLength) == "" {
		f.Header.Set(frame.ContentLength, strconv.Itoa(len(f.Body)))
	}
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("stomp: encode %s: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// Decode reads the frame held by one message. Heart-beat end-of-lines before
// the frame are skipped; a message made of nothing else decodes to a nil
// frame and no error.
func Decode(data []byte) (*frame.Frame, error) {
	if IsHeartbeat(data) {
		return nil, nil
	}
	r := frame.NewReader(bytes.NewReader(data))
	for {
		f, err := r.Read()
		switch {
		case errors.Is(err, io.EOF) && f == nil:
			return nil, ErrEmptyMessage
		case err != nil:
			return nil, fmt.Errorf("stomp: decode: %w", err)
		case f != nil:
			return f, nil
		}
	}
}

// IsHeartbeat reports whether data consists only of end-of-line bytes.
func IsHeartbeat(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, c := range data {
		if c != '\n' && c != '\r' {
			return false
		}
	}
	return true
}
