package realtime

import "errors"

var (
	// ErrNotConnected is returned by Publish when there is no live connection.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrAuthRejected is wrapped by AuthRejectedError.
	ErrAuthRejected = errors.New("realtime: authentication rejected")

	// ErrHeartbeatTimeout is the transport error raised when the server has
	// been silent for longer than the negotiated heart-beat window.
	ErrHeartbeatTimeout = errors.New("realtime: heartbeat timeout")
)

// AuthRejectedError reports that the server refused the credential during the
// handshake. It is fatal for that credential: the manager will not retry until
// a different credential is supplied.
type AuthRejectedError struct {
	Reason string
}

func (e *AuthRejectedError) Error() string {
	if e.Reason == "" {
		return ErrAuthRejected.Error()
	}
	return ErrAuthRejected.Error() + ": " + e.Reason
}

func (e *AuthRejectedError) Unwrap() error {
	return ErrAuthRejected
}
