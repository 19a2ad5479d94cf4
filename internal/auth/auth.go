// Package auth holds the bearer token the real-time client connects with and
// signs the user out when the server refuses it.
package auth

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Source is the current token plus change notification. It is safe for
// concurrent use. An empty token means signed out.
type Source struct {
	mu        sync.Mutex
	token     string
	listeners map[int]func(string)
	nextID    int
	log       *zap.Logger
}

// NewSource creates a Source holding token.
func NewSource(token string, log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{
		token:     token,
		listeners: make(map[int]func(string)),
		log:       log.Named("auth"),
	}
}

// Token returns the current token.
func (s *Source) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Set replaces the token and notifies listeners if it changed.
func (s *Source) Set(token string) {
	s.mu.Lock()
	if token == s.token {
		s.mu.Unlock()
		return
	}
	s.token = token
	fns := make([]func(string), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(token)
	}
}

// Logout clears the token.
func (s *Source) Logout() {
	if s.Token() != "" {
		s.log.Info("signed out")
	}
	s.Set("")
}

// OnChange registers fn to be called with every new token. Listeners run on
// the goroutine that called Set.
func (s *Source) OnChange(fn func(token string)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Session is the part of realtime.Service that follows the credential.
type Session interface {
	SetCredential(credential string)
	OnAuthRejected(fn func(error)) (cancel func())
}

// Poster runs closures on the goroutine that owns the Session.
type Poster interface {
	Post(fn func()) bool
}

// ErrLoopStopped is returned by Bind when the session's loop no longer runs.
var ErrLoopStopped = errors.New("auth: event loop stopped")

// Bind keeps sess connected with the current token of src: every token change
// is applied with SetCredential, and an auth rejection logs the user out. All
// session calls are posted through lp.
func Bind(src *Source, sess Session, lp Poster) (unbind func(), err error) {
	var cancelRejected func()

	if !lp.Post(func() {
		cancelRejected = sess.OnAuthRejected(func(err error) {
			src.log.Warn("credential rejected", zap.Error(err))
			src.Logout()
		})
		sess.SetCredential(src.Token())
	}) {
		return nil, ErrLoopStopped
	}

	cancelChange := src.OnChange(func(token string) {
		lp.Post(func() { sess.SetCredential(token) })
	})

	return func() {
		cancelChange()
		lp.Post(func() {
			if cancelRejected != nil {
				cancelRejected()
			}
		})
	}, nil
}
