package realtime

import (
	"go.uber.org/zap"

	"github.com/whisper/chatsync/internal/loop"
)

// Service is the long-lived real-time object handed to views. It combines the
// connection Manager with the subscription Registry so subscriptions follow
// the connection across reconnects. Like its parts, it must only be used on
// the loop goroutine.
type Service struct {
	manager  *Manager
	registry *Registry
}

// NewService wires a Manager and a Registry over d.
func NewService(d Dialer, sched loop.Scheduler, cfg Config, log *zap.Logger) *Service {
	m := NewManager(d, sched, cfg, log)
	r := NewRegistry(log)
	m.onReady = r.attach
	m.onLost = r.detach
	m.onMessage = r.deliver
	r.onBroken = m.lost
	return &Service{manager: m, registry: r}
}

// Connect opens a connection with credential. See Manager.Connect.
func (s *Service) Connect(credential string) { s.manager.Connect(credential) }

// SetCredential follows a changing credential. See Manager.SetCredential.
func (s *Service) SetCredential(credential string) { s.manager.SetCredential(credential) }

// Disconnect closes the connection and stops retrying.
func (s *Service) Disconnect() { s.manager.Disconnect() }

func (s *Service) IsConnected() bool { return s.manager.IsConnected() }

func (s *Service) State() State { return s.manager.State() }

// OnStateChange registers a state listener. Listeners run before pending
// subscriptions are activated.
func (s *Service) OnStateChange(fn func(State)) (cancel func()) {
	return s.manager.OnStateChange(fn)
}

// OnAuthRejected registers a hook for credential rejection.
func (s *Service) OnAuthRejected(fn func(error)) (cancel func()) {
	return s.manager.OnAuthRejected(fn)
}

// Subscribe registers a logical subscription. See Registry.Subscribe.
func (s *Service) Subscribe(destination string, handler Handler) string {
	return s.registry.Subscribe(destination, handler)
}

// Unsubscribe removes a logical subscription.
func (s *Service) Unsubscribe(id string) { s.registry.Unsubscribe(id) }

// Publish sends body to destination, or returns ErrNotConnected.
func (s *Service) Publish(destination string, body []byte) error {
	return s.manager.Publish(destination, body)
}

// Subscriptions exposes the registry for introspection.
func (s *Service) Subscriptions() *Registry { return s.registry }
