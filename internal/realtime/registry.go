package realtime

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/whisper/chatsync/internal/metrics"
)

// Status is the lifecycle state of a logical subscription.
type Status int

const (
	// Pending subscriptions wait for the next Connected transition.
	Pending Status = iota
	// Active subscriptions exist on the live connection.
	Active
)

func (s Status) String() string {
	if s == Active {
		return "active"
	}
	return "pending"
}

// Message is one frame delivered to a subscription handler.
type Message struct {
	SubscriptionID string
	Destination    string
	Body           []byte
}

// Handler receives the messages of one subscription on the loop goroutine.
type Handler func(Message)

type subscription struct {
	id          string
	destination string
	handler     Handler
	status      Status
}

// Registry tracks logical subscriptions independently of the physical
// connection. Entries created while offline wait in creation order and are
// activated on the next connection; a lost connection turns every entry back
// to pending.
type Registry struct {
	log   *zap.Logger
	seq   int
	subs  map[string]*subscription
	order []*subscription
	conn  Conn

	// onBroken is told about a connection that failed a SUBSCRIBE write.
	onBroken func(c Conn, err error)
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:  log.Named("registry"),
		subs: make(map[string]*subscription),
	}
}

// Subscribe registers handler for destination and returns the subscription
// id. It is valid in any connection state. Two subscriptions to the same
// destination are independent.
func (r *Registry) Subscribe(destination string, handler Handler) string {
	r.seq++
	s := &subscription{
		id:          fmt.Sprintf("sub-%d", r.seq),
		destination: destination,
		handler:     handler,
	}
	r.subs[s.id] = s
	r.order = append(r.order, s)
	var err error
	conn := r.conn
	if conn != nil {
		err = r.activate(s)
	}
	r.updateGauges()
	if err != nil {
		r.broken(conn, err)
	}
	return s.id
}

// Unsubscribe removes the subscription. Unknown ids are ignored. Once it
// returns, the handler is never called again.
func (r *Registry) Unsubscribe(id string) {
	s, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.subs, id)
	for i, o := range r.order {
		if o == s {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	if s.status == Active && r.conn != nil {
		if err := r.conn.Unsubscribe(id); err != nil {
			r.log.Warn("unsubscribe failed", zap.String("id", id), zap.Error(err))
		}
	}
	r.updateGauges()
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	return len(r.subs)
}

// Status returns the status of a subscription and whether it exists.
func (r *Registry) Status(id string) (Status, bool) {
	s, ok := r.subs[id]
	if !ok {
		return Pending, false
	}
	return s.status, true
}

// attach activates every pending subscription, in creation order, on c.
func (r *Registry) attach(c Conn) {
	r.conn = c
	var err error
	for _, s := range r.order {
		if s.status != Pending {
			continue
		}
		if err = r.activate(s); err != nil {
			break
		}
	}
	r.updateGauges()
	if err != nil {
		r.broken(c, err)
	}
}

// detach reverts every subscription to pending after the connection is gone.
func (r *Registry) detach() {
	r.conn = nil
	for _, s := range r.order {
		s.status = Pending
	}
	r.updateGauges()
}

func (r *Registry) activate(s *subscription) error {
	if err := r.conn.Subscribe(s.id, s.destination); err != nil {
		r.log.Error("subscribe failed", zap.String("id", s.id),
			zap.String("destination", s.destination), zap.Error(err))
		return fmt.Errorf("realtime: subscribe %s: %w", s.destination, err)
	}
	s.status = Active
	r.log.Debug("subscribed", zap.String("id", s.id), zap.String("destination", s.destination))
	return nil
}

// broken hands a connection that cannot carry subscriptions back to its
// owner. The entry stays pending and is activated on the next connection.
func (r *Registry) broken(c Conn, err error) {
	if r.onBroken != nil {
		r.onBroken(c, err)
	}
}

// deliver routes a frame by subscription id. Frames for unknown or pending
// subscriptions are dropped.
func (r *Registry) deliver(id string, body []byte) {
	s, ok := r.subs[id]
	if !ok || s.status != Active {
		r.log.Debug("dropping frame for inactive subscription", zap.String("id", id))
		return
	}
	defer func() {
		if p := recover(); p != nil {
			metrics.HandlerPanicsTotal.WithLabelValues("registry").Inc()
			r.log.Error("subscription handler panicked",
				zap.String("id", id), zap.String("destination", s.destination), zap.Any("panic", p))
		}
	}()
	s.handler(Message{SubscriptionID: s.id, Destination: s.destination, Body: body})
}

func (r *Registry) updateGauges() {
	active := 0
	for _, s := range r.order {
		if s.status == Active {
			active++
		}
	}
	metrics.Subscriptions.WithLabelValues("active").Set(float64(active))
	metrics.Subscriptions.WithLabelValues("pending").Set(float64(len(r.order) - active))
}
