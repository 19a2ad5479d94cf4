// Package router decodes frames delivered on real-time subscriptions into
// domain events and fans each event out to the handlers bound to its
// destination.
package router

import (
	"errors"

	"go.uber.org/zap"

	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/realtime"
)

// Subscriber is the part of realtime.Service the router needs.
type Subscriber interface {
	Subscribe(destination string, handler realtime.Handler) string
	Unsubscribe(id string)
}

// Handler consumes decoded events.
type Handler interface {
	HandleEvent(ev protocol.Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev protocol.Event)

func (f HandlerFunc) HandleEvent(ev protocol.Event) { f(ev) }

type binding struct {
	handler Handler
	active  bool
}

type route struct {
	subscriptionID string
	bindings       []*binding
}

// Router keeps one registry subscription per destination, however many
// handlers are bound to it. All methods run on the loop goroutine.
type Router struct {
	sub    Subscriber
	log    *zap.Logger
	routes map[string]*route
}

// New creates a Router on top of sub.
func New(sub Subscriber, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		sub:    sub,
		log:    log.Named("router"),
		routes: make(map[string]*route),
	}
}

// Handle binds h to destination. Handlers of one destination run in the order
// they were bound. The returned detach function is idempotent; detaching the
// last handler of a destination unsubscribes from it.
func (r *Router) Handle(destination string, h Handler) (detach func()) {
	rt, ok := r.routes[destination]
	if !ok {
		rt = &route{}
		r.routes[destination] = rt
		rt.subscriptionID = r.sub.Subscribe(destination, r.receive)
	}
	b := &binding{handler: h, active: true}
	rt.bindings = append(rt.bindings, b)

	return func() {
		if !b.active {
			return
		}
		b.active = false
		for i, other := range rt.bindings {
			if other == b {
				rt.bindings = append(rt.bindings[:i:i], rt.bindings[i+1:]...)
				break
			}
		}
		if len(rt.bindings) == 0 && r.routes[destination] == rt {
			delete(r.routes, destination)
			r.sub.Unsubscribe(rt.subscriptionID)
		}
	}
}

// Routes returns the number of destinations with at least one handler.
func (r *Router) Routes() int {
	return len(r.routes)
}

func (r *Router) receive(msg realtime.Message) {
	ev, err := protocol.Decode(msg.Body)
	if err != nil {
		var malformed *protocol.MalformedEventError
		if errors.As(err, &malformed) {
			metrics.MalformedEventsTotal.Inc()
		}
		r.log.Warn("dropping event",
			zap.String("destination", msg.Destination),
			zap.String("subscription", msg.SubscriptionID),
			zap.Error(err))
		return
	}
	metrics.EventsTotal.WithLabelValues(string(ev.Type)).Inc()
	r.Dispatch(msg.Destination, ev)
}

// Dispatch hands ev to every handler bound to destination. A handler that
// panics does not prevent the others from running, and a handler detached by
// an earlier one in the same dispatch is skipped.
func (r *Router) Dispatch(destination string, ev protocol.Event) {
	rt, ok := r.routes[destination]
	if !ok {
		return
	}
	bindings := append([]*binding(nil), rt.bindings...)
	for _, b := range bindings {
		if b.active {
			r.call(b.handler, destination, ev)
		}
	}
}

func (r *Router) call(h Handler, destination string, ev protocol.Event) {
	defer func() {
		if p := recover(); p != nil {
			metrics.HandlerPanicsTotal.WithLabelValues("router").Inc()
			r.log.Error("event handler panicked",
				zap.String("destination", destination),
				zap.String("type", string(ev.Type)),
				zap.Any("panic", p))
		}
	}()
	h.HandleEvent(ev)
}
