package invalidation

import (
	"go.uber.org/zap"

	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
)

// Invalidator marks cached queries stale. Implementations must not block the
// loop goroutine.
type Invalidator interface {
	Invalidate(key Key)
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func(key Key)

func (f InvalidatorFunc) Invalidate(key Key) { f(key) }

// KeysFor returns the keys an event makes stale, most specific first. Typing
// and presence events return nil.
func KeysFor(ev protocol.Event) []Key {
	ws := ev.WorkspaceID
	switch {
	case ev.Type.IsMessage():
		var keys []Key
		switch {
		case ev.ChannelID != "":
			keys = append(keys, MessagesKey(MessageFilter{ChannelID: ev.ChannelID}))
		case ev.ConversationID != "":
			keys = append(keys, MessagesKey(MessageFilter{ConversationID: ev.ConversationID}))
		}
		// The event does not say which thread or entry changed.
		return append(keys, AllMessages(), AllMessageEntries())
	case ev.Type.IsMember():
		return []Key{MembersKey(ws), CurrentMemberKey(ws)}
	case ev.Type.IsChannel():
		return []Key{ChannelsKey(ws)}
	case ev.Type.IsConversation():
		return []Key{ConversationsKey(ws)}
	case ev.Type == protocol.WorkspaceCreated:
		return []Key{WorkspacesKey()}
	case ev.Type.IsWorkspace():
		return []Key{WorkspacesKey(), WorkspaceKey(ws)}
	default:
		return nil
	}
}

// Bridge is a router handler that invalidates the keys of every event it
// receives.
type Bridge struct {
	inv Invalidator
	log *zap.Logger
}

// NewBridge creates a Bridge that invalidates through inv.
func NewBridge(inv Invalidator, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{inv: inv, log: log.Named("invalidation")}
}

// HandleEvent implements router.Handler.
func (b *Bridge) HandleEvent(ev protocol.Event) {
	for _, k := range KeysFor(ev) {
		metrics.InvalidationsTotal.WithLabelValues(string(k.Resource)).Inc()
		b.log.Debug("invalidate", zap.String("type", string(ev.Type)), zap.Stringer("key", k))
		invoke(b.log, b.inv, k)
	}
}

// Multi fans an invalidation out to several sinks. A sink that panics does
// not stop the rest.
type Multi struct {
	sinks []Invalidator
	log   *zap.Logger
}

// NewMulti creates a Multi over sinks.
func NewMulti(log *zap.Logger, sinks ...Invalidator) *Multi {
	if log == nil {
		log = zap.NewNop()
	}
	return &Multi{sinks: sinks, log: log.Named("invalidation")}
}

// Add appends a sink.
func (m *Multi) Add(sink Invalidator) {
	m.sinks = append(m.sinks, sink)
}

func (m *Multi) Invalidate(key Key) {
	for _, s := range m.sinks {
		invoke(m.log, s, key)
	}
}

func invoke(log *zap.Logger, inv Invalidator, key Key) {
	defer func() {
		if p := recover(); p != nil {
			metrics.HandlerPanicsTotal.WithLabelValues("invalidation").Inc()
			log.Error("invalidator panicked", zap.Stringer("key", key), zap.Any("panic", p))
		}
	}()
	inv.Invalidate(key)
}
