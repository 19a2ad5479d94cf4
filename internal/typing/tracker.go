package typing

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/chatsync/internal/loop"
	"github.com/whisper/chatsync/internal/protocol"
)

// Entry is one remote user currently typing.
type Entry struct {
	UserID      string
	DisplayName string
	ExpiresAt   time.Time

	seq   uint64
	timer loop.Timer
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// SelfID is the local viewer, never tracked.
	SelfID string
	// Scope restricts the tracker to one channel or conversation. Events for
	// other scopes are ignored.
	Scope protocol.Scope
	// Expiry is how long an entry lives without a refresh.
	Expiry time.Duration
	// ResolveName maps a user id to a display name when the event carries
	// none. Optional.
	ResolveName func(userID string) string
}

// Tracker keeps the remote users typing in one view. Entries expire on their
// own when the stop signal is lost. All methods run on the loop goroutine.
type Tracker struct {
	sched    loop.Scheduler
	cfg      TrackerConfig
	log      *zap.Logger
	seq      uint64
	entries  map[string]*Entry
	onChange []func([]Entry)
}

// NewTracker creates an empty Tracker. A non-positive expiry selects
// DefaultExpiry.
func NewTracker(sched loop.Scheduler, cfg TrackerConfig, log *zap.Logger) *Tracker {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		sched:   sched,
		cfg:     cfg,
		log:     log.Named("typing"),
		entries: make(map[string]*Entry),
	}
}

// HandleEvent implements router.Handler. Only TYPING_UPDATE events for the
// tracker's scope are considered.
func (t *Tracker) HandleEvent(ev protocol.Event) {
	if ev.Type != protocol.TypingUpdate {
		return
	}
	if t.cfg.Scope.WorkspaceID != "" && !t.cfg.Scope.Contains(ev.Scope()) {
		return
	}
	p, err := ev.Typing()
	if err != nil {
		t.log.Warn("dropping typing event", zap.Error(err))
		return
	}
	t.Update(p)
}

// Update applies one typing signal.
func (t *Tracker) Update(p protocol.TypingPayload) {
	if p.UserID == "" || p.UserID == t.cfg.SelfID {
		return
	}
	if !p.IsTyping {
		if e, ok := t.entries[p.UserID]; ok {
			e.timer.Stop()
			delete(t.entries, p.UserID)
			t.changed()
		}
		return
	}

	e, ok := t.entries[p.UserID]
	if !ok {
		t.seq++
		e = &Entry{UserID: p.UserID, seq: t.seq}
		t.entries[p.UserID] = e
	} else {
		e.timer.Stop()
	}
	name := t.displayName(p)
	fresh := !ok || e.DisplayName != name
	e.DisplayName = name
	e.ExpiresAt = t.sched.Now().Add(t.cfg.Expiry)
	e.timer = t.sched.AfterFunc(t.cfg.Expiry, t.sweep)
	if fresh {
		t.changed()
	}
}

// Typers returns the current entries in the order their users started typing.
func (t *Tracker) Typers() []Entry {
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, Entry{UserID: e.UserID, DisplayName: e.DisplayName, ExpiresAt: e.ExpiresAt, seq: e.seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Names returns the display names of Typers.
func (t *Tracker) Names() []string {
	typers := t.Typers()
	names := make([]string, len(typers))
	for i, e := range typers {
		names[i] = e.DisplayName
	}
	return names
}

// Text renders the indicator line for the view.
func (t *Tracker) Text() string {
	return Text(t.Names())
}

// OnChange registers fn to receive the entries whenever the set changes.
func (t *Tracker) OnChange(fn func([]Entry)) {
	t.onChange = append(t.onChange, fn)
}

// Close cancels every expiry timer and forgets all entries.
func (t *Tracker) Close() {
	for id, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, id)
	}
	t.onChange = nil
}

// sweep removes every entry whose deadline has passed.
func (t *Tracker) sweep() {
	now := t.sched.Now()
	removed := false
	for id, e := range t.entries {
		if !e.ExpiresAt.After(now) {
			e.timer.Stop()
			delete(t.entries, id)
			removed = true
		}
	}
	if removed {
		t.changed()
	}
}

func (t *Tracker) displayName(p protocol.TypingPayload) string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if t.cfg.ResolveName != nil {
		if name := t.cfg.ResolveName(p.UserID); name != "" {
			return name
		}
	}
	return p.UserID
}

func (t *Tracker) changed() {
	if len(t.onChange) == 0 {
		return
	}
	typers := t.Typers()
	for _, fn := range t.onChange {
		fn(typers)
	}
}

// Text renders an indicator line: nothing for no one, names for one or two
// people, and a generic line for more.
func Text(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing"
	case 2:
		return fmt.Sprintf("%s and %s are typing", names[0], names[1])
	default:
		return "Several people are typing"
	}
}
