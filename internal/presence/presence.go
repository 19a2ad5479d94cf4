// Package presence tracks which users are online from the PRESENCE_UPDATE
// events broadcast on the presence topic.
package presence

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/chatsync/internal/loop"
	"github.com/whisper/chatsync/internal/protocol"
)

// Entry is the last known presence of one user.
type Entry struct {
	UserID    string
	Online    bool
	UpdatedAt time.Time
}

// Tracker keeps the latest presence per user. All methods run on the loop
// goroutine.
type Tracker struct {
	sched    loop.Scheduler
	log      *zap.Logger
	entries  map[string]Entry
	onChange []func(Entry)
}

// NewTracker creates an empty Tracker.
func NewTracker(sched loop.Scheduler, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		sched:   sched,
		log:     log.Named("presence"),
		entries: make(map[string]Entry),
	}
}

// HandleEvent implements router.Handler.
func (t *Tracker) HandleEvent(ev protocol.Event) {
	if ev.Type != protocol.PresenceUpdate {
		return
	}
	p, err := ev.Presence()
	if err != nil {
		t.log.Warn("dropping presence event", zap.Error(err))
		return
	}

	prev, known := t.entries[p.UserID]
	e := Entry{UserID: p.UserID, Online: p.IsOnline, UpdatedAt: t.sched.Now()}
	t.entries[p.UserID] = e
	if known && prev.Online == e.Online {
		return
	}
	for _, fn := range t.onChange {
		fn(e)
	}
}

// Online reports whether the user was last seen online.
func (t *Tracker) Online(userID string) bool {
	return t.entries[userID].Online
}

// Lookup returns the last known presence of a user.
func (t *Tracker) Lookup(userID string) (Entry, bool) {
	e, ok := t.entries[userID]
	return e, ok
}

// OnlineUsers returns the ids of online users, sorted.
func (t *Tracker) OnlineUsers() []string {
	var ids []string
	for id, e := range t.entries {
		if e.Online {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// OnChange registers fn to be called when a user goes online or offline.
func (t *Tracker) OnChange(fn func(Entry)) {
	t.onChange = append(t.onChange, fn)
}
