package loop

import (
	"sort"
	"time"
)

// Timer is a one-shot scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It returns false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Scheduler is the clock used by loop-bound components. Callbacks passed to
// AfterFunc always run on the loop goroutine.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Virtual is a manually advanced Scheduler. Callbacks run synchronously inside
// Advance, on the caller's goroutine, which plays the role of the loop. It is
// not safe for concurrent use.
type Virtual struct {
	now    time.Time
	seq    uint64
	timers []*virtualTimer
}

// NewVirtual returns a Virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

// Now returns the current virtual time.
func (v *Virtual) Now() time.Time {
	return v.now
}

// AfterFunc schedules fn to run once the virtual clock reaches now+d.
func (v *Virtual) AfterFunc(d time.Duration, fn func()) Timer {
	if d < 0 {
		d = 0
	}
	v.seq++
	t := &virtualTimer{v: v, at: v.now.Add(d), seq: v.seq, fn: fn, active: true}
	v.timers = append(v.timers, t)
	return t
}

// Advance moves the clock forward by d, running every timer that falls due in
// deadline order. Timers scheduled by callbacks run too if they fall inside
// the window.
func (v *Virtual) Advance(d time.Duration) {
	end := v.now.Add(d)
	for {
		t := v.next(end)
		if t == nil {
			break
		}
		v.remove(t)
		t.active = false
		if t.at.After(v.now) {
			v.now = t.at
		}
		t.fn()
	}
	v.now = end
}

// Pending returns the number of scheduled timers that have not fired.
func (v *Virtual) Pending() int {
	return len(v.timers)
}

func (v *Virtual) next(end time.Time) *virtualTimer {
	if len(v.timers) == 0 {
		return nil
	}
	sort.SliceStable(v.timers, func(i, j int) bool {
		a, b := v.timers[i], v.timers[j]
		if a.at.Equal(b.at) {
			return a.seq < b.seq
		}
		return a.at.Before(b.at)
	})
	if t := v.timers[0]; !t.at.After(end) {
		return t
	}
	return nil
}

func (v *Virtual) remove(t *virtualTimer) {
	for i, other := range v.timers {
		if other == t {
			v.timers = append(v.timers[:i], v.timers[i+1:]...)
			return
		}
	}
}

type virtualTimer struct {
	v      *Virtual
	at     time.Time
	seq    uint64
	fn     func()
	active bool
}

func (t *virtualTimer) Stop() bool {
	if !t.active {
		return false
	}
	t.active = false
	t.v.remove(t)
	return true
}
