package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/whisper/chatsync/internal/invalidation"
	"github.com/whisper/chatsync/internal/presence"
	"github.com/whisper/chatsync/internal/realtime"
	"github.com/whisper/chatsync/internal/typing"
)

// printer renders what the client observes as one line per change. It is
// only called on the loop goroutine.
type printer struct {
	out io.Writer
}

func (p printer) state(s realtime.State) {
	var label string
	switch s {
	case realtime.Connected:
		label = color.GreenString(s.String())
	case realtime.Connecting:
		label = color.YellowString(s.String())
	case realtime.Rejected:
		label = color.RedString(s.String())
	default:
		label = color.HiBlackString(s.String())
	}
	fmt.Fprintf(p.out, "%s %s\n", color.CyanString("state"), label)
}

// Invalidate implements invalidation.Invalidator.
func (p printer) Invalidate(key invalidation.Key) {
	fmt.Fprintf(p.out, "%s %s\n", color.MagentaString("invalidate"), key)
}

func (p printer) typing(entries []typing.Entry) {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.DisplayName
	}
	text := typing.Text(names)
	if text == "" {
		text = color.HiBlackString("nobody typing")
	}
	fmt.Fprintf(p.out, "%s %s\n", color.BlueString("typing"), text)
}

func (p printer) presence(e presence.Entry, online []string) {
	status := color.HiBlackString("offline")
	if e.Online {
		status = color.GreenString("online")
	}
	fmt.Fprintf(p.out, "%s %s %s [%s]\n", color.BlueString("presence"), e.UserID, status, strings.Join(online, ", "))
}

func (p printer) errorf(format string, args ...any) {
	fmt.Fprintf(p.out, "%s %s\n", color.RedString("error:"), fmt.Sprintf(format, args...))
}

var _ invalidation.Invalidator = printer{}
