package invalidation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/whisper/chatsync/internal/protocol"
)

func keyStrings(keys []Key) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}

func TestKeysFor(t *testing.T) {
	tests := []struct {
		name string
		ev   protocol.Event
		want []string
	}{
		{
			name: "channel message",
			ev:   protocol.Event{Type: protocol.MessageSent, WorkspaceID: "w1", ChannelID: "c1"},
			want: []string{`["messages",{"channelId":"c1"}]`, `["messages"]`, `["message"]`},
		},
		{
			name: "conversation reaction",
			ev:   protocol.Event{Type: protocol.ReactionAdded, WorkspaceID: "w1", ConversationID: "d1"},
			want: []string{`["messages",{"conversationId":"d1"}]`, `["messages"]`, `["message"]`},
		},
		{
			name: "member",
			ev:   protocol.Event{Type: protocol.MemberUpdated, WorkspaceID: "w1"},
			want: []string{`["members","w1"]`, `["currentMember","w1"]`},
		},
		{
			name: "channel",
			ev:   protocol.Event{Type: protocol.ChannelDeleted, WorkspaceID: "w1"},
			want: []string{`["channels","w1"]`},
		},
		{
			name: "workspace updated",
			ev:   protocol.Event{Type: protocol.WorkspaceUpdated, WorkspaceID: "w1"},
			want: []string{`["workspaces"]`, `["workspace","w1"]`},
		},
		{
			name: "workspace created",
			ev:   protocol.Event{Type: protocol.WorkspaceCreated, WorkspaceID: "w2"},
			want: []string{`["workspaces"]`},
		},
		{
			name: "conversation",
			ev:   protocol.Event{Type: protocol.ConversationCreated, WorkspaceID: "w1"},
			want: []string{`["conversations","w1"]`},
		},
		{
			name: "typing",
			ev:   protocol.Event{Type: protocol.TypingUpdate, WorkspaceID: "w1", ChannelID: "c1"},
			want: []string{},
		},
		{
			name: "presence",
			ev:   protocol.Event{Type: protocol.PresenceUpdate},
			want: []string{},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, keyStrings(KeysFor(tc.ev)))
		})
	}
}

func TestKeysForEveryMessageEvent(t *testing.T) {
	types := []protocol.EventType{
		protocol.MessageSent,
		protocol.MessageUpdated,
		protocol.MessageDeleted,
		protocol.ReactionAdded,
		protocol.ReactionRemoved,
	}
	for _, typ := range types {
		t.Run(string(typ), func(t *testing.T) {
			channel := protocol.Event{Type: typ, WorkspaceID: "w1", ChannelID: "c1"}
			assert.Equal(t,
				[]string{`["messages",{"channelId":"c1"}]`, `["messages"]`, `["message"]`},
				keyStrings(KeysFor(channel)))

			conversation := protocol.Event{Type: typ, WorkspaceID: "w1", ConversationID: "d1"}
			assert.Equal(t,
				[]string{`["messages",{"conversationId":"d1"}]`, `["messages"]`, `["message"]`},
				keyStrings(KeysFor(conversation)))
		})
	}
}

func TestCovers(t *testing.T) {
	channel := MessagesKey(MessageFilter{ChannelID: "c1"})
	thread := MessagesKey(MessageFilter{ParentMessageID: "m1"})

	assert.True(t, AllMessages().Covers(channel))
	assert.True(t, AllMessages().Covers(thread))
	assert.True(t, channel.Covers(channel))
	assert.False(t, channel.Covers(thread))
	assert.False(t, channel.Covers(AllMessages()))

	assert.True(t, AllMessageEntries().Covers(MessageKey("m1")))
	assert.False(t, MessageKey("m1").Covers(MessageKey("m2")))

	member := Key{Resource: CurrentMember, Args: []string{"w1", "u1"}}
	assert.True(t, CurrentMemberKey("w1").Covers(member))
	assert.False(t, CurrentMemberKey("w2").Covers(member))
	assert.False(t, MembersKey("w1").Covers(member))
}

func TestKeyJSON(t *testing.T) {
	for _, s := range []string{
		`["messages",{"channelId":"c1"}]`,
		`["messages",{"parentMessageId":"m1"}]`,
		`["members","w1"]`,
		`["workspaces"]`,
	} {
		k, err := ParseKey(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, k.String())
	}

	var k Key
	assert.Error(t, json.Unmarshal([]byte(`[]`), &k))
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &k))
	assert.Error(t, json.Unmarshal([]byte(`["members",1]`), &k))
}

func TestBridgeInvalidatesInOrder(t *testing.T) {
	var got []string
	b := NewBridge(InvalidatorFunc(func(k Key) { got = append(got, k.String()) }), zaptest.NewLogger(t))

	b.HandleEvent(protocol.Event{Type: protocol.MemberJoined, WorkspaceID: "w1"})
	b.HandleEvent(protocol.Event{Type: protocol.TypingUpdate, WorkspaceID: "w1"})

	assert.Equal(t, []string{`["members","w1"]`, `["currentMember","w1"]`}, got)
}

func TestMultiIsolatesPanics(t *testing.T) {
	var got []string
	m := NewMulti(zaptest.NewLogger(t),
		InvalidatorFunc(func(Key) { panic("sink down") }),
		InvalidatorFunc(func(k Key) { got = append(got, k.String()) }),
	)
	b := NewBridge(m, zaptest.NewLogger(t))

	b.HandleEvent(protocol.Event{Type: protocol.ChannelCreated, WorkspaceID: "w1"})
	assert.Equal(t, []string{`["channels","w1"]`}, got)
}
