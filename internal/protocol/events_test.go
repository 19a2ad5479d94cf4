package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: decoding a channel message event
// ---------------------------------------------------------------------------

func TestDecode_MessageSent(t *testing.T) {
	input := []byte(`{"type":"MESSAGE_SENT","workspaceId":"w1","channelId":"c1","payload":{"id":"m1","body":"hi"}}`)

	ev, err := Decode(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Type != MessageSent {
		t.Fatalf("expected type %q, got %q", MessageSent, ev.Type)
	}
	if ev.WorkspaceID != "w1" || ev.ChannelID != "c1" || ev.ConversationID != "" {
		t.Errorf("unexpected scope: %+v", ev.Scope())
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("payload unmarshal: %v", err)
	}
	if payload.ID != "m1" {
		t.Errorf("expected payload id m1, got %q", payload.ID)
	}
}

// ---------------------------------------------------------------------------
// Test: malformed frames
// ---------------------------------------------------------------------------

func TestDecode_Malformed(t *testing.T) {
	inputs := map[string]string{
		"invalid json":      `{"type":`,
		"missing type":      `{"workspaceId":"w1"}`,
		"unknown type":      `{"type":"SOMETHING","workspaceId":"w1"}`,
		"missing workspace": `{"type":"CHANNEL_CREATED"}`,
		"null":              `null`,
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(input))
			var malformed *MalformedEventError
			if !errors.As(err, &malformed) {
				t.Fatalf("expected *MalformedEventError, got %v", err)
			}
		})
	}
}

func TestDecode_PresenceWithoutWorkspace(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"PRESENCE_UPDATE","payload":{"userId":"u1","isOnline":true}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err := ev.Presence()
	if err != nil {
		t.Fatalf("Presence() error: %v", err)
	}
	if p.UserID != "u1" || !p.IsOnline {
		t.Errorf("unexpected presence payload: %+v", p)
	}
}

// ---------------------------------------------------------------------------
// Test: typing payloads
// ---------------------------------------------------------------------------

func TestTypingPayload(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"TYPING_UPDATE","workspaceId":"w1","conversationId":"d1","payload":{"userId":"u2","isTyping":true,"displayName":"Ana"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err := ev.Typing()
	if err != nil {
		t.Fatalf("Typing() error: %v", err)
	}
	if p.UserID != "u2" || !p.IsTyping || p.DisplayName != "Ana" {
		t.Errorf("unexpected typing payload: %+v", p)
	}
}

func TestTypingPayload_Errors(t *testing.T) {
	noPayload := Event{Type: TypingUpdate, WorkspaceID: "w1"}
	if _, err := noPayload.Typing(); err == nil {
		t.Error("expected error for missing payload")
	}

	noUser := Event{Type: TypingUpdate, WorkspaceID: "w1", Payload: json.RawMessage(`{"isTyping":true}`)}
	if _, err := noUser.Typing(); err == nil {
		t.Error("expected error for payload without userId")
	}

	wrongType := Event{Type: MessageSent, WorkspaceID: "w1", Payload: json.RawMessage(`{}`)}
	if _, err := wrongType.Typing(); err == nil {
		t.Error("expected error for non-typing event")
	}
}

// ---------------------------------------------------------------------------
// Test: event type classification
// ---------------------------------------------------------------------------

func TestEventTypeClassification(t *testing.T) {
	for _, typ := range []EventType{MessageSent, MessageUpdated, MessageDeleted, ReactionAdded, ReactionRemoved} {
		if !typ.IsMessage() {
			t.Errorf("%s should be a message event", typ)
		}
	}
	if TypingUpdate.IsMessage() || MemberJoined.IsMessage() {
		t.Error("typing and member events are not message events")
	}
	if !MemberLeft.IsMember() || !ChannelDeleted.IsChannel() || !WorkspaceUpdated.IsWorkspace() || !ConversationCreated.IsConversation() {
		t.Error("classification mismatch")
	}
	if EventType("BOGUS").Known() {
		t.Error("unexpected known type")
	}
}

// ---------------------------------------------------------------------------
// Test: topics and outbound typing body
// ---------------------------------------------------------------------------

func TestTopics(t *testing.T) {
	if got := WorkspaceTopic("w1"); got != "/topic/workspace/w1" {
		t.Errorf("workspace topic: %q", got)
	}
	if got := (Scope{WorkspaceID: "w1", ChannelID: "c1"}).Topic(); got != "/topic/workspace/w1/channel/c1" {
		t.Errorf("channel topic: %q", got)
	}
	if got := (Scope{WorkspaceID: "w1", ConversationID: "d1"}).Topic(); got != "/topic/workspace/w1/conversation/d1" {
		t.Errorf("conversation topic: %q", got)
	}
	if err := (Scope{WorkspaceID: "w1", ChannelID: "c1", ConversationID: "d1"}).Validate(); err == nil {
		t.Error("expected error for scope with channel and conversation")
	}
	if err := (Scope{}).Validate(); err == nil {
		t.Error("expected error for empty scope")
	}
}

func TestScopeContains(t *testing.T) {
	channel := Scope{WorkspaceID: "w1", ChannelID: "c1"}
	if !channel.Contains(Scope{WorkspaceID: "w1", ChannelID: "c1"}) {
		t.Error("scope should contain itself")
	}
	if channel.Contains(Scope{WorkspaceID: "w1", ChannelID: "c2"}) {
		t.Error("different channel should not be contained")
	}
	if !(Scope{WorkspaceID: "w1"}).Contains(channel) {
		t.Error("workspace scope should contain its channels")
	}
}

func TestTypingMsgMarshal(t *testing.T) {
	data, err := NewTypingMsg(Scope{WorkspaceID: "w1", ChannelID: "c1"}, "u1", true).Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	want := `{"workspaceId":"w1","channelId":"c1","userId":"u1","typing":true}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}
