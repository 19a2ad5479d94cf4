// Package protocol defines the domain events delivered over the real-time
// connection and the few messages the client publishes. Every delivered frame
// body is a JSON event envelope with a type discriminator and a payload whose
// shape depends on the type.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event types
// ---------------------------------------------------------------------------

// EventType is the discriminator of an inbound event.
type EventType string

// Message and reaction events.
const (
	MessageSent     EventType = "MESSAGE_SENT"
	MessageUpdated  EventType = "MESSAGE_UPDATED"
	MessageDeleted  EventType = "MESSAGE_DELETED"
	ReactionAdded   EventType = "REACTION_ADDED"
	ReactionRemoved EventType = "REACTION_REMOVED"
)

// Channel, member, conversation and workspace events.
const (
	ChannelCreated      EventType = "CHANNEL_CREATED"
	ChannelUpdated      EventType = "CHANNEL_UPDATED"
	ChannelDeleted      EventType = "CHANNEL_DELETED"
	MemberJoined        EventType = "MEMBER_JOINED"
	MemberUpdated       EventType = "MEMBER_UPDATED"
	MemberLeft          EventType = "MEMBER_LEFT"
	ConversationCreated EventType = "CONVERSATION_CREATED"
	ConversationUpdated EventType = "CONVERSATION_UPDATED"
	ConversationDeleted EventType = "CONVERSATION_DELETED"
	WorkspaceCreated    EventType = "WORKSPACE_CREATED"
	WorkspaceUpdated    EventType = "WORKSPACE_UPDATED"
	WorkspaceDeleted    EventType = "WORKSPACE_DELETED"
)

// Transient presence events.
const (
	PresenceUpdate EventType = "PRESENCE_UPDATE"
	TypingUpdate   EventType = "TYPING_UPDATE"
)

var knownTypes = map[EventType]struct{}{
	MessageSent: {}, MessageUpdated: {}, MessageDeleted: {},
	ReactionAdded: {}, ReactionRemoved: {},
	ChannelCreated: {}, ChannelUpdated: {}, ChannelDeleted: {},
	MemberJoined: {}, MemberUpdated: {}, MemberLeft: {},
	ConversationCreated: {}, ConversationUpdated: {}, ConversationDeleted: {},
	WorkspaceCreated: {}, WorkspaceUpdated: {}, WorkspaceDeleted: {},
	PresenceUpdate: {}, TypingUpdate: {},
}

// Known reports whether t is one of the enumerated event types.
func (t EventType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// IsMessage reports whether t changes a message list: message and reaction
// events.
func (t EventType) IsMessage() bool {
	switch t {
	case MessageSent, MessageUpdated, MessageDeleted, ReactionAdded, ReactionRemoved:
		return true
	}
	return false
}

// IsMember reports whether t changes workspace membership.
func (t EventType) IsMember() bool {
	return t == MemberJoined || t == MemberUpdated || t == MemberLeft
}

// IsChannel reports whether t changes the channel list.
func (t EventType) IsChannel() bool {
	return t == ChannelCreated || t == ChannelUpdated || t == ChannelDeleted
}

// IsConversation reports whether t changes the direct conversation list.
func (t EventType) IsConversation() bool {
	return t == ConversationCreated || t == ConversationUpdated || t == ConversationDeleted
}

// IsWorkspace reports whether t changes a workspace record.
func (t EventType) IsWorkspace() bool {
	return t == WorkspaceCreated || t == WorkspaceUpdated || t == WorkspaceDeleted
}

// WorkspaceScoped reports whether events of type t must carry a workspace id.
// Presence is broadcast process-wide and carries none.
func (t EventType) WorkspaceScoped() bool {
	return t != PresenceUpdate
}

// ---------------------------------------------------------------------------
// Event envelope
// ---------------------------------------------------------------------------

// Event is a decoded inbound domain event. The payload is kept raw and decoded
// on demand by the consumer that understands the type.
type Event struct {
	Type           EventType       `json:"type"`
	WorkspaceID    string          `json:"workspaceId,omitempty"`
	ChannelID      string          `json:"channelId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Scope returns the workspace/channel/conversation the event belongs to.
func (e Event) Scope() Scope {
	return Scope{
		WorkspaceID:    e.WorkspaceID,
		ChannelID:      e.ChannelID,
		ConversationID: e.ConversationID,
	}
}

// MalformedEventError is returned for frame bodies that cannot be decoded into
// an Event. Such frames are dropped; they never affect the connection.
type MalformedEventError struct {
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: malformed event: %s: %v", e.Reason, e.Err)
	}
	return "protocol: malformed event: " + e.Reason
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

// Decode parses a delivered frame body into an Event. Undecodable JSON, a
// missing or unknown type, and a workspace-scoped event without a workspace id
// all yield a *MalformedEventError.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, &MalformedEventError{Reason: "invalid json", Err: err}
	}
	if ev.Type == "" {
		return Event{}, &MalformedEventError{Reason: `missing or empty "type" field`}
	}
	if !ev.Type.Known() {
		return Event{}, &MalformedEventError{Reason: fmt.Sprintf("unknown event type %q", ev.Type)}
	}
	if ev.Type.WorkspaceScoped() && ev.WorkspaceID == "" {
		return Event{}, &MalformedEventError{Reason: fmt.Sprintf("%s without workspaceId", ev.Type)}
	}
	return ev, nil
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

// TypingPayload is the payload of a TYPING_UPDATE event.
type TypingPayload struct {
	UserID      string `json:"userId"`
	IsTyping    bool   `json:"isTyping"`
	DisplayName string `json:"displayName,omitempty"`
}

// PresencePayload is the payload of a PRESENCE_UPDATE event.
type PresencePayload struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// Typing decodes the payload of a TYPING_UPDATE event.
func (e Event) Typing() (TypingPayload, error) {
	var p TypingPayload
	if err := e.decodePayload(TypingUpdate, &p); err != nil {
		return TypingPayload{}, err
	}
	if p.UserID == "" {
		return TypingPayload{}, &MalformedEventError{Reason: "typing payload without userId"}
	}
	return p, nil
}

// Presence decodes the payload of a PRESENCE_UPDATE event.
func (e Event) Presence() (PresencePayload, error) {
	var p PresencePayload
	if err := e.decodePayload(PresenceUpdate, &p); err != nil {
		return PresencePayload{}, err
	}
	if p.UserID == "" {
		return PresencePayload{}, &MalformedEventError{Reason: "presence payload without userId"}
	}
	return p, nil
}

func (e Event) decodePayload(want EventType, v any) error {
	if e.Type != want {
		return fmt.Errorf("protocol: %s event has no %s payload", e.Type, want)
	}
	if len(e.Payload) == 0 {
		return &MalformedEventError{Reason: fmt.Sprintf("%s without payload", e.Type)}
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return &MalformedEventError{Reason: fmt.Sprintf("invalid %s payload", e.Type), Err: err}
	}
	return nil
}
