package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Destinations the client publishes to or subscribes on.
const (
	DestinationTyping = "/app/typing"
	TopicPresence     = "/topic/presence"
	topicWorkspace    = "/topic/workspace/"
)

// WorkspaceTopic is the workspace-wide event topic.
func WorkspaceTopic(workspaceID string) string {
	return topicWorkspace + workspaceID
}

// ChannelTopic is the event topic of one channel.
func ChannelTopic(workspaceID, channelID string) string {
	return topicWorkspace + workspaceID + "/channel/" + channelID
}

// ConversationTopic is the event topic of one direct conversation.
func ConversationTopic(workspaceID, conversationID string) string {
	return topicWorkspace + workspaceID + "/conversation/" + conversationID
}

// Scope identifies a workspace and optionally one channel or conversation in
// it. A view is bound to exactly one scope.
type Scope struct {
	WorkspaceID    string
	ChannelID      string
	ConversationID string
}

// Validate checks that the scope names a workspace and at most one of a
// channel or a conversation.
func (s Scope) Validate() error {
	if s.WorkspaceID == "" {
		return errors.New("protocol: scope without workspace")
	}
	if s.ChannelID != "" && s.ConversationID != "" {
		return errors.New("protocol: scope names both a channel and a conversation")
	}
	return nil
}

// Topic returns the most specific topic of the scope.
func (s Scope) Topic() string {
	switch {
	case s.ChannelID != "":
		return ChannelTopic(s.WorkspaceID, s.ChannelID)
	case s.ConversationID != "":
		return ConversationTopic(s.WorkspaceID, s.ConversationID)
	default:
		return WorkspaceTopic(s.WorkspaceID)
	}
}

// Contains reports whether an event scope falls inside s: same workspace and,
// when s names a channel or conversation, the same one.
func (s Scope) Contains(other Scope) bool {
	if s.WorkspaceID != other.WorkspaceID {
		return false
	}
	if s.ChannelID != "" && s.ChannelID != other.ChannelID {
		return false
	}
	if s.ConversationID != "" && s.ConversationID != other.ConversationID {
		return false
	}
	return true
}

func (s Scope) String() string {
	switch {
	case s.ChannelID != "":
		return fmt.Sprintf("workspace=%s channel=%s", s.WorkspaceID, s.ChannelID)
	case s.ConversationID != "":
		return fmt.Sprintf("workspace=%s conversation=%s", s.WorkspaceID, s.ConversationID)
	default:
		return "workspace=" + s.WorkspaceID
	}
}

// ---------------------------------------------------------------------------
// Outbound messages
// ---------------------------------------------------------------------------

// TypingMsg is published to DestinationTyping when the local user starts or
// stops typing in a channel or conversation.
type TypingMsg struct {
	WorkspaceID    string `json:"workspaceId"`
	ChannelID      string `json:"channelId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
}

// NewTypingMsg builds the typing message for a scope.
func NewTypingMsg(scope Scope, userID string, typing bool) TypingMsg {
	return TypingMsg{
		WorkspaceID:    scope.WorkspaceID,
		ChannelID:      scope.ChannelID,
		ConversationID: scope.ConversationID,
		UserID:         userID,
		Typing:         typing,
	}
}

// Marshal encodes the message body.
func (m TypingMsg) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal typing message: %w", err)
	}
	return data, nil
}
