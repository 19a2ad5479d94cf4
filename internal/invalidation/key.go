// Package invalidation turns domain events into query cache invalidations.
// Keys mirror the query keys of the data-fetching layer: a resource name
// followed by positional arguments, where a shorter key covers every key that
// extends it.
package invalidation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Resource names the first element of a query key.
type Resource string

const (
	Messages      Resource = "messages"
	Message       Resource = "message"
	Members       Resource = "members"
	CurrentMember Resource = "currentMember"
	Channels      Resource = "channels"
	Workspaces    Resource = "workspaces"
	Workspace     Resource = "workspace"
	Conversations Resource = "conversations"
)

// MessageFilter is the object argument of a messages list key. Unset fields
// are omitted, so a filter with only a channel id never matches a thread list
// exactly, but both are covered by the bare ["messages"] key.
type MessageFilter struct {
	ChannelID       string `json:"channelId,omitempty"`
	ConversationID  string `json:"conversationId,omitempty"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
}

// Key is a query key. Messages keys carry a Filter instead of Args.
type Key struct {
	Resource Resource
	Args     []string
	Filter   *MessageFilter
}

// MessagesKey is the list of one channel or conversation.
func MessagesKey(f MessageFilter) Key { return Key{Resource: Messages, Filter: &f} }

// AllMessages covers every message list, thread replies included.
func AllMessages() Key { return Key{Resource: Messages} }

// AllMessageEntries covers every single-message entry.
func AllMessageEntries() Key { return Key{Resource: Message} }

func MessageKey(messageID string) Key { return Key{Resource: Message, Args: []string{messageID}} }

func MembersKey(workspaceID string) Key { return Key{Resource: Members, Args: []string{workspaceID}} }

// CurrentMemberKey covers the viewer's membership record in a workspace.
func CurrentMemberKey(workspaceID string) Key {
	return Key{Resource: CurrentMember, Args: []string{workspaceID}}
}

func ChannelsKey(workspaceID string) Key { return Key{Resource: Channels, Args: []string{workspaceID}} }

func WorkspacesKey() Key { return Key{Resource: Workspaces} }

func WorkspaceKey(workspaceID string) Key {
	return Key{Resource: Workspace, Args: []string{workspaceID}}
}

func ConversationsKey(workspaceID string) Key {
	return Key{Resource: Conversations, Args: []string{workspaceID}}
}

// Covers reports whether invalidating k also invalidates other: same resource
// and k's arguments are a prefix of other's. A filter argument must match
// exactly.
func (k Key) Covers(other Key) bool {
	if k.Resource != other.Resource {
		return false
	}
	if k.Filter != nil {
		return other.Filter != nil && *k.Filter == *other.Filter
	}
	if len(k.Args) > len(other.Args) {
		return false
	}
	for i, a := range k.Args {
		if other.Args[i] != a {
			return false
		}
	}
	return true
}

// Equal reports whether the keys are identical.
func (k Key) Equal(other Key) bool {
	return k.Covers(other) && other.Covers(k)
}

// String returns the JSON array form, which is also the cache index.
func (k Key) String() string {
	data, err := k.MarshalJSON()
	if err != nil {
		return string(k.Resource)
	}
	return string(data)
}

// MarshalJSON encodes the key as the array the data layer indexes by, e.g.
// ["messages",{"channelId":"c1"}] or ["members","w1"].
func (k Key) MarshalJSON() ([]byte, error) {
	parts := make([]any, 0, 2+len(k.Args))
	parts = append(parts, string(k.Resource))
	if k.Filter != nil {
		parts = append(parts, k.Filter)
	}
	for _, a := range k.Args {
		parts = append(parts, a)
	}
	return json.Marshal(parts)
}

// UnmarshalJSON decodes the array form.
func (k *Key) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("invalidation: decode key: %w", err)
	}
	if len(parts) == 0 {
		return errors.New("invalidation: empty key")
	}
	var res string
	if err := json.Unmarshal(parts[0], &res); err != nil {
		return fmt.Errorf("invalidation: decode key resource: %w", err)
	}
	out := Key{Resource: Resource(res)}
	for i, p := range parts[1:] {
		if bytes.HasPrefix(bytes.TrimSpace(p), []byte("{")) {
			if i != 0 {
				return errors.New("invalidation: filter must directly follow the resource")
			}
			var f MessageFilter
			if err := json.Unmarshal(p, &f); err != nil {
				return fmt.Errorf("invalidation: decode key filter: %w", err)
			}
			out.Filter = &f
			continue
		}
		var s string
		if err := json.Unmarshal(p, &s); err != nil {
			return fmt.Errorf("invalidation: decode key argument %d: %w", i+1, err)
		}
		out.Args = append(out.Args, s)
	}
	*k = out
	return nil
}

// ParseKey decodes a key from its JSON array form.
func ParseKey(s string) (Key, error) {
	var k Key
	if err := k.UnmarshalJSON([]byte(strings.TrimSpace(s))); err != nil {
		return Key{}, err
	}
	return k, nil
}
