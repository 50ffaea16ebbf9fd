// Package frame defines the WebSocket wire format and the broker pub/sub envelope for the chat gateway.
package frame

import (
	"encoding/json"
	"fmt"
)

// Inbound and outbound frame type tags.
const (
	TypeAuth       = "auth"
	TypeMessage    = "message"
	TypeListUsers  = "list_users"
	TypeError      = "error"
	TypeUserList   = "user_list"
	TypeUserStatus = "user_status"
)

// Envelope is the minimal shape every inbound frame shares: a type tag plus whatever fields that type needs.
// Additional fields are ignored.
type Envelope struct {
	Type string `json:"type"`
}

// AuthFrame is the inbound `{"type":"auth","token":"..."}` handshake frame.
type AuthFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// MessageIn is the inbound `{"type":"message","to":...,"content":...}` frame.
type MessageIn struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Content string `json:"content"`
}

// ErrorOut is the outbound `{"type":"error","message":"..."}` frame.
type ErrorOut struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// UserEntry is one entry in a UserListOut frame.
type UserEntry struct {
	Email  string `json:"email"`
	Online bool   `json:"online"`
}

// UserListOut is the outbound `{"type":"user_list","users":[...]}` frame.
type UserListOut struct {
	Type  string      `json:"type"`
	Users []UserEntry `json:"users"`
}

// UserStatusOut is the outbound `{"type":"user_status","email":...,"online":...}` presence frame.
type UserStatusOut struct {
	Type   string `json:"type"`
	Email  string `json:"email"`
	Online bool   `json:"online"`
}

// MessageOut is the outbound `{"type":"message",...}` directed chat frame.
type MessageOut struct {
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// NewErrorFrame serialises an error frame.
func NewErrorFrame(message string) ([]byte, error) {
	b, err := json.Marshal(ErrorOut{Type: TypeError, Message: message})
	if err != nil {
		return nil, fmt.Errorf("marshal error frame: %w", err)
	}
	return b, nil
}

// NewUserListFrame serialises a user_list frame from a set of online identities.
func NewUserListFrame(identities []string) ([]byte, error) {
	users := make([]UserEntry, len(identities))
	for i, id := range identities {
		users[i] = UserEntry{Email: id, Online: true}
	}
	b, err := json.Marshal(UserListOut{Type: TypeUserList, Users: users})
	if err != nil {
		return nil, fmt.Errorf("marshal user_list frame: %w", err)
	}
	return b, nil
}

// NewUserStatusFrame serialises a user_status presence frame.
func NewUserStatusFrame(email string, online bool) ([]byte, error) {
	b, err := json.Marshal(UserStatusOut{Type: TypeUserStatus, Email: email, Online: online})
	if err != nil {
		return nil, fmt.Errorf("marshal user_status frame: %w", err)
	}
	return b, nil
}

// NewMessageFrame serialises a directed chat message frame.
func NewMessageFrame(from, to, content, timestamp string) ([]byte, error) {
	b, err := json.Marshal(MessageOut{Type: TypeMessage, From: from, To: to, Content: content, Timestamp: timestamp})
	if err != nil {
		return nil, fmt.Errorf("marshal message frame: %w", err)
	}
	return b, nil
}

// Pub/sub event kinds.
const (
	EventMessage  = "message"
	EventPresence = "presence"
)

// PresencePayload is the payload of a presence pub/sub event.
type PresencePayload struct {
	Email  string `json:"email"`
	Online bool   `json:"online"`
}

// PubSubEvent is the envelope published on the broker's two channels. Origin is only meaningful for presence events
// a node ignores presence events whose origin is its own node id, but never ignores its own message
// events, since the broker is authoritative for message delivery.
type PubSubEvent struct {
	Event   string          `json:"event"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessageEvent wraps a serialised message frame for publication on the messages channel.
func NewMessageEvent(messageFrame []byte) ([]byte, error) {
	b, err := json.Marshal(PubSubEvent{Event: EventMessage, Payload: messageFrame})
	if err != nil {
		return nil, fmt.Errorf("marshal message event: %w", err)
	}
	return b, nil
}

// NewPresenceEvent wraps a presence transition for publication on the presence channel.
func NewPresenceEvent(origin, email string, online bool) ([]byte, error) {
	payload, err := json.Marshal(PresencePayload{Email: email, Online: online})
	if err != nil {
		return nil, fmt.Errorf("marshal presence payload: %w", err)
	}
	b, err := json.Marshal(PubSubEvent{Event: EventPresence, Origin: origin, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal presence event: %w", err)
	}
	return b, nil
}
