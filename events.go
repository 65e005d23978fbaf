package chatsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// EventKind names an inbound event variant.
type EventKind string

const (
	EventMessageReceived   EventKind = "message_received"
	EventMessageEdited     EventKind = "message_edited"
	EventMessageDeleted    EventKind = "message_deleted"
	EventUserOnline        EventKind = "user_online"
	EventUserOffline       EventKind = "user_offline"
	EventUserTyping        EventKind = "user_typing"
	EventUserStoppedTyping EventKind = "user_stopped_typing"
)

// Event is an inbound realtime event. The set of implementations is closed.
type Event interface {
	Kind() EventKind
	isEvent()
}

// MessageReceived carries a new message.
type MessageReceived struct {
	Message Message
}

// MessageEdited carries an edit. ConversationID is empty when the
// transport did not include it.
type MessageEdited struct {
	MessageID      string
	ConversationID string
	Content        string
	EditedAt       time.Time
}

// MessageDeleted carries a deletion. ConversationID may be empty.
type MessageDeleted struct {
	MessageID      string
	ConversationID string
}

type UserOnline struct{ UserID string }

type UserOffline struct{ UserID string }

type UserTyping struct {
	UserID         string
	ConversationID string
}

type UserStoppedTyping struct {
	UserID         string
	ConversationID string
}

func (MessageReceived) Kind() EventKind   { return EventMessageReceived }
func (MessageEdited) Kind() EventKind     { return EventMessageEdited }
func (MessageDeleted) Kind() EventKind    { return EventMessageDeleted }
func (UserOnline) Kind() EventKind        { return EventUserOnline }
func (UserOffline) Kind() EventKind       { return EventUserOffline }
func (UserTyping) Kind() EventKind        { return EventUserTyping }
func (UserStoppedTyping) Kind() EventKind { return EventUserStoppedTyping }

func (MessageReceived) isEvent()   {}
func (MessageEdited) isEvent()     {}
func (MessageDeleted) isEvent()    {}
func (UserOnline) isEvent()        {}
func (UserOffline) isEvent()       {}
func (UserTyping) isEvent()        {}
func (UserStoppedTyping) isEvent() {}

// ============================================================================
// Decoding
// ============================================================================

// Required payload fields per envelope type.
var requiredFields = map[string][]string{
	envMessageNew:     {"id", "conversationId", "senderId", "createdAt"},
	envMessageEdit:    {"messageId", "content", "editedAt"},
	envMessageDelete:  {"messageId"},
	envPresence:       {"userId", "status"},
	envTypingIndicate: {"userId", "conversationId", "isTyping"},
}

// DecodeEvent converts a wire envelope into a typed Event. It returns
// (nil, nil) for envelope types that carry no store-relevant event, and an
// error wrapping ErrMalformedEvent when a required field is absent or has
// the wrong shape.
func DecodeEvent(env RealtimeEnvelope) (Event, error) {
	fields, known := requiredFields[env.Type]
	if !known {
		return nil, nil
	}
	if !gjson.ValidBytes(env.Payload) {
		return nil, fmt.Errorf("%w: %s: invalid JSON payload", ErrMalformedEvent, env.Type)
	}
	for _, f := range fields {
		v := gjson.GetBytes(env.Payload, f)
		if !v.Exists() || v.Type == gjson.Null || (v.Type == gjson.String && v.Str == "" && f != "content") {
			return nil, fmt.Errorf("%w: %s: missing %q", ErrMalformedEvent, env.Type, f)
		}
	}

	switch env.Type {
	case envMessageNew:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		return MessageReceived{Message: m}, nil

	case envMessageEdit:
		var p struct {
			MessageID      string    `json:"messageId"`
			ConversationID string    `json:"conversationId"`
			Content        string    `json:"content"`
			EditedAt       time.Time `json:"editedAt"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Type, err)
		}
		return MessageEdited{
			MessageID:      p.MessageID,
			ConversationID: p.ConversationID,
			Content:        p.Content,
			EditedAt:       p.EditedAt,
		}, nil

	case envMessageDelete:
		return MessageDeleted{
			MessageID:      gjson.GetBytes(env.Payload, "messageId").String(),
			ConversationID: gjson.GetBytes(env.Payload, "conversationId").String(),
		}, nil

	case envPresence:
		userID := gjson.GetBytes(env.Payload, "userId").String()
		switch status := gjson.GetBytes(env.Payload, "status").String(); status {
		case "online":
			return UserOnline{UserID: userID}, nil
		case "offline":
			return UserOffline{UserID: userID}, nil
		default:
			return nil, fmt.Errorf("%w: %s: unknown status %q", ErrMalformedEvent, env.Type, status)
		}

	case envTypingIndicate:
		typing := gjson.GetBytes(env.Payload, "isTyping")
		if typing.Type != gjson.True && typing.Type != gjson.False {
			return nil, fmt.Errorf("%w: %s: isTyping is not a boolean", ErrMalformedEvent, env.Type)
		}
		userID := gjson.GetBytes(env.Payload, "userId").String()
		convID := gjson.GetBytes(env.Payload, "conversationId").String()
		if typing.Bool() {
			return UserTyping{UserID: userID, ConversationID: convID}, nil
		}
		return UserStoppedTyping{UserID: userID, ConversationID: convID}, nil
	}
	return nil, nil
}
