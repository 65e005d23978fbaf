package chatsync

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNoCredential is returned when the credential provider has no token.
	// The network is never called in that case.
	ErrNoCredential = errors.New("chatsync: no access token available")

	// ErrUnauthorized marks a 401 from an HTTP call or the realtime handshake.
	ErrUnauthorized = errors.New("chatsync: unauthorized")

	// ErrNotConnected is returned by realtime commands issued outside Connected.
	ErrNotConnected = errors.New("chatsync: realtime connection is not established")

	// ErrCommandUnsupported is returned by transports that cannot carry a command.
	ErrCommandUnsupported = errors.New("chatsync: command not supported by transport")

	// ErrMalformedEvent marks an inbound event missing a required field.
	ErrMalformedEvent = errors.New("chatsync: malformed event")
)

// APIError represents an error returned by the HTTP API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return http.StatusText(e.Status) + ": " + e.Message
	}
	return e.Code + ": " + e.Message
}

// Is lets errors.Is(err, ErrUnauthorized) match a 401 response.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationType distinguishes direct, group and context-bound conversations.
type ConversationType string

const (
	ConversationDirect  ConversationType = "direct"
	ConversationGroup   ConversationType = "group"
	ConversationContext ConversationType = "context"
)

// Conversation is a channel grouping an ordered sequence of messages.
// The Last* fields are a denormalized preview used for list sorting.
type Conversation struct {
	ID                string           `json:"id"`
	Type              ConversationType `json:"type"`
	Title             string           `json:"title,omitempty"`
	IsActive          bool             `json:"isActive"`
	IsDeleted         bool             `json:"isDeleted,omitempty"`
	LastMessageText   string           `json:"lastMessageText,omitempty"`
	LastMessageSender string           `json:"lastMessageSender,omitempty"`
	LastMessageAt     time.Time        `json:"lastMessageAt,omitempty"`
	UnreadCount       int              `json:"unreadCount,omitempty"`
}

// merge copies the non-zero fields of update into c. Flags are always
// taken from the update since false is a meaningful value for them.
func (c *Conversation) merge(update Conversation) {
	if update.Type != "" {
		c.Type = update.Type
	}
	if update.Title != "" {
		c.Title = update.Title
	}
	c.IsActive = update.IsActive
	c.IsDeleted = update.IsDeleted
	if update.LastMessageText != "" {
		c.LastMessageText = update.LastMessageText
	}
	if update.LastMessageSender != "" {
		c.LastMessageSender = update.LastMessageSender
	}
	if !update.LastMessageAt.IsZero() {
		c.LastMessageAt = update.LastMessageAt
	}
	if update.UnreadCount != 0 {
		c.UnreadCount = update.UnreadCount
	}
}

// ============================================================================
// Messages
// ============================================================================

// Message is a server-assigned, globally unique chat message. CreatedAt is
// the server clock and, with ID as tie-break, the sole ordering key.
type Message struct {
	ID               string
	ConversationID   string
	SenderID         string
	SenderName       string
	SenderAvatar     string
	Content          MessageContent
	IsEdited         bool
	EditedAt         time.Time
	CreatedAt        time.Time
	ReplyToMessageID string
}

// Before reports whether m sorts before other in a conversation log.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Preview returns the text shown in the conversation list.
func (m Message) Preview() string {
	if m.Content == nil {
		return ""
	}
	return m.Content.PreviewText()
}

// MessagePatch is a partial update applied by Store.PatchMessage.
// Nil fields are left untouched.
type MessagePatch struct {
	Text     *string
	EditedAt *time.Time
}

func (p MessagePatch) apply(m *Message) {
	if p.Text != nil && m.Content != nil {
		m.Content = m.Content.WithText(*p.Text)
	}
	if p.EditedAt != nil {
		m.IsEdited = true
		m.EditedAt = *p.EditedAt
	}
}

// wireMessage is the JSON form of a Message.
type wireMessage struct {
	ID               string          `json:"id"`
	ConversationID   string          `json:"conversationId"`
	SenderID         string          `json:"senderId"`
	SenderName       string          `json:"senderName,omitempty"`
	SenderAvatar     string          `json:"senderAvatar,omitempty"`
	Type             ContentKind     `json:"type"`
	Content          string          `json:"content"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	IsEdited         bool            `json:"isEdited,omitempty"`
	EditedAt         *time.Time      `json:"editedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	ReplyToMessageID string          `json:"replyToMessageId,omitempty"`
}

// MarshalJSON encodes the message in its wire form.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		SenderID:         m.SenderID,
		SenderName:       m.SenderName,
		SenderAvatar:     m.SenderAvatar,
		IsEdited:         m.IsEdited,
		CreatedAt:        m.CreatedAt,
		ReplyToMessageID: m.ReplyToMessageID,
	}
	if !m.EditedAt.IsZero() {
		t := m.EditedAt
		w.EditedAt = &t
	}
	kind, text, meta, err := encodeContent(m.Content)
	if err != nil {
		return nil, err
	}
	w.Type, w.Content, w.Metadata = kind, text, meta
	return json.Marshal(w)
}

// UnmarshalJSON decodes a message from its wire form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	content := decodeContent(w.Type, w.Content, w.Metadata)
	*m = Message{
		ID:               w.ID,
		ConversationID:   w.ConversationID,
		SenderID:         w.SenderID,
		SenderName:       w.SenderName,
		SenderAvatar:     w.SenderAvatar,
		Content:          content,
		IsEdited:         w.IsEdited,
		CreatedAt:        w.CreatedAt,
		ReplyToMessageID: w.ReplyToMessageID,
	}
	if w.EditedAt != nil {
		m.EditedAt = *w.EditedAt
	}
	return nil
}

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState is the realtime connection lifecycle state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

// ConnectionStatus is the state plus the last transport error, if any.
type ConnectionStatus struct {
	State     ConnectionState
	LastError error
	Attempt   int
}

// ============================================================================
// HTTP API types
// ============================================================================

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// MessagePage is one page of history. Messages are newest-first as
// returned by the server.
type MessagePage struct {
	Messages        []Message `json:"messages"`
	HasMore         bool      `json:"hasMore"`
	OldestMessageID string    `json:"oldestMessageId,omitempty"`
}

// SendOptions configures an outgoing message.
type SendOptions struct {
	ReplyToMessageID string
}

// PageOptions configures a history fetch.
type PageOptions struct {
	Limit           int
	BeforeMessageID string
}
