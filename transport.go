package chatsync

import (
	"context"
	"encoding/json"
)

// ============================================================================
// Wire envelopes
// ============================================================================

// RealtimeEnvelope is the wire format for all inbound realtime events,
// whatever transport carried them.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// Command types sent by the connection manager.
const (
	CommandJoin       = "conversation.join"
	CommandLeave      = "conversation.leave"
	CommandTypingOn   = "typing.start"
	CommandTypingOff  = "typing.stop"
	envAuthenticated  = "authenticated"
	envPong           = "pong"
	envError          = "error"
	envMessageNew     = "message.new"
	envMessageEdit    = "message.edit"
	envMessageDelete  = "message.delete"
	envPresence       = "presence.changed"
	envTypingIndicate = "typing.indicator"
)

func conversationCommand(typ, conversationID string) *RealtimeCommand {
	return &RealtimeCommand{
		Type:    typ,
		Payload: map[string]string{"conversationId": conversationID},
	}
}

// ============================================================================
// Transport capability
// ============================================================================

// RealtimeTransport opens realtime sessions. The bearer token is attached
// once, at connection time. Implementations: WSTransport, SSETransport,
// PollTransport.
type RealtimeTransport interface {
	Connect(ctx context.Context, token string) (TransportConn, error)
}

// TransportConn is one established realtime session. Next blocks until
// the next inbound envelope arrives; any error means the session is gone.
// Invoke sends an outbound command. Close is idempotent.
type TransportConn interface {
	Next(ctx context.Context) (RealtimeEnvelope, error)
	Invoke(ctx context.Context, cmd *RealtimeCommand) error
	Close() error
}
