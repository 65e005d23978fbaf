package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	DefaultPollInterval = 5 * time.Second
	syncPageLimit       = 100
)

// PollTransport emulates push delivery by polling the sync change feed.
// The cursor survives reconnects so a new session resumes where the last
// one stopped.
type PollTransport struct {
	api      *APIClient
	interval time.Duration
	clock    Clock

	mu     sync.Mutex
	cursor int64
}

// NewPollTransport creates a poll transport. interval <= 0 uses
// DefaultPollInterval.
func NewPollTransport(api *APIClient, interval time.Duration) *PollTransport {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollTransport{api: api, interval: interval, clock: realClock{}}
}

// Cursor returns the last sync sequence consumed.
func (t *PollTransport) Cursor() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// SetCursor sets the sequence the next session starts after.
func (t *PollTransport) SetCursor(seq int64) {
	t.mu.Lock()
	t.cursor = seq
	t.mu.Unlock()
}

// Connect performs the first sync call; its outcome decides whether the
// session is up.
func (t *PollTransport) Connect(ctx context.Context, token string) (TransportConn, error) {
	c := &pollConn{t: t, token: token, closed: make(chan struct{})}
	if err := c.poll(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

type pollConn struct {
	t     *PollTransport
	token string

	buf     []RealtimeEnvelope
	hasMore bool

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *pollConn) poll(ctx context.Context) error {
	res, err := c.t.api.Sync.Since(ctx, c.token, c.t.Cursor(), syncPageLimit)
	if err != nil {
		return err
	}
	for _, ev := range res.Events {
		c.buf = append(c.buf, syncEnvelope(ev))
	}
	if res.Cursor > 0 {
		c.t.SetCursor(res.Cursor)
	}
	c.hasMore = res.HasMore
	return nil
}

func (c *pollConn) Next(ctx context.Context) (RealtimeEnvelope, error) {
	for len(c.buf) == 0 {
		if !c.hasMore {
			select {
			case <-ctx.Done():
				return RealtimeEnvelope{}, ctx.Err()
			case <-c.closed:
				return RealtimeEnvelope{}, context.Canceled
			case <-c.t.clock.After(c.t.interval):
			}
		}
		if err := c.poll(ctx); err != nil {
			return RealtimeEnvelope{}, err
		}
	}
	env := c.buf[0]
	c.buf = c.buf[1:]
	return env, nil
}

// Invoke accepts room membership commands as no-ops; the feed already
// covers every conversation. Typing cannot be sent over polling.
func (c *pollConn) Invoke(_ context.Context, cmd *RealtimeCommand) error {
	switch cmd.Type {
	case CommandJoin, CommandLeave:
		return nil
	default:
		return ErrCommandUnsupported
	}
}

func (c *pollConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// syncEnvelope converts a change-feed entry into a push envelope. Feed
// entries name the message "id" and may carry the conversation outside
// the data object.
func syncEnvelope(ev SyncEvent) RealtimeEnvelope {
	env := RealtimeEnvelope{Type: ev.Type, Payload: ev.Data}
	switch ev.Type {
	case envMessageNew, envMessageEdit, envMessageDelete:
	default:
		return env
	}
	var data map[string]any
	if err := json.Unmarshal(ev.Data, &data); err != nil || data == nil {
		return env
	}
	if _, ok := data["conversationId"]; !ok && ev.ConversationID != "" {
		data["conversationId"] = ev.ConversationID
	}
	if ev.Type != envMessageNew {
		if _, ok := data["messageId"]; !ok {
			if id, ok := data["id"]; ok {
				data["messageId"] = id
			}
		}
		if _, ok := data["editedAt"]; !ok && ev.Type == envMessageEdit && ev.At != "" {
			data["editedAt"] = ev.At
		}
	}
	if b, err := json.Marshal(data); err == nil {
		env.Payload = b
	}
	return env
}
