package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// StatusUnauthorized is the WebSocket close code the server uses to reject
// a token.
const StatusUnauthorized websocket.StatusCode = 4401

const wsReadLimit = 1 << 20

// WSTransport is the WebSocket push transport. The server answers the
// upgrade with an "authenticated" envelope before any event.
type WSTransport struct {
	baseURL    string
	heartbeat  time.Duration
	httpClient *http.Client
}

// NewWSTransport creates a WebSocket transport against baseURL (http or
// https; the scheme is rewritten). heartbeat <= 0 disables pings.
func NewWSTransport(baseURL string, heartbeat time.Duration, httpClient *http.Client) *WSTransport {
	return &WSTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		heartbeat:  heartbeat,
		httpClient: httpClient,
	}
}

func (t *WSTransport) url() string {
	u := strings.Replace(t.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// Connect dials, waits for the authenticated envelope and starts the
// heartbeat.
func (t *WSTransport) Connect(ctx context.Context, token string) (TransportConn, error) {
	conn, resp, err := websocket.Dial(ctx, t.url(), &websocket.DialOptions{
		HTTPClient: t.httpClient,
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("websocket dial: %w", ErrUnauthorized)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", wsError(err))
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != envAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		return nil, fmt.Errorf("expected %q, got %q", envAuthenticated, env.Type)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	c := &wsConn{conn: conn, cancel: cancel}
	if t.heartbeat > 0 {
		go c.heartbeatLoop(hbCtx, t.heartbeat)
	}
	return c, nil
}

type wsConn struct {
	conn      *websocket.Conn
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) Next(ctx context.Context) (RealtimeEnvelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return RealtimeEnvelope{}, wsError(err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return RealtimeEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return env, nil
}

func (c *wsConn) Invoke(ctx context.Context, cmd *RealtimeCommand) error {
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeErr = c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return c.closeErr
}

// heartbeatLoop pings on every tick. A missed pong closes the socket so the
// pending Next returns and the manager sees a drop.
func (c *wsConn) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// wsError maps the server's auth close code onto ErrUnauthorized.
func wsError(err error) error {
	if websocket.CloseStatus(err) == StatusUnauthorized {
		return fmt.Errorf("websocket closed: %w", ErrUnauthorized)
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("websocket closed (%d): %w", ce.Code, err)
	}
	return err
}
