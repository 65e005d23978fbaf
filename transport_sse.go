package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultSSESilence is how long the SSE stream may stay silent, comments
// included, before it is treated as dropped.
const DefaultSSESilence = 45 * time.Second

var errStreamStalled = errors.New("sse stream stalled")

// SSETransport is the server-sent events push transport. It is receive
// only: every command returns ErrCommandUnsupported.
type SSETransport struct {
	baseURL    string
	silence    time.Duration
	httpClient *http.Client
}

// NewSSETransport creates an SSE transport. silence <= 0 uses
// DefaultSSESilence.
func NewSSETransport(baseURL string, silence time.Duration, httpClient *http.Client) *SSETransport {
	if silence <= 0 {
		silence = DefaultSSESilence
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &SSETransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		silence:    silence,
		httpClient: httpClient,
	}
}

// Connect opens the event stream.
func (t *SSETransport) Connect(ctx context.Context, token string) (TransportConn, error) {
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.baseURL+"/sse", nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.httpClient.Do(req)
	// The dial context only bounds the handshake.
	stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("SSE connect: %w", ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	c := &sseConn{
		resp:     resp,
		cancel:   cancel,
		items:    make(chan sseItem, 16),
		lastData: time.Now(),
	}
	go c.readLoop(streamCtx)
	go c.watchdog(streamCtx, t.silence)
	return c, nil
}

type sseItem struct {
	env RealtimeEnvelope
	err error
}

type sseConn struct {
	resp   *http.Response
	cancel context.CancelFunc
	items  chan sseItem

	mu       sync.Mutex
	lastData time.Time
	stalled  bool
}

func (c *sseConn) Next(ctx context.Context) (RealtimeEnvelope, error) {
	select {
	case <-ctx.Done():
		return RealtimeEnvelope{}, ctx.Err()
	case it, ok := <-c.items:
		if !ok {
			return RealtimeEnvelope{}, errors.New("sse stream closed")
		}
		return it.env, it.err
	}
}

func (c *sseConn) Invoke(context.Context, *RealtimeCommand) error {
	return ErrCommandUnsupported
}

func (c *sseConn) Close() error {
	c.cancel()
	return nil
}

func (c *sseConn) readLoop(ctx context.Context) {
	defer close(c.items)
	defer c.resp.Body.Close()

	scanner := bufio.NewScanner(c.resp.Body)
	scanner.Buffer(make([]byte, 64*1024), wsReadLimit)
	for scanner.Scan() {
		line := scanner.Text()

		c.mu.Lock()
		c.lastData = time.Now()
		c.mu.Unlock()

		if !strings.HasPrefix(line, "data:") {
			continue // comments, event names and blank separators
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var it sseItem
		if err := json.Unmarshal([]byte(payload), &it.env); err != nil {
			it.err = fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		select {
		case c.items <- it:
		case <-ctx.Done():
			return
		}
	}

	err := scanner.Err()
	c.mu.Lock()
	if c.stalled {
		err = errStreamStalled
	}
	c.mu.Unlock()
	if err == nil {
		err = errors.New("sse stream ended")
	}
	select {
	case c.items <- sseItem{err: err}:
	case <-ctx.Done():
	}
}

func (c *sseConn) watchdog(ctx context.Context, silence time.Duration) {
	tick := silence / 3
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastData) > silence
			if stale {
				c.stalled = true
			}
			c.mu.Unlock()
			if stale {
				c.resp.Body.Close()
				return
			}
		}
	}
}
