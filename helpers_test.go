package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func textMsg(id, convID string, at int) Message {
	return Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       "user-" + id,
		Content:        TextContent{Text: "text " + id},
		CreatedAt:      t0.Add(time.Duration(at) * time.Second),
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func envelope(typ string, payload any) RealtimeEnvelope {
	b, _ := json.Marshal(payload)
	return RealtimeEnvelope{Type: typ, Payload: b}
}

// ── Fake clock ───────────────────────────────────────────

// fakeClock fires every timer immediately and records the requested delays.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// ── Fake transport ───────────────────────────────────────

// fakeTransport hands out fakeConns. dialErr decides the outcome of the
// n-th dial (0-based); nil means success.
type fakeTransport struct {
	mu      sync.Mutex
	dials   int
	tokens  []string
	dialErr func(n int) error
	conns   chan *fakeConn
}

func newFakeTransport(dialErr func(n int) error) *fakeTransport {
	if dialErr == nil {
		dialErr = func(int) error { return nil }
	}
	return &fakeTransport{dialErr: dialErr, conns: make(chan *fakeConn, 32)}
}

func (t *fakeTransport) Connect(_ context.Context, token string) (TransportConn, error) {
	t.mu.Lock()
	n := t.dials
	t.dials++
	t.tokens = append(t.tokens, token)
	t.mu.Unlock()
	if err := t.dialErr(n); err != nil {
		return nil, err
	}
	c := newFakeConn()
	t.conns <- c
	return c, nil
}

func (t *fakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

type fakeConn struct {
	in     chan RealtimeEnvelope
	errs   chan error
	closed chan struct{}
	once   sync.Once

	mu        sync.Mutex
	sent      []*RealtimeCommand
	invokeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan RealtimeEnvelope, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Next(ctx context.Context) (RealtimeEnvelope, error) {
	select {
	case <-ctx.Done():
		return RealtimeEnvelope{}, ctx.Err()
	case <-c.closed:
		return RealtimeEnvelope{}, errors.New("closed")
	case err := <-c.errs:
		return RealtimeEnvelope{}, err
	case env := <-c.in:
		return env, nil
	}
}

func (c *fakeConn) Invoke(_ context.Context, cmd *RealtimeCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invokeErr != nil {
		return c.invokeErr
	}
	c.sent = append(c.sent, cmd)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Sent() []*RealtimeCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*RealtimeCommand(nil), c.sent...)
}

// drop makes the pending Next fail as if the network went away.
func (c *fakeConn) drop(err error) { c.errs <- err }

// ── State recorder ───────────────────────────────────────

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) listen(_, next ConnectionStatus) {
	r.mu.Lock()
	r.states = append(r.states, next.State)
	r.mu.Unlock()
}

func (r *stateRecorder) States() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

// ── Credentials ──────────────────────────────────────────

type countingCreds struct {
	mu          sync.Mutex
	token       string
	calls       int
	invalidated []error
}

func (c *countingCreds) AccessToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.token, c.token != ""
}

func (c *countingCreds) Invalidate(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, err)
}

func (c *countingCreds) Invalidations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.invalidated)
}
