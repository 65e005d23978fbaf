package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the connection manager and its transports.
type RealtimeConfig struct {
	// MaxReconnectAttempts bounds consecutive retries before Failed. At
	// least one retry always happens.
	MaxReconnectAttempts int
	ReconnectSchedule    []time.Duration
	HeartbeatInterval    time.Duration
	PollInterval         time.Duration
	SSESilence           time.Duration
	DialTimeout          time.Duration

	Clock   Clock
	Logger  *zap.Logger
	Metrics *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if len(c.ReconnectSchedule) == 0 {
		c.ReconnectSchedule = DefaultReconnectSchedule
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SSESilence == 0 {
		c.SSESilence = DefaultSSESilence
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Sessions shorter than stableSession count as flaps. After flapThreshold
// consecutive flaps the first retry of each drop is delayed along the
// reconnect schedule instead of being immediate.
const (
	stableSession = 60 * time.Second
	flapThreshold = 3
)

// StateListener observes connection state transitions.
type StateListener func(prev, next ConnectionStatus)

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the realtime session: it connects the transport,
// feeds decoded events to a handler, and reconnects on drops following the
// reconnect schedule. Transport errors never leave the manager; they show
// up as ConnectionStatus.LastError.
type ConnectionManager struct {
	transport RealtimeTransport
	creds     CredentialProvider
	handler   func(Event)
	cfg       RealtimeConfig
	logger    *zap.Logger

	mu     sync.Mutex
	status ConnectionStatus
	conn   TransportConn
	rooms  map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}

	lmu       sync.RWMutex
	listeners []StateListener
}

// NewConnectionManager creates a manager in the Disconnected state.
// handler receives every decoded event from the manager's goroutine.
func NewConnectionManager(transport RealtimeTransport, creds CredentialProvider, handler func(Event), cfg RealtimeConfig) *ConnectionManager {
	cfg.defaults()
	cfg.Metrics.setState(StateDisconnected)
	return &ConnectionManager{
		transport: transport,
		creds:     creds,
		handler:   handler,
		cfg:       cfg,
		logger:    cfg.Logger,
		status:    ConnectionStatus{State: StateDisconnected},
		rooms:     make(map[string]struct{}),
	}
}

// OnStateChange registers a listener called after every transition.
// Listeners run on the manager's goroutine and must not block.
func (m *ConnectionManager) OnStateChange(fn StateListener) {
	m.lmu.Lock()
	m.listeners = append(m.listeners, fn)
	m.lmu.Unlock()
}

// Status returns the current state and last error.
func (m *ConnectionManager) Status() ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	return m.Status().State
}

// JoinedConversations returns the rooms re-joined after a reconnect.
func (m *ConnectionManager) JoinedConversations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.rooms)
}

// Connect starts the session in the background. It returns ErrNoCredential
// if no token is available and is a no-op while a session is already
// connecting, connected or reconnecting. From Failed it starts over.
func (m *ConnectionManager) Connect() error {
	m.mu.Lock()
	switch m.status.State {
	case StateConnecting, StateConnected, StateReconnecting:
		state := m.status.State
		m.mu.Unlock()
		m.logger.Debug("connect ignored", zap.String("state", string(state)))
		return nil
	}
	if _, ok := m.creds.AccessToken(); !ok {
		m.mu.Unlock()
		return ErrNoCredential
	}
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	prev := m.status
	m.status = ConnectionStatus{State: StateConnecting}
	next := m.status
	m.mu.Unlock()

	m.notify(prev, next)
	go m.run(ctx, done)
	return nil
}

// Disconnect tears the session down, cancels any pending retry and forgets
// joined rooms. It blocks until the session goroutine has exited.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel, m.done, m.conn = nil, nil, nil
	m.rooms = make(map[string]struct{})
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	m.transition(context.Background(), StateDisconnected, nil, 0)
}

// JoinConversation subscribes to a conversation's room. Outside Connected
// it is a logged no-op.
func (m *ConnectionManager) JoinConversation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if m.status.State != StateConnected || m.conn == nil {
		state := m.status.State
		m.mu.Unlock()
		m.logger.Info("join ignored while not connected",
			zap.String("conversation_id", conversationID),
			zap.String("state", string(state)))
		return nil
	}
	if _, ok := m.rooms[conversationID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.rooms[conversationID] = struct{}{}
	conn := m.conn
	m.mu.Unlock()

	return m.invokeOn(ctx, conn, conversationCommand(CommandJoin, conversationID))
}

// LeaveConversation unsubscribes from a room. The room is always dropped
// from the re-join set; the server is only told while Connected.
func (m *ConnectionManager) LeaveConversation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	_, joined := m.rooms[conversationID]
	delete(m.rooms, conversationID)
	if m.status.State != StateConnected || m.conn == nil {
		state := m.status.State
		m.mu.Unlock()
		m.logger.Info("leave ignored while not connected",
			zap.String("conversation_id", conversationID),
			zap.String("state", string(state)))
		return nil
	}
	conn := m.conn
	m.mu.Unlock()

	if !joined {
		return nil
	}
	return m.invokeOn(ctx, conn, conversationCommand(CommandLeave, conversationID))
}

// Invoke sends a command over the live session. It returns ErrNotConnected
// outside Connected.
func (m *ConnectionManager) Invoke(ctx context.Context, cmd *RealtimeCommand) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.status.State == StateConnected
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	return conn.Invoke(ctx, cmd)
}

func (m *ConnectionManager) invokeOn(ctx context.Context, conn TransportConn, cmd *RealtimeCommand) error {
	err := conn.Invoke(ctx, cmd)
	if errors.Is(err, ErrCommandUnsupported) {
		m.logger.Debug("command not supported by transport", zap.String("command", cmd.Type))
		return nil
	}
	return err
}

// ── Session loop ─────────────────────────────────────────

func (m *ConnectionManager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	bo := newReconnectBackOff(m.cfg.ReconnectSchedule, m.cfg.MaxReconnectAttempts)
	attempt, flaps := 0, 0
	for {
		conn, err := m.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err == nil {
			connectedAt := m.cfg.Clock.Now()
			if !m.attach(ctx, conn) {
				conn.Close()
				return
			}
			err = m.pump(ctx, conn)
			m.detach(conn)
			conn.Close()
			if ctx.Err() != nil {
				return
			}
			if m.cfg.Clock.Now().Sub(connectedAt) >= stableSession {
				flaps = 0
			} else {
				flaps++
			}
			// every drop from Connected starts a fresh schedule
			bo.Reset()
			attempt = 0
			m.logger.Warn("realtime connection dropped", zap.Error(err), zap.Int("flaps", flaps))
		}

		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNoCredential) {
			m.fail(ctx, err, attempt)
			return
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			m.fail(ctx, err, attempt)
			return
		}
		if attempt == 0 {
			delay = max(delay, m.flapDelay(flaps))
		}
		attempt++
		m.transition(ctx, StateReconnecting, err, attempt)
		m.cfg.Metrics.reconnectAttempt()
		m.logger.Warn("scheduling reconnect",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-m.cfg.Clock.After(delay):
		}
	}
}

// flapDelay is the minimum delay before the first retry after flaps
// consecutive short sessions.
func (m *ConnectionManager) flapDelay(flaps int) time.Duration {
	if flaps < flapThreshold {
		return 0
	}
	schedule := m.cfg.ReconnectSchedule
	i := flaps - flapThreshold + 1
	if i >= len(schedule) {
		i = len(schedule) - 1
	}
	return schedule[i]
}

func (m *ConnectionManager) dial(ctx context.Context) (TransportConn, error) {
	token, ok := m.creds.AccessToken()
	if !ok {
		return nil, ErrNoCredential
	}
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	return m.transport.Connect(dialCtx, token)
}

// attach publishes conn, re-joins remembered rooms and enters Connected.
func (m *ConnectionManager) attach(ctx context.Context, conn TransportConn) bool {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	rooms := sortedKeys(m.rooms)
	m.mu.Unlock()

	for _, id := range rooms {
		if err := m.invokeOn(ctx, conn, conversationCommand(CommandJoin, id)); err != nil {
			m.logger.Warn("re-join failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	m.transition(ctx, StateConnected, nil, 0)
	return true
}

func (m *ConnectionManager) detach(conn TransportConn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
}

// pump reads until the session drops. Undecodable frames are dropped and
// the session continues.
func (m *ConnectionManager) pump(ctx context.Context, conn TransportConn) error {
	for {
		env, err := conn.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrMalformedEvent) {
				m.drop(env.Type, err)
				continue
			}
			return err
		}
		m.dispatch(env)
	}
}

func (m *ConnectionManager) dispatch(env RealtimeEnvelope) {
	switch env.Type {
	case envAuthenticated, envPong:
		return
	case envError:
		m.logger.Warn("realtime server error", zap.ByteString("payload", env.Payload))
		return
	}
	ev, err := DecodeEvent(env)
	if err != nil {
		m.drop(env.Type, err)
		return
	}
	if ev == nil {
		m.logger.Debug("ignoring realtime event", zap.String("event_type", env.Type))
		return
	}
	m.handler(ev)
}

func (m *ConnectionManager) drop(eventType string, err error) {
	m.logger.Warn("dropping malformed event", zap.String("event_type", eventType), zap.Error(err))
	m.cfg.Metrics.eventDropped(dropMalformed)
}

func (m *ConnectionManager) fail(ctx context.Context, err error, attempt int) {
	if errors.Is(err, ErrUnauthorized) {
		m.creds.Invalidate(err)
	}
	m.transition(ctx, StateFailed, err, attempt)
}

// transition records a new state and notifies listeners. A cancelled ctx
// suppresses the transition; the session was torn down by Disconnect.
func (m *ConnectionManager) transition(ctx context.Context, state ConnectionState, err error, attempt int) {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	prev := m.status
	next := ConnectionStatus{State: state, LastError: err, Attempt: attempt}
	if state == StateConnected {
		next.LastError = nil
	}
	m.status = next
	m.mu.Unlock()

	m.notify(prev, next)
}

func (m *ConnectionManager) notify(prev, next ConnectionStatus) {
	if prev.State == next.State && prev.Attempt == next.Attempt {
		return
	}
	m.cfg.Metrics.setState(next.State)
	m.logger.Info("realtime state changed",
		zap.String("from", string(prev.State)),
		zap.String("to", string(next.State)),
		zap.Int("attempt", next.Attempt),
		zap.Error(next.LastError))

	m.lmu.RLock()
	listeners := append([]StateListener(nil), m.listeners...)
	m.lmu.RUnlock()
	for _, fn := range listeners {
		fn(prev, next)
	}
}
