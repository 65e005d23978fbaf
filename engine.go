// Package chatsync keeps a client-side view of a chat account (the
// conversation list, message history per conversation, presence and typing
// state) consistent across three sources: realtime push events, paginated
// history fetches and the client's own sends.
//
// Example:
//
//	creds := chatsync.NewStaticCredentials(token, nil)
//	engine := chatsync.NewEngine(chatsync.Config{BaseURL: "https://prismer.cloud"}, creds,
//		chatsync.WithLogger(logger))
//
//	engine.Store().Subscribe(func(c chatsync.Change) { render(c) })
//	engine.Connect()
//	engine.FetchConversations(ctx)
//	engine.OpenConversation(ctx, "conv-123")
//	engine.SendMessage(ctx, "conv-123", chatsync.TextContent{Text: "hi"}, chatsync.SendOptions{})
package chatsync

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ============================================================================
// Configuration
// ============================================================================

// TransportKind selects the realtime transport.
type TransportKind string

const (
	TransportWebSocket TransportKind = "ws"
	TransportSSE       TransportKind = "sse"
	TransportPoll      TransportKind = "poll"
)

const (
	DefaultTypingInterval = 3 * time.Second
	gapFillTimeout        = 30 * time.Second
	pollCursorKey         = "sync"
)

// Config configures an Engine.
type Config struct {
	BaseURL   string
	Transport TransportKind
	PageSize  int
	// PendingCorrections > 0 buffers that many edits/deletes that arrive
	// before their message is loaded. Zero drops them.
	PendingCorrections int
	TypingInterval     time.Duration
	Realtime           RealtimeConfig
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Transport == "" {
		c.Transport = TransportWebSocket
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.TypingInterval <= 0 {
		c.TypingInterval = DefaultTypingInterval
	}
}

// Option configures optional Engine collaborators.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	clock      Clock
	storage    SnapshotStorage
	httpClient *http.Client
	transport  RealtimeTransport
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics registers the engine's collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock replaces the wall clock used for reconnect delays and the
// typing throttle.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSnapshotStorage enables persisting fetched state for Hydrate.
func WithSnapshotStorage(s SnapshotStorage) Option {
	return func(o *options) { o.storage = s }
}

// WithHTTPClient sets the client used for API calls and stream transports.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTransport overrides the transport selected by Config.Transport.
func WithTransport(t RealtimeTransport) Option {
	return func(o *options) { o.transport = t }
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the sync façade: it owns the Store and coordinates the
// connection manager, the HTTP API and the reconciler. Sends never write
// to the Store directly; a sent message appears when its push event (or
// the next page fetch) delivers it.
type Engine struct {
	cfg        Config
	store      *Store
	reconciler *Reconciler
	api        *APIClient
	conn       *ConnectionManager
	poll       *PollTransport
	storage    SnapshotStorage
	clock      Clock
	logger     *zap.Logger
	metrics    *Metrics

	typingMu sync.Mutex
	typing   map[string]*rate.Limiter
}

// NewEngine wires an engine. creds is consulted at connect time and on
// every HTTP call.
func NewEngine(cfg Config, creds CredentialProvider, opts ...Option) *Engine {
	cfg.defaults()
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = realClock{}
	}
	var metrics *Metrics
	if o.registerer != nil {
		metrics = NewMetrics(o.registerer)
	}

	e := &Engine{
		cfg:     cfg,
		store:   NewStore(),
		storage: o.storage,
		clock:   o.clock,
		logger:  o.logger,
		metrics: metrics,
		typing:  make(map[string]*rate.Limiter),
	}
	e.api = NewAPIClient(cfg.BaseURL, creds, o.httpClient, metrics)
	e.reconciler = NewReconciler(e.store, o.logger.Named("reconcile"), metrics, cfg.PendingCorrections)

	rt := cfg.Realtime
	rt.Clock, rt.Logger, rt.Metrics = o.clock, o.logger.Named("realtime"), metrics
	rt.defaults()

	transport := o.transport
	if transport == nil {
		transport = e.newTransport(cfg.Transport, rt, o.httpClient)
	}
	e.conn = NewConnectionManager(transport, creds, e.reconciler.Apply, rt)
	e.conn.OnStateChange(e.onStateChange)
	return e
}

func (e *Engine) newTransport(kind TransportKind, rt RealtimeConfig, httpClient *http.Client) RealtimeTransport {
	stream := streamClient(httpClient)
	switch kind {
	case TransportSSE:
		return NewSSETransport(e.cfg.BaseURL, rt.SSESilence, stream)
	case TransportPoll:
		e.poll = NewPollTransport(e.api, rt.PollInterval)
		e.poll.clock = rt.Clock
		return e.poll
	default:
		return NewWSTransport(e.cfg.BaseURL, rt.HeartbeatInterval, stream)
	}
}

// streamClient strips the overall request timeout, which would cut
// long-lived streams.
func streamClient(c *http.Client) *http.Client {
	if c == nil || c.Timeout == 0 {
		return c
	}
	cp := *c
	cp.Timeout = 0
	return &cp
}

// Store returns the engine's state container.
func (e *Engine) Store() *Store { return e.store }

// API returns the underlying HTTP client.
func (e *Engine) API() *APIClient { return e.api }

// Status returns the realtime connection state and last error.
func (e *Engine) Status() ConnectionStatus { return e.conn.Status() }

// OnStateChange registers a connection state listener.
func (e *Engine) OnStateChange(fn StateListener) { e.conn.OnStateChange(fn) }

// ── Connection ───────────────────────────────────────────

// Connect starts the realtime session in the background. Progress is
// reported through Status and OnStateChange.
func (e *Engine) Connect() error {
	return e.conn.Connect()
}

// Disconnect tears the realtime session down.
func (e *Engine) Disconnect() {
	e.conn.Disconnect()
	if e.poll != nil && e.storage != nil {
		if err := e.storage.SetCursor(pollCursorKey, strconv.FormatInt(e.poll.Cursor(), 10)); err != nil {
			e.logger.Warn("persist sync cursor", zap.Error(err))
		}
	}
}

// JoinConversation subscribes to a conversation's push events. It is a
// logged no-op unless connected.
func (e *Engine) JoinConversation(ctx context.Context, conversationID string) error {
	return e.conn.JoinConversation(ctx, conversationID)
}

// LeaveConversation drops the subscription. In-flight fetches for the
// conversation still complete and are applied.
func (e *Engine) LeaveConversation(ctx context.Context, conversationID string) error {
	return e.conn.LeaveConversation(ctx, conversationID)
}

// SendTypingIndicator tells the room the user is composing. Best effort:
// calls within the typing interval are dropped and failures are only
// logged.
func (e *Engine) SendTypingIndicator(ctx context.Context, conversationID string) {
	if !e.typingLimiter(conversationID).AllowN(e.clock.Now(), 1) {
		return
	}
	if err := e.conn.Invoke(ctx, conversationCommand(CommandTypingOn, conversationID)); err != nil {
		e.logger.Debug("typing indicator not sent", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// StopTypingIndicator clears the user's typing state and resets the
// throttle. Best effort.
func (e *Engine) StopTypingIndicator(ctx context.Context, conversationID string) {
	e.typingMu.Lock()
	delete(e.typing, conversationID)
	e.typingMu.Unlock()
	if err := e.conn.Invoke(ctx, conversationCommand(CommandTypingOff, conversationID)); err != nil {
		e.logger.Debug("typing stop not sent", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (e *Engine) typingLimiter(conversationID string) *rate.Limiter {
	e.typingMu.Lock()
	defer e.typingMu.Unlock()
	l, ok := e.typing[conversationID]
	if !ok {
		l = rate.NewLimiter(rate.Every(e.cfg.TypingInterval), 1)
		e.typing[conversationID] = l
	}
	return l
}

// onStateChange subscribes the selected conversation whenever the session
// comes up, since an open issued before Connected could not join. After a
// reconnect it also closes the gap left by the disconnect window: push
// delivery is not replayed, so the latest page is re-fetched.
func (e *Engine) onStateChange(prev, next ConnectionStatus) {
	if next.State != StateConnected {
		return
	}
	selected := e.store.SelectedConversationID()
	if selected == "" {
		return
	}
	gapFill := prev.State == StateReconnecting
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), gapFillTimeout)
		defer cancel()
		if err := e.conn.JoinConversation(ctx, selected); err != nil {
			e.logger.Warn("join failed", zap.String("conversation_id", selected), zap.Error(err))
		}
		if !gapFill {
			return
		}
		if _, err := e.FetchMessages(ctx, selected, ""); err != nil {
			e.logger.Warn("gap fill failed", zap.String("conversation_id", selected), zap.Error(err))
		}
	}()
}

// ── History and conversations ────────────────────────────

// FetchMessages loads one page of history. An empty before loads the
// latest page; otherwise the page older than before is merged at the head.
// On error the Store is left untouched.
func (e *Engine) FetchMessages(ctx context.Context, conversationID, before string) (MessagePage, error) {
	page, err := e.api.Messages.History(ctx, conversationID, PageOptions{Limit: e.cfg.PageSize, BeforeMessageID: before})
	if err != nil {
		return MessagePage{}, err
	}
	if before == "" {
		e.reconciler.ApplyLatestPage(conversationID, page)
	} else {
		e.reconciler.ApplyOlderPage(conversationID, page)
	}
	e.persistLog(conversationID)
	return page, nil
}

// FetchOlderMessages pages backward from the current cursor. It returns
// false without calling the network when the server has no older pages.
func (e *Engine) FetchOlderMessages(ctx context.Context, conversationID string) (bool, error) {
	cursor := e.store.OldestMessageID(conversationID)
	if cursor == "" || !e.store.HasMore(conversationID) {
		return false, nil
	}
	if _, err := e.FetchMessages(ctx, conversationID, cursor); err != nil {
		return false, err
	}
	return true, nil
}

// FetchConversations refreshes the full conversation list.
func (e *Engine) FetchConversations(ctx context.Context) ([]Conversation, error) {
	convs, err := e.api.Conversations.List(ctx)
	if err != nil {
		return nil, err
	}
	e.store.SetConversations(convs)
	if e.storage != nil {
		if err := e.storage.PutConversations(convs); err != nil {
			e.logger.Warn("persist conversations", zap.Error(err))
		}
		e.pruneLogs(convs)
	}
	return convs, nil
}

// OpenConversation selects a conversation, joins its room and loads the
// latest page unless it was already fetched this session.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	e.store.SelectConversation(conversationID)
	if err := e.conn.JoinConversation(ctx, conversationID); err != nil {
		e.logger.Warn("join failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	if e.reconciler.Fetched(conversationID) {
		return nil
	}
	_, err := e.FetchMessages(ctx, conversationID, "")
	return err
}

// CloseConversation clears the selection and leaves its room.
func (e *Engine) CloseConversation(ctx context.Context) error {
	id := e.store.SelectedConversationID()
	if id == "" {
		return nil
	}
	e.store.SelectConversation("")
	return e.conn.LeaveConversation(ctx, id)
}

// GetOrCreateDirect returns the direct conversation with userID and adds
// it to the list.
func (e *Engine) GetOrCreateDirect(ctx context.Context, userID string) (Conversation, error) {
	conv, err := e.api.Conversations.CreateDirect(ctx, userID)
	if err != nil {
		return Conversation{}, err
	}
	e.store.UpsertConversation(conv)
	return conv, nil
}

// ── Writes ───────────────────────────────────────────────

// SendMessage posts a message. The Store is not touched: on success the
// message arrives through the push path; on failure the caller keeps its
// draft.
func (e *Engine) SendMessage(ctx context.Context, conversationID string, content MessageContent, opts SendOptions) (Message, error) {
	return e.api.Messages.Send(ctx, conversationID, content, opts)
}

// EditMessage replaces a message's text. The Store is updated by the echo.
func (e *Engine) EditMessage(ctx context.Context, messageID, text string) error {
	return e.api.Messages.Edit(ctx, messageID, text)
}

// DeleteMessage removes a message. The Store is updated by the echo.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	return e.api.Messages.Delete(ctx, messageID)
}

// ── Snapshot ─────────────────────────────────────────────

// Hydrate loads the persisted snapshot into the Store. Hydrated logs are
// replaced by the first network fetch of each conversation.
func (e *Engine) Hydrate() error {
	if e.storage == nil {
		return nil
	}
	convs, err := e.storage.GetConversations()
	if err != nil {
		return err
	}
	if len(convs) > 0 {
		e.store.SetConversations(convs)
	}
	for _, c := range convs {
		log, ok, err := e.storage.GetMessages(c.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		e.store.SetMessageLog(c.ID, log.Messages)
		e.store.SetHasMore(c.ID, log.HasMore)
	}
	if e.poll != nil {
		v, err := e.storage.GetCursor(pollCursorKey)
		if err != nil {
			return err
		}
		if seq, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.poll.SetCursor(seq)
		}
	}
	return nil
}

// pruneLogs forgets cached logs of conversations missing from convs or
// soft-deleted there.
func (e *Engine) pruneLogs(convs []Conversation) {
	pruner, ok := e.storage.(SnapshotPruner)
	if !ok {
		return
	}
	cached, err := pruner.CachedConversations()
	if err != nil {
		e.logger.Warn("list cached logs", zap.Error(err))
		return
	}
	listed := make(map[string]struct{}, len(convs))
	for _, c := range convs {
		if !c.IsDeleted {
			listed[c.ID] = struct{}{}
		}
	}
	for _, id := range cached {
		if _, ok := listed[id]; ok {
			continue
		}
		if err := pruner.Forget(id); err != nil {
			e.logger.Warn("forget cached log", zap.String("conversation_id", id), zap.Error(err))
			continue
		}
		e.logger.Debug("forgot cached log", zap.String("conversation_id", id))
	}
}

func (e *Engine) persistLog(conversationID string) {
	if e.storage == nil {
		return
	}
	log := CachedLog{Messages: e.store.Messages(conversationID), HasMore: e.store.HasMore(conversationID)}
	if err := e.storage.PutMessages(conversationID, log); err != nil {
		e.logger.Warn("persist messages", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
