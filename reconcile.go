package chatsync

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// pendingCorrection is an edit or delete that arrived before its target
// message was loaded.
type pendingCorrection struct {
	conversationID string
	deleted        bool
	content        string
	editedAt       time.Time
}

// Reconciler maps inbound items from push events and history pages onto
// Store operations. It is transport-agnostic and safe for concurrent use.
type Reconciler struct {
	store   *Store
	logger  *zap.Logger
	metrics *Metrics

	// pending is nil when corrections for unseen messages are dropped.
	pending *lru.Cache

	mu     sync.Mutex
	fresh  map[string]bool // logs fetched from the network this session
	// pushed holds IDs delivered by push into logs not yet fetched this
	// session; the first fetch keeps them.
	pushed map[string]map[string]struct{}
}

// NewReconciler creates a reconciler writing to store. pendingCorrections
// bounds the buffer of edits/deletes held for messages that are not loaded
// yet; zero drops them.
func NewReconciler(store *Store, logger *zap.Logger, metrics *Metrics, pendingCorrections int) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		store:   store,
		logger:  logger,
		metrics: metrics,
		fresh:   make(map[string]bool),
		pushed:  make(map[string]map[string]struct{}),
	}
	if pendingCorrections > 0 {
		// lru.New only fails for a non-positive size.
		r.pending, _ = lru.New(pendingCorrections)
	}
	return r
}

// Apply routes one inbound event to the store.
func (r *Reconciler) Apply(ev Event) {
	switch e := ev.(type) {
	case MessageReceived:
		r.applyMessage(e.Message)
	case MessageEdited:
		r.applyEdit(e)
	case MessageDeleted:
		r.applyDelete(e)
	case UserOnline:
		r.store.SetUserOnline(e.UserID)
	case UserOffline:
		r.store.SetUserOffline(e.UserID)
	case UserTyping:
		r.store.SetTyping(e.ConversationID, e.UserID)
	case UserStoppedTyping:
		r.store.ClearTyping(e.ConversationID, e.UserID)
	default:
		return
	}
	r.metrics.eventReceived(ev.Kind())
}

func (r *Reconciler) applyMessage(m Message) {
	convID := m.ConversationID
	r.mu.Lock()
	if !r.fresh[convID] && r.store.HasLog(convID) {
		ids := r.pushed[convID]
		if ids == nil {
			ids = make(map[string]struct{})
			r.pushed[convID] = ids
		}
		ids[m.ID] = struct{}{}
	}
	r.mu.Unlock()
	if r.store.AppendMessage(convID, m) {
		r.flushPending(convID, m.ID)
	}
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	r.store.UpdateConversationPreview(convID, m.Preview(), sender, m.CreatedAt)
	r.store.ClearTyping(convID, m.SenderID)
}

func (r *Reconciler) applyEdit(e MessageEdited) {
	convID := r.owner(e.MessageID, e.ConversationID)
	text, at := e.Content, e.EditedAt
	if convID != "" && r.store.PatchMessage(convID, e.MessageID, MessagePatch{Text: &text, EditedAt: &at}) {
		return
	}
	r.hold(e.MessageID, pendingCorrection{conversationID: e.ConversationID, content: e.Content, editedAt: e.EditedAt})
}

func (r *Reconciler) applyDelete(e MessageDeleted) {
	convID := r.owner(e.MessageID, e.ConversationID)
	if convID != "" && r.store.RemoveMessage(convID, e.MessageID) {
		return
	}
	r.hold(e.MessageID, pendingCorrection{conversationID: e.ConversationID, deleted: true})
}

// owner returns the conversation holding messageID, scanning every loaded
// log when the event did not name one.
func (r *Reconciler) owner(messageID, conversationID string) string {
	if conversationID != "" {
		return conversationID
	}
	id, _ := r.store.FindMessageConversation(messageID)
	return id
}

func (r *Reconciler) hold(messageID string, c pendingCorrection) {
	if r.pending == nil {
		r.logger.Debug("dropping correction for unseen message",
			zap.String("message_id", messageID),
			zap.Bool("deleted", c.deleted))
		r.metrics.eventDropped(dropOutOfScope)
		return
	}
	if v, ok := r.pending.Peek(messageID); ok {
		prev := v.(pendingCorrection)
		if prev.deleted || (!c.deleted && c.editedAt.Before(prev.editedAt)) {
			return
		}
	}
	r.pending.Add(messageID, c)
}

// flushPending applies a buffered correction once its message is in the log.
func (r *Reconciler) flushPending(conversationID, messageID string) {
	if r.pending == nil {
		return
	}
	v, ok := r.pending.Get(messageID)
	if !ok {
		return
	}
	c := v.(pendingCorrection)
	if c.conversationID != "" && c.conversationID != conversationID {
		return
	}
	r.pending.Remove(messageID)
	if c.deleted {
		r.store.RemoveMessage(conversationID, messageID)
		return
	}
	if m, ok := r.store.Message(conversationID, messageID); ok && !m.EditedAt.Before(c.editedAt) {
		return
	}
	text, at := c.content, c.editedAt
	r.store.PatchMessage(conversationID, messageID, MessagePatch{Text: &text, EditedAt: &at})
}

// ── History pages ────────────────────────────────────────

// ApplyLatestPage applies the newest page of a conversation. The first
// page fetched this session replaces whatever log is held, keeping
// messages pushed while the fetch was in flight; later ones (reconnect gap
// fills) are merged in.
func (r *Reconciler) ApplyLatestPage(conversationID string, page MessagePage) {
	msgs := ascending(conversationID, page.Messages)

	r.mu.Lock()
	replace := !r.fresh[conversationID] || !r.store.HasLog(conversationID)
	r.fresh[conversationID] = true
	keep := r.pushed[conversationID]
	delete(r.pushed, conversationID)
	r.mu.Unlock()

	if replace {
		r.store.ReplaceMessageLog(conversationID, msgs, keep)
		r.store.SetHasMore(conversationID, page.HasMore)
	} else {
		r.store.MergeMessages(conversationID, msgs)
	}
	r.flushPage(conversationID, msgs)
}

// ApplyOlderPage merges a page fetched with a cursor at the head of the log.
func (r *Reconciler) ApplyOlderPage(conversationID string, page MessagePage) {
	msgs := ascending(conversationID, page.Messages)
	r.store.PrependMessages(conversationID, msgs)
	r.store.SetHasMore(conversationID, page.HasMore)
	r.flushPage(conversationID, msgs)
}

// Fetched reports whether the conversation's log came from the network
// during this session.
func (r *Reconciler) Fetched(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fresh[conversationID] && r.store.HasLog(conversationID)
}

func (r *Reconciler) flushPage(conversationID string, msgs []Message) {
	if r.pending == nil || r.pending.Len() == 0 {
		return
	}
	for _, m := range msgs {
		r.flushPending(conversationID, m.ID)
	}
}

// ascending reverses a newest-first server page and fills in a missing
// conversation ID.
func ascending(conversationID string, newestFirst []Message) []Message {
	out := make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		out[len(newestFirst)-1-i] = m
	}
	return out
}
