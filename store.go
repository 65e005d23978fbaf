package chatsync

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind names the store mutation that produced a Change.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeSelection     ChangeKind = "selection"
	ChangeMessages      ChangeKind = "messages"
	ChangePagination    ChangeKind = "pagination"
	ChangePresence      ChangeKind = "presence"
	ChangeTyping        ChangeKind = "typing"
)

// Change is delivered to observers after every effective mutation.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
	UserID         string
}

// Observer receives store changes. It runs synchronously after the
// mutation has been committed and the store lock released.
type Observer func(Change)

// ============================================================================
// Store
// ============================================================================

// messageLog is one conversation's loaded history, sorted by
// (CreatedAt, ID) ascending with unique IDs.
type messageLog struct {
	messages []Message
	ids      map[string]struct{}
	hasMore  bool
	oldestID string
}

func newMessageLog() *messageLog {
	return &messageLog{ids: make(map[string]struct{})}
}

func (l *messageLog) indexOf(id string) int {
	if _, ok := l.ids[id]; !ok {
		return -1
	}
	for i := range l.messages {
		if l.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// insert places m at its sorted position, or replaces an existing entry
// with the same ID in place.
func (l *messageLog) insert(m Message) {
	if i := l.indexOf(m.ID); i >= 0 {
		l.messages[i] = m
		return
	}
	i := sort.Search(len(l.messages), func(i int) bool { return m.Before(l.messages[i]) })
	l.messages = append(l.messages, Message{})
	copy(l.messages[i+1:], l.messages[i:])
	l.messages[i] = m
	l.ids[m.ID] = struct{}{}
}

func (l *messageLog) refreshOldest() {
	if len(l.messages) == 0 {
		l.oldestID = ""
		return
	}
	l.oldestID = l.messages[0].ID
}

// Store is the authoritative client-side state: conversation list,
// per-conversation message logs with pagination cursors, presence and
// typing sets. It performs no I/O. Every method is atomic.
type Store struct {
	mu            sync.RWMutex
	conversations []*Conversation
	convIndex     map[string]*Conversation
	selected      string
	logs          map[string]*messageLog
	online        map[string]struct{}
	typing        map[string]map[string]struct{}

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		convIndex: make(map[string]*Conversation),
		logs:      make(map[string]*messageLog),
		online:    make(map[string]struct{}),
		typing:    make(map[string]map[string]struct{}),
		observers: make(map[int]Observer),
	}
}

// Subscribe registers an observer and returns a function removing it.
func (s *Store) Subscribe(fn Observer) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.obsMu.RLock()
	handlers := make([]Observer, 0, len(s.observers))
	for _, h := range s.observers {
		handlers = append(handlers, h)
	}
	s.obsMu.RUnlock()
	for _, c := range changes {
		for _, h := range handlers {
			func() {
				defer func() { recover() }() // swallow panics in user callbacks
				h(c)
			}()
		}
	}
}

// ── Conversations ────────────────────────────────────────

// SetConversations replaces the conversation list wholesale.
func (s *Store) SetConversations(list []Conversation) {
	s.mu.Lock()
	s.conversations = make([]*Conversation, 0, len(list))
	s.convIndex = make(map[string]*Conversation, len(list))
	for _, c := range list {
		if existing, ok := s.convIndex[c.ID]; ok {
			*existing = c
			continue
		}
		conv := c
		s.conversations = append(s.conversations, &conv)
		s.convIndex[c.ID] = &conv
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversations})
}

// UpsertConversation inserts conv at the head of the list if it is new,
// otherwise merges its fields into the existing entry without reordering.
func (s *Store) UpsertConversation(conv Conversation) {
	s.mu.Lock()
	if existing, ok := s.convIndex[conv.ID]; ok {
		existing.merge(conv)
	} else {
		c := conv
		s.conversations = append([]*Conversation{&c}, s.conversations...)
		s.convIndex[c.ID] = &c
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversations, ConversationID: conv.ID})
}

// SelectConversation sets the active conversation pointer. Pass "" to
// clear it.
func (s *Store) SelectConversation(id string) {
	s.mu.Lock()
	if s.selected == id {
		s.mu.Unlock()
		return
	}
	s.selected = id
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeSelection, ConversationID: id})
}

// UpdateConversationPreview updates the denormalized list-sort fields only.
func (s *Store) UpdateConversationPreview(conversationID, previewText, senderName string, at time.Time) {
	s.mu.Lock()
	conv, ok := s.convIndex[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !conv.LastMessageAt.IsZero() && at.Before(conv.LastMessageAt) {
		// An older message never replaces a newer preview.
		s.mu.Unlock()
		return
	}
	conv.LastMessageText = previewText
	conv.LastMessageSender = senderName
	conv.LastMessageAt = at
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeConversations, ConversationID: conversationID})
}

// Conversations returns a copy of the list in stored order.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = *c
	}
	return out
}

// SortedConversations returns a copy of the list, most recent activity first.
func (s *Store) SortedConversations() []Conversation {
	out := s.Conversations()
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out
}

// Conversation returns one conversation by ID.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convIndex[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// SelectedConversationID returns the active conversation, or "".
func (s *Store) SelectedConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// ── Message logs ─────────────────────────────────────────

// SetMessageLog replaces the full log for a conversation. Input order
// does not matter; duplicates collapse to the last occurrence.
func (s *Store) SetMessageLog(conversationID string, messages []Message) {
	l := newMessageLog()
	for _, m := range messages {
		l.insert(m)
	}
	l.refreshOldest()

	s.mu.Lock()
	s.logs[conversationID] = l
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})
}

// ReplaceMessageLog swaps in a new log built from messages, carrying over
// entries of the current log whose IDs are in keep. On an ID collision the
// entry from messages wins.
func (s *Store) ReplaceMessageLog(conversationID string, messages []Message, keep map[string]struct{}) {
	l := newMessageLog()
	s.mu.Lock()
	if old, ok := s.logs[conversationID]; ok && len(keep) > 0 {
		for _, m := range old.messages {
			if _, ok := keep[m.ID]; ok {
				l.insert(m)
			}
		}
	}
	for _, m := range messages {
		l.insert(m)
	}
	l.refreshOldest()
	s.logs[conversationID] = l
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: conversationID})
}

// AppendMessage inserts m into a loaded log. A message whose ID is
// already present replaces the existing entry in place. It returns false
// without changes when the conversation's log has not been loaded.
func (s *Store) AppendMessage(conversationID string, m Message) bool {
	s.mu.Lock()
	l, ok := s.logs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	l.insert(m)
	l.refreshOldest()
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: conversationID, MessageID: m.ID})
	return true
}

// PrependMessages merges an older page into the log, deduplicating by ID,
// and moves the pagination cursor to the earliest message. The log is
// created if it does not exist.
func (s *Store) PrependMessages(conversationID string, older []Message) {
	s.merge(conversationID, older, ChangePagination)
}

// MergeMessages inserts messages anywhere in the log, deduplicating by ID.
// Used to close gaps after a reconnect. HasMore is left untouched.
func (s *Store) MergeMessages(conversationID string, messages []Message) {
	s.merge(conversationID, messages, ChangeMessages)
}

func (s *Store) merge(conversationID string, messages []Message, kind ChangeKind) {
	s.mu.Lock()
	l, ok := s.logs[conversationID]
	if !ok {
		l = newMessageLog()
		s.logs[conversationID] = l
	}
	for _, m := range messages {
		l.insert(m)
	}
	l.refreshOldest()
	s.mu.Unlock()
	s.notify(Change{Kind: kind, ConversationID: conversationID})
}

// PatchMessage applies an edit. It returns false if the message is not in
// the conversation's log.
func (s *Store) PatchMessage(conversationID, messageID string, patch MessagePatch) bool {
	s.mu.Lock()
	l, ok := s.logs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	i := l.indexOf(messageID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	patch.apply(&l.messages[i])
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: conversationID, MessageID: messageID})
	return true
}

// RemoveMessage deletes a message by ID. It returns false if absent.
func (s *Store) RemoveMessage(conversationID, messageID string) bool {
	s.mu.Lock()
	l, ok := s.logs[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	i := l.indexOf(messageID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	l.messages = append(l.messages[:i], l.messages[i+1:]...)
	delete(l.ids, messageID)
	l.refreshOldest()
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeMessages, ConversationID: conversationID, MessageID: messageID})
	return true
}

// SetHasMore records whether older pages exist on the server. It is a
// no-op for a conversation whose log has not been loaded.
func (s *Store) SetHasMore(conversationID string, hasMore bool) {
	s.mu.Lock()
	l, ok := s.logs[conversationID]
	if !ok || l.hasMore == hasMore {
		s.mu.Unlock()
		return
	}
	l.hasMore = hasMore
	s.mu.Unlock()
	s.notify(Change{Kind: ChangePagination, ConversationID: conversationID})
}

// SetOldestMessageID sets the pagination cursor. The cursor must name the
// earliest message in the log ("" for an empty log); other values are
// rejected and false is returned.
func (s *Store) SetOldestMessageID(conversationID, id string) bool {
	s.mu.Lock()
	l, ok := s.logs[conversationID]
	if !ok {
		s.mu.Unlock()
		return id == ""
	}
	want := ""
	if len(l.messages) > 0 {
		want = l.messages[0].ID
	}
	if id != want {
		s.mu.Unlock()
		return false
	}
	l.oldestID = id
	s.mu.Unlock()
	return true
}

// HasLog reports whether the conversation's history has been loaded.
func (s *Store) HasLog(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.logs[conversationID]
	return ok
}

// Messages returns a copy of the conversation's log in order.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return nil
	}
	return append([]Message(nil), l.messages...)
}

// Message looks up one message in a conversation's log.
func (s *Store) Message(conversationID, messageID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return Message{}, false
	}
	i := l.indexOf(messageID)
	if i < 0 {
		return Message{}, false
	}
	return l.messages[i], true
}

// FindMessageConversation scans every loaded log for messageID.
func (s *Store) FindMessageConversation(messageID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for convID, l := range s.logs {
		if _, ok := l.ids[messageID]; ok {
			return convID, true
		}
	}
	return "", false
}

// HasMore reports whether older pages exist for the conversation.
func (s *Store) HasMore(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.logs[conversationID]; ok {
		return l.hasMore
	}
	return false
}

// OldestMessageID returns the pagination cursor, or "" for an empty log.
func (s *Store) OldestMessageID(conversationID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if l, ok := s.logs[conversationID]; ok {
		return l.oldestID
	}
	return ""
}

// ── Presence ─────────────────────────────────────────────

// SetUserOnline adds userID to the presence set.
func (s *Store) SetUserOnline(userID string) {
	s.mu.Lock()
	if _, ok := s.online[userID]; ok {
		s.mu.Unlock()
		return
	}
	s.online[userID] = struct{}{}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangePresence, UserID: userID})
}

// SetUserOffline removes userID from the presence set.
func (s *Store) SetUserOffline(userID string) {
	s.mu.Lock()
	if _, ok := s.online[userID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.online, userID)
	s.mu.Unlock()
	s.notify(Change{Kind: ChangePresence, UserID: userID})
}

// IsOnline reports presence membership.
func (s *Store) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[userID]
	return ok
}

// OnlineUsers returns the presence set, sorted.
func (s *Store) OnlineUsers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.online)
}

// ── Typing ───────────────────────────────────────────────

// SetTyping marks userID as composing in a conversation.
func (s *Store) SetTyping(conversationID, userID string) {
	s.mu.Lock()
	set, ok := s.typing[conversationID]
	if !ok {
		set = make(map[string]struct{})
		s.typing[conversationID] = set
	}
	if _, ok := set[userID]; ok {
		s.mu.Unlock()
		return
	}
	set[userID] = struct{}{}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeTyping, ConversationID: conversationID, UserID: userID})
}

// ClearTyping removes userID from a conversation's typing set and drops
// the conversation entry once its set is empty.
func (s *Store) ClearTyping(conversationID, userID string) {
	s.mu.Lock()
	set, ok := s.typing[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, ok := set[userID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(set, userID)
	if len(set) == 0 {
		delete(s.typing, conversationID)
	}
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeTyping, ConversationID: conversationID, UserID: userID})
}

// TypingUsers returns the users composing in a conversation, sorted.
func (s *Store) TypingUsers(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.typing[conversationID])
}

// TypingConversations returns the conversations that have a typing entry.
func (s *Store) TypingConversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.typing))
	for id := range s.typing {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
