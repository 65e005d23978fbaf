package chatsync

import (
	"sort"
	"sync"
)

// ============================================================================
// Snapshot storage
// ============================================================================

// CachedLog is a persisted conversation log.
type CachedLog struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// SnapshotStorage persists the conversation list and loaded logs so a new
// session can render before the network answers. Implementations must be
// safe for concurrent use. A missing entry is not an error.
type SnapshotStorage interface {
	PutConversations(convs []Conversation) error
	GetConversations() ([]Conversation, error)
	PutMessages(conversationID string, log CachedLog) error
	GetMessages(conversationID string) (CachedLog, bool, error)
	GetCursor(key string) (string, error)
	SetCursor(key, value string) error
}

// SnapshotPruner is implemented by storages that can enumerate and drop
// cached logs. The engine uses it to discard logs of conversations the
// server no longer lists.
type SnapshotPruner interface {
	CachedConversations() ([]string, error)
	Forget(conversationID string) error
}

// MemoryStorage is a goroutine-safe in-memory SnapshotStorage.
type MemoryStorage struct {
	mu            sync.RWMutex
	conversations []Conversation
	logs          map[string]CachedLog
	cursors       map[string]string
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		logs:    make(map[string]CachedLog),
		cursors: make(map[string]string),
	}
}

// ── Conversations ────────────────────────────────────────

func (s *MemoryStorage) PutConversations(convs []Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = append([]Conversation(nil), convs...)
	return nil
}

func (s *MemoryStorage) GetConversations() ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Conversation(nil), s.conversations...), nil
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryStorage) PutMessages(conversationID string, log CachedLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[conversationID] = CachedLog{
		Messages: append([]Message(nil), log.Messages...),
		HasMore:  log.HasMore,
	}
	return nil
}

func (s *MemoryStorage) GetMessages(conversationID string) (CachedLog, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.logs[conversationID]
	if !ok {
		return CachedLog{}, false, nil
	}
	return CachedLog{Messages: append([]Message(nil), l.Messages...), HasMore: l.HasMore}, true, nil
}

func (s *MemoryStorage) CachedConversations() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.logs))
	for id := range s.logs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStorage) Forget(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, conversationID)
	return nil
}

// ── Cursors ──────────────────────────────────────────────

func (s *MemoryStorage) GetCursor(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[key], nil
}

func (s *MemoryStorage) SetCursor(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[key] = value
	return nil
}
