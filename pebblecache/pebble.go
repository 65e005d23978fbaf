// Package pebblecache is an on-disk chatsync.SnapshotStorage backed by
// Pebble.
package pebblecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	pebble "github.com/cockroachdb/pebble"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
)

const (
	conversationsKey = "conv:list"
	logPrefix        = "log:"
	logUpperBound    = "log;" // first key after every "log:" key
	cursorPrefix     = "cursor:"
)

// Storage persists snapshots in a Pebble database.
type Storage struct {
	db *pebble.DB
}

var (
	_ chatsync.SnapshotStorage = (*Storage)(nil)
	_ chatsync.SnapshotPruner  = (*Storage)(nil)
)

// Open opens or creates the database in dir.
func Open(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open snapshot cache: %w", err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) PutConversations(convs []chatsync.Conversation) error {
	return s.putJSON(conversationsKey, convs)
}

func (s *Storage) GetConversations() ([]chatsync.Conversation, error) {
	var convs []chatsync.Conversation
	if _, err := s.getJSON(conversationsKey, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (s *Storage) PutMessages(conversationID string, log chatsync.CachedLog) error {
	return s.putJSON(logPrefix+conversationID, log)
}

func (s *Storage) GetMessages(conversationID string) (chatsync.CachedLog, bool, error) {
	var log chatsync.CachedLog
	ok, err := s.getJSON(logPrefix+conversationID, &log)
	return log, ok, err
}

func (s *Storage) GetCursor(key string) (string, error) {
	v, ok, err := s.get(cursorPrefix + key)
	if err != nil || !ok {
		return "", err
	}
	return string(v), nil
}

func (s *Storage) SetCursor(key, value string) error {
	return s.db.Set([]byte(cursorPrefix+key), []byte(value), pebble.Sync)
}

// CachedConversations lists the conversation IDs that have a stored log.
func (s *Storage) CachedConversations() ([]string, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(logPrefix),
		UpperBound: []byte(logUpperBound),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var ids []string
	for ok := it.First(); ok; ok = it.Next() {
		ids = append(ids, string(it.Key()[len(logPrefix):]))
	}
	return ids, it.Error()
}

// Forget removes a conversation's stored log.
func (s *Storage) Forget(conversationID string) error {
	return s.db.Delete([]byte(logPrefix+conversationID), pebble.Sync)
}

func (s *Storage) putJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(key), b, pebble.Sync)
}

func (s *Storage) getJSON(key string, v any) (bool, error) {
	b, ok, err := s.get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Storage) get(key string) ([]byte, bool, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}
