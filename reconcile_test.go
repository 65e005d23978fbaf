package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestReconcilerPushMessages(t *testing.T) {
	t.Run("appends and updates preview", func(t *testing.T) {
		s := NewStore()
		s.SetConversations([]Conversation{{ID: "c1"}})
		s.SetMessageLog("c1", []Message{textMsg("m1", "c1", 10)})
		r := NewReconciler(s, nil, nil, 0)

		m := textMsg("m2", "c1", 20)
		m.SenderName = "Bob"
		r.Apply(MessageReceived{Message: m})

		assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages("c1")))
		c, _ := s.Conversation("c1")
		assert.Equal(t, "text m2", c.LastMessageText)
		assert.Equal(t, "Bob", c.LastMessageSender)
	})

	t.Run("unloaded conversation gets preview only", func(t *testing.T) {
		s := NewStore()
		s.SetConversations([]Conversation{{ID: "c1"}})
		r := NewReconciler(s, nil, nil, 0)

		r.Apply(MessageReceived{Message: textMsg("m1", "c1", 10)})

		assert.False(t, s.HasLog("c1"))
		c, _ := s.Conversation("c1")
		assert.Equal(t, "text m1", c.LastMessageText)
		assert.Equal(t, "user-m1", c.LastMessageSender)
	})

	t.Run("message clears sender typing", func(t *testing.T) {
		s := NewStore()
		r := NewReconciler(s, nil, nil, 0)
		r.Apply(UserTyping{UserID: "user-m1", ConversationID: "c1"})
		require.Equal(t, []string{"user-m1"}, s.TypingUsers("c1"))

		r.Apply(MessageReceived{Message: textMsg("m1", "c1", 10)})
		assert.Empty(t, s.TypingConversations())
	})

	t.Run("presence and typing", func(t *testing.T) {
		s := NewStore()
		r := NewReconciler(s, nil, nil, 0)
		r.Apply(UserOnline{UserID: "u1"})
		r.Apply(UserTyping{UserID: "u1", ConversationID: "c1"})
		r.Apply(UserStoppedTyping{UserID: "u1", ConversationID: "c1"})
		r.Apply(UserOffline{UserID: "u2"})

		assert.True(t, s.IsOnline("u1"))
		assert.Empty(t, s.TypingConversations())
	})
}

func TestReconcilerCorrections(t *testing.T) {
	editedAt := t0.Add(time.Minute)

	t.Run("edit scans loaded logs without conversation id", func(t *testing.T) {
		s := NewStore()
		s.SetMessageLog("c1", []Message{textMsg("m1", "c1", 10)})
		s.SetMessageLog("c2", []Message{textMsg("m2", "c2", 10)})
		r := NewReconciler(s, nil, nil, 0)

		r.Apply(MessageEdited{MessageID: "m2", Content: "fixed", EditedAt: editedAt})

		m, ok := s.Message("c2", "m2")
		require.True(t, ok)
		assert.Equal(t, "fixed", m.Preview())
		assert.True(t, m.IsEdited)
	})

	t.Run("delete scans loaded logs", func(t *testing.T) {
		s := NewStore()
		s.SetMessageLog("c1", []Message{textMsg("m1", "c1", 10), textMsg("m2", "c1", 20)})
		r := NewReconciler(s, nil, nil, 0)

		r.Apply(MessageDeleted{MessageID: "m1"})

		assert.Equal(t, []string{"m2"}, ids(s.Messages("c1")))
	})

	t.Run("unseen target is dropped by default", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		s := NewStore()
		r := NewReconciler(s, zap.New(core), nil, 0)

		r.Apply(MessageEdited{MessageID: "m9", ConversationID: "c1", Content: "x", EditedAt: editedAt})
		r.Apply(MessageDeleted{MessageID: "m8"})

		assert.Equal(t, 2, logs.FilterMessage("dropping correction for unseen message").Len())

		r.ApplyLatestPage("c1", MessagePage{Messages: []Message{textMsg("m9", "c1", 10)}})
		m, _ := s.Message("c1", "m9")
		assert.False(t, m.IsEdited)
	})

	t.Run("pending corrections apply once the message loads", func(t *testing.T) {
		s := NewStore()
		r := NewReconciler(s, nil, nil, 8)

		r.Apply(MessageEdited{MessageID: "m2", Content: "fixed", EditedAt: editedAt})
		r.Apply(MessageDeleted{MessageID: "m3", ConversationID: "c1"})

		r.ApplyLatestPage("c1", MessagePage{Messages: []Message{
			textMsg("m3", "c1", 30), textMsg("m2", "c1", 20), textMsg("m1", "c1", 10),
		}})

		assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages("c1")))
		m, _ := s.Message("c1", "m2")
		assert.Equal(t, "fixed", m.Preview())
	})

	t.Run("pending edit applies to a pushed message", func(t *testing.T) {
		s := NewStore()
		s.SetMessageLog("c1", nil)
		r := NewReconciler(s, nil, nil, 8)

		r.Apply(MessageEdited{MessageID: "m1", ConversationID: "c1", Content: "fixed", EditedAt: editedAt})
		r.Apply(MessageReceived{Message: textMsg("m1", "c1", 10)})

		m, _ := s.Message("c1", "m1")
		assert.Equal(t, "fixed", m.Preview())
	})

	t.Run("pending delete wins over later edit", func(t *testing.T) {
		s := NewStore()
		r := NewReconciler(s, nil, nil, 8)

		r.Apply(MessageDeleted{MessageID: "m1"})
		r.Apply(MessageEdited{MessageID: "m1", Content: "late", EditedAt: editedAt})
		r.ApplyLatestPage("c1", MessagePage{Messages: []Message{textMsg("m1", "c1", 10)}})

		assert.Empty(t, s.Messages("c1"))
	})

	t.Run("late arriving older edit keeps the newer pending one", func(t *testing.T) {
		s := NewStore()
		r := NewReconciler(s, nil, nil, 8)

		r.Apply(MessageEdited{MessageID: "m1", Content: "newer", EditedAt: editedAt.Add(time.Minute)})
		r.Apply(MessageEdited{MessageID: "m1", Content: "older", EditedAt: editedAt})
		r.ApplyLatestPage("c1", MessagePage{Messages: []Message{textMsg("m1", "c1", 10)}})

		m, _ := s.Message("c1", "m1")
		assert.Equal(t, "newer", m.Preview())
		assert.True(t, editedAt.Add(time.Minute).Equal(m.EditedAt))
	})

	t.Run("stale pending edit does not override newer page", func(t *testing.T) {
		s := NewStore()
		r := NewReconciler(s, nil, nil, 8)

		r.Apply(MessageEdited{MessageID: "m1", Content: "first", EditedAt: editedAt})
		newer := textMsg("m1", "c1", 10)
		newer.Content = TextContent{Text: "second"}
		newer.IsEdited, newer.EditedAt = true, editedAt.Add(time.Minute)
		r.ApplyLatestPage("c1", MessagePage{Messages: []Message{newer}})

		m, _ := s.Message("c1", "m1")
		assert.Equal(t, "second", m.Preview())
	})
}

func TestReconcilerPages(t *testing.T) {
	t.Run("latest page is reversed into ascending order", func(t *testing.T) {
		s := NewStore()
		r := NewReconciler(s, nil, nil, 0)

		r.ApplyLatestPage("c1", MessagePage{
			Messages: []Message{textMsg("m3", "", 30), textMsg("m2", "", 20)},
			HasMore:  true,
		})

		msgs := s.Messages("c1")
		assert.Equal(t, []string{"m2", "m3"}, ids(msgs))
		assert.Equal(t, "c1", msgs[0].ConversationID)
		assert.True(t, s.HasMore("c1"))
		assert.True(t, r.Fetched("c1"))
	})

	t.Run("older page prepends and moves cursor", func(t *testing.T) {
		s := NewStore()
		r := NewReconciler(s, nil, nil, 0)
		r.ApplyLatestPage("c1", MessagePage{Messages: []Message{textMsg("m3", "c1", 30), textMsg("m2", "c1", 20)}, HasMore: true})

		r.ApplyOlderPage("c1", MessagePage{Messages: []Message{textMsg("m2", "c1", 20), textMsg("m1", "c1", 10)}, HasMore: false})

		assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Messages("c1")))
		assert.Equal(t, "m1", s.OldestMessageID("c1"))
		assert.False(t, s.HasMore("c1"))
	})

	t.Run("second latest page merges gap", func(t *testing.T) {
		s := NewStore()
		r := NewReconciler(s, nil, nil, 0)
		r.ApplyLatestPage("c1", MessagePage{Messages: []Message{textMsg("m2", "c1", 20), textMsg("m1", "c1", 10)}, HasMore: true})
		r.ApplyOlderPage("c1", MessagePage{Messages: []Message{textMsg("m0", "c1", 5)}, HasMore: true})

		r.ApplyLatestPage("c1", MessagePage{Messages: []Message{textMsg("m4", "c1", 40), textMsg("m3", "c1", 30), textMsg("m2", "c1", 20)}})

		assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, ids(s.Messages("c1")))
		assert.True(t, s.HasMore("c1"), "gap fill keeps pagination state")
	})

	t.Run("hydrated log is replaced by first fetch", func(t *testing.T) {
		s := NewStore()
		s.SetMessageLog("c1", []Message{textMsg("stale", "c1", 1), textMsg("m1", "c1", 10)})
		r := NewReconciler(s, nil, nil, 0)
		assert.False(t, r.Fetched("c1"))

		r.ApplyLatestPage("c1", MessagePage{Messages: []Message{textMsg("m2", "c1", 20), textMsg("m1", "c1", 10)}})

		assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages("c1")))
	})

	t.Run("push during first fetch survives the replace", func(t *testing.T) {
		s := NewStore()
		s.SetMessageLog("c1", []Message{textMsg("stale", "c1", 1), textMsg("m1", "c1", 10)})
		r := NewReconciler(s, nil, nil, 0)

		// the page below was read by the server before m3 was posted
		r.Apply(MessageReceived{Message: textMsg("m3", "c1", 30)})
		r.ApplyLatestPage("c1", MessagePage{Messages: []Message{textMsg("m2", "c1", 20), textMsg("m1", "c1", 10)}})

		assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Messages("c1")))
		assert.Empty(t, r.pushed, "carry-over set is released after the first fetch")

		r.Apply(MessageReceived{Message: textMsg("m4", "c1", 40)})
		assert.Empty(t, r.pushed, "fetched logs are not tracked")
	})
}
