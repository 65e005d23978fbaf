//go:build integration

package chatsync_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
)

// helpers ---------------------------------------------------------------

func liveToken(t *testing.T) string {
	t.Helper()
	token := os.Getenv("CHATSYNC_TEST_TOKEN")
	if token == "" {
		t.Fatal("CHATSYNC_TEST_TOKEN environment variable is required")
	}
	return token
}

func liveBaseURL() string {
	if u := os.Getenv("CHATSYNC_TEST_BASE_URL"); u != "" {
		return u
	}
	return chatsync.DefaultBaseURL
}

func liveEngine(t *testing.T, transport chatsync.TransportKind) *chatsync.Engine {
	t.Helper()
	e := chatsync.NewEngine(chatsync.Config{BaseURL: liveBaseURL(), Transport: transport},
		chatsync.NewStaticCredentials(liveToken(t), nil),
		chatsync.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(e.Disconnect)
	return e
}

func waitConnected(t *testing.T, e *chatsync.Engine) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := e.Status()
		if st.State == chatsync.StateFailed {
			t.Fatalf("connection failed: %v", st.LastError)
		}
		return st.State == chatsync.StateConnected
	}, 30*time.Second, 100*time.Millisecond)
}

// tests -----------------------------------------------------------------

func TestLiveConversationsAndHistory(t *testing.T) {
	e := liveEngine(t, chatsync.TransportWebSocket)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	convs, err := e.FetchConversations(ctx)
	require.NoError(t, err)
	if len(convs) == 0 {
		t.Skip("account has no conversations")
	}

	require.NoError(t, e.OpenConversation(ctx, convs[0].ID))
	msgs := e.Store().Messages(convs[0].ID)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].Before(msgs[i-1]), "log must be ascending")
	}
}

func TestLiveTransports(t *testing.T) {
	for _, kind := range []chatsync.TransportKind{chatsync.TransportWebSocket, chatsync.TransportSSE, chatsync.TransportPoll} {
		t.Run(string(kind), func(t *testing.T) {
			e := liveEngine(t, kind)
			require.NoError(t, e.Connect())
			waitConnected(t, e)

			e.Disconnect()
			assert.Equal(t, chatsync.StateDisconnected, e.Status().State)
		})
	}
}

func TestLiveSendEcho(t *testing.T) {
	convID := os.Getenv("CHATSYNC_TEST_CONVERSATION")
	if convID == "" {
		t.Skip("CHATSYNC_TEST_CONVERSATION not set")
	}
	e := liveEngine(t, chatsync.TransportWebSocket)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, e.Connect())
	waitConnected(t, e)
	require.NoError(t, e.OpenConversation(ctx, convID))

	sent, err := e.SendMessage(ctx, convID, chatsync.TextContent{Text: "integration " + time.Now().Format(time.RFC3339)}, chatsync.SendOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := e.Store().Message(convID, sent.ID)
		return ok
	}, 15*time.Second, 100*time.Millisecond, "sent message must arrive through the push path")
}
