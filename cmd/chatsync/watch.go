package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
)

var watchMetricsAddr string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
}

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id...]",
	Short: "Stream realtime activity until interrupted",
	Long: "Connect the realtime transport and print messages, presence and typing changes.\n" +
		"Conversation IDs given as arguments are opened and their rooms joined once connected.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			shutdown := serveMetrics(watchMetricsAddr, s.registry, s.logger)
			defer shutdown()
		}

		fetchCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		if _, err := s.engine.FetchConversations(fetchCtx); err != nil {
			s.logger.Warn("conversation list not loaded", zap.Error(err))
		}
		cancel()

		w := &watcher{out: cmd.OutOrStdout(), engine: s.engine, rooms: args, failed: make(chan error, 1)}
		unsubscribe := s.engine.Store().Subscribe(w.onChange)
		defer unsubscribe()
		s.engine.OnStateChange(func(prev, next chatsync.ConnectionStatus) { w.onState(ctx, prev, next) })

		if err := s.engine.Connect(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(w.out, "Disconnecting.")
			return nil
		case err := <-w.failed:
			return fmt.Errorf("realtime connection failed: %w", err)
		}
	},
}

// watcher renders store changes and opens the requested rooms on first
// connect. Rooms are re-joined by the engine on reconnect.
type watcher struct {
	out    io.Writer
	engine *chatsync.Engine
	rooms  []string
	failed chan error

	mu     sync.Mutex
	opened bool
}

func (w *watcher) onState(ctx context.Context, prev, next chatsync.ConnectionStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()

	line := fmt.Sprintf("* %s", next.State)
	if next.Attempt > 0 {
		line += fmt.Sprintf(" (attempt %d)", next.Attempt)
	}
	if next.LastError != nil {
		line += ": " + next.LastError.Error()
	}
	fmt.Fprintln(w.out, line)

	switch next.State {
	case chatsync.StateConnected:
		if !w.opened {
			w.opened = true
			go w.openRooms(ctx)
		}
	case chatsync.StateFailed:
		err := next.LastError
		if err == nil {
			err = errors.New("gave up reconnecting")
		}
		select {
		case w.failed <- err:
		default:
		}
	}
}

func (w *watcher) openRooms(ctx context.Context) {
	for _, id := range w.rooms {
		octx, cancel := context.WithTimeout(ctx, requestTimeout)
		err := w.engine.OpenConversation(octx, id)
		cancel()
		w.mu.Lock()
		if err != nil {
			fmt.Fprintf(w.out, "! open %s: %v\n", id, err)
		} else {
			fmt.Fprintf(w.out, "* watching %s\n", id)
		}
		w.mu.Unlock()
	}
}

func (w *watcher) onChange(c chatsync.Change) {
	store := w.engine.Store()
	var line string
	switch c.Kind {
	case chatsync.ChangeMessages:
		if c.MessageID == "" {
			return
		}
		m, ok := store.Message(c.ConversationID, c.MessageID)
		if !ok {
			line = fmt.Sprintf("[%s] message %s deleted", c.ConversationID, c.MessageID)
			break
		}
		var b strings.Builder
		printMessage(&b, m)
		line = fmt.Sprintf("[%s] %s", c.ConversationID, strings.TrimSuffix(b.String(), "\n"))
	case chatsync.ChangePresence:
		state := "offline"
		if store.IsOnline(c.UserID) {
			state = "online"
		}
		line = fmt.Sprintf("~ %s is %s", c.UserID, state)
	case chatsync.ChangeTyping:
		users := store.TypingUsers(c.ConversationID)
		if len(users) == 0 {
			return
		}
		line = fmt.Sprintf("[%s] %s typing...", c.ConversationID, strings.Join(users, ", "))
	default:
		return
	}

	w.mu.Lock()
	fmt.Fprintln(w.out, line)
	w.mu.Unlock()
}

// serveMetrics exposes reg on addr/metrics and returns a shutdown func.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
