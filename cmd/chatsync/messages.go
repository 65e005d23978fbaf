package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	jsonOutput bool

	// messages
	messagesBefore string

	// send
	sendReplyTo string
)

const requestTimeout = 15 * time.Second

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		if _, err := s.engine.FetchConversations(ctx); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		convs := s.engine.Store().SortedConversations()
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, convs)
		}
		if len(convs) == 0 {
			fmt.Fprintln(out, "No conversations found.")
			return nil
		}
		for _, c := range convs {
			title := c.Title
			if title == "" {
				title = string(c.Type)
			}
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Fprintf(out, "  %s: %s%s\n", c.ID, title, unread)
			if c.LastMessageText != "" {
				fmt.Fprintf(out, "      %s: %s\n", c.LastMessageSender, c.LastMessageText)
			}
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show one page of history, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		page, err := s.engine.FetchMessages(ctx, args[0], messagesBefore)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		// pages arrive newest-first
		msgs := make([]chatsync.Message, 0, len(page.Messages))
		for i := len(page.Messages) - 1; i >= 0; i-- {
			msgs = append(msgs, page.Messages[i])
		}
		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(out, m)
		}
		if page.HasMore {
			fmt.Fprintf(out, "(older messages: --before %s)\n", msgs[0].ID)
		}
		return nil
	},
}

// ============================================================================
// send / edit / delete
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		m, err := s.engine.SendMessage(ctx, args[0], chatsync.TextContent{Text: args[1]},
			chatsync.SendOptions{ReplyToMessageID: sendReplyTo})
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), m)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", m.ID)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <message-id> <text>",
	Short: "Replace a message's text",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		if err := s.engine.EditMessage(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("edit failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Edited %s\n", args[0])
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		if err := s.engine.DeleteMessage(ctx, args[0]); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

// ============================================================================
// direct
// ============================================================================

var directCmd = &cobra.Command{
	Use:   "direct <user-id>",
	Short: "Open (or create) the direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		conv, err := s.engine.GetOrCreateDirect(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), conv)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Conversation %s\n", conv.ID)
		return nil
	},
}

// ── Output ───────────────────────────────────────────────

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessage(w io.Writer, m chatsync.Message) {
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	edited := ""
	if m.IsEdited {
		edited = " (edited)"
	}
	fmt.Fprintf(w, "[%s] %s: %s%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), sender, m.Preview(), edited)
}

func init() {
	for _, c := range []*cobra.Command{conversationsCmd, messagesCmd, sendCmd, directCmd} {
		c.Flags().BoolVar(&jsonOutput, "json", false, "Output JSON")
	}
	messagesCmd.Flags().StringVar(&messagesBefore, "before", "", "Load the page older than this message ID")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message ID this message replies to")

	rootCmd.AddCommand(conversationsCmd, messagesCmd, sendCmd, editCmd, deleteCmd, directCmd)
}
