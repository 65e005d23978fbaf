package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, token state and server reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyEnv(cfg)
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		fmt.Fprintf(out, "  Transport:   %s\n", valueOrDefault(cfg.Realtime.Transport, string(chatsync.TransportWebSocket)))
		fmt.Fprintf(out, "  Cache:       %s\n", valueOrDefault(cfg.Cache.Dir, "(disabled)"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		fmt.Fprintf(out, "  Token:       %s\n", tokenStatus(cfg.Auth.Token, time.Now()))
		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		s, err := openSession()
		if err != nil {
			fmt.Fprintf(out, "  Error: %v\n", err)
			return nil
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		convs, err := s.engine.FetchConversations(ctx)
		switch {
		case errors.Is(err, chatsync.ErrUnauthorized):
			fmt.Fprintln(out, "  Server rejected the token")
		case err != nil:
			fmt.Fprintf(out, "  Error: %v\n", err)
		default:
			fmt.Fprintf(out, "  Conversations: %d\n", len(convs))
		}
		return nil
	},
}

// tokenStatus describes a token's presence and, for JWTs, its expiry.
func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	exp, err := chatsync.TokenExpiry(token)
	switch {
	case err != nil:
		return "present (opaque)"
	case exp.IsZero():
		return "present (no expiry set)"
	case now.Before(exp):
		return fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
	default:
		return fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
	}
}
